package models

import (
	"encoding/json"
	"sort"
)

// Category labels why a notification is sent and keys the user's preference for it.
type Category string

const (
	CategoryDailySummary      Category = "dailySummary"
	CategoryTaskReminders     Category = "taskReminders"
	CategoryDSAReminders      Category = "dsaReminders"
	CategoryWorkoutReminders  Category = "workoutReminders"
	CategoryWellbeingCheckins Category = "wellbeingCheckins"
)

// Categories lists every gateable category.
func Categories() []Category {
	return []Category{
		CategoryDailySummary,
		CategoryTaskReminders,
		CategoryDSAReminders,
		CategoryWorkoutReminders,
		CategoryWellbeingCheckins,
	}
}

// ParseCategory returns a ConfigurationError for anything outside the enumeration.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", unknownCategory(s)
}

// NotificationSettings holds one boolean per category.
type NotificationSettings struct {
	DailySummary      bool `json:"dailySummary"`
	TaskReminders     bool `json:"taskReminders"`
	DSAReminders      bool `json:"dsaReminders"`
	WorkoutReminders  bool `json:"workoutReminders"`
	WellbeingCheckins bool `json:"wellbeingCheckins"`
}

// DefaultSettings has every category enabled.
func DefaultSettings() NotificationSettings {
	return NotificationSettings{
		DailySummary:      true,
		TaskReminders:     true,
		DSAReminders:      true,
		WorkoutReminders:  true,
		WellbeingCheckins: true,
	}
}

// Enabled reports the flag for c.
func (s NotificationSettings) Enabled(c Category) (bool, error) {
	switch c {
	case CategoryDailySummary:
		return s.DailySummary, nil
	case CategoryTaskReminders:
		return s.TaskReminders, nil
	case CategoryDSAReminders:
		return s.DSAReminders, nil
	case CategoryWorkoutReminders:
		return s.WorkoutReminders, nil
	case CategoryWellbeingCheckins:
		return s.WellbeingCheckins, nil
	}
	return false, unknownCategory(string(c))
}

// SettingsPatch is a partial update; nil fields are left untouched.
type SettingsPatch struct {
	DailySummary      *bool `json:"dailySummary"`
	TaskReminders     *bool `json:"taskReminders"`
	DSAReminders      *bool `json:"dsaReminders"`
	WorkoutReminders  *bool `json:"workoutReminders"`
	WellbeingCheckins *bool `json:"wellbeingCheckins"`
}

// ParseSettingsPatch decodes a PUT /settings body. Keys must match a category
// name exactly; anything else is rejected instead of silently dropped.
func ParseSettingsPatch(data []byte) (SettingsPatch, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return SettingsPatch{}, &ValidationError{Field: "body", Msg: "Invalid JSON body"}
	}

	var errs ValidationErrors
	for key, raw := range fields {
		if _, err := ParseCategory(key); err != nil {
			errs = append(errs, &ValidationError{Field: key, Msg: "Unknown notification setting"})
			continue
		}
		var v *bool
		if err := json.Unmarshal(raw, &v); err != nil {
			errs = append(errs, &ValidationError{Field: key, Msg: "Must be a boolean"})
		}
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return SettingsPatch{}, errs
	}

	var p SettingsPatch
	if err := json.Unmarshal(data, &p); err != nil {
		return SettingsPatch{}, &ValidationError{Field: "body", Msg: "Invalid JSON body"}
	}
	return p, nil
}

// Apply returns s with the non-nil fields of p written over it.
func (p SettingsPatch) Apply(s NotificationSettings) NotificationSettings {
	if p.DailySummary != nil {
		s.DailySummary = *p.DailySummary
	}
	if p.TaskReminders != nil {
		s.TaskReminders = *p.TaskReminders
	}
	if p.DSAReminders != nil {
		s.DSAReminders = *p.DSAReminders
	}
	if p.WorkoutReminders != nil {
		s.WorkoutReminders = *p.WorkoutReminders
	}
	if p.WellbeingCheckins != nil {
		s.WellbeingCheckins = *p.WellbeingCheckins
	}
	return s
}
