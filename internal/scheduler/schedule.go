package scheduler

import (
	"fmt"
	"time"
)

// Daily fires once per day at Hour:Minute in Location (time.Local when nil).
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// Next returns the first firing strictly after from.
func (d Daily) Next(from time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	from = from.In(loc)

	next := time.Date(from.Year(), from.Month(), from.Day(), d.Hour, d.Minute, 0, 0, loc)
	if !next.After(from) {
		next = time.Date(from.Year(), from.Month(), from.Day()+1, d.Hour, d.Minute, 0, 0, loc)
	}
	return next
}

func (d Daily) String() string {
	loc := "Local"
	if d.Location != nil {
		loc = d.Location.String()
	}
	return fmt.Sprintf("daily at %02d:%02d %s", d.Hour, d.Minute, loc)
}
