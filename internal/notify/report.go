package notify

import (
	"time"

	"github.com/google/uuid"

	"assistant-push-go/internal/models"
)

// NoteNoActiveSubscriptions marks a broadcast to a user without devices.
const NoteNoActiveSubscriptions = "NoActiveSubscriptions"

// CategoryDirect labels sends that bypass the preference gate.
const CategoryDirect = "direct"

// Report is the advisory result of one broadcast.
type Report struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"userId"`
	Category   string    `json:"category"`
	Skipped    bool      `json:"skipped"`
	Note       string    `json:"note,omitempty"`
	Dispatched int       `json:"dispatched"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Warning    string    `json:"warning,omitempty"`
	Outcomes   []Outcome `json:"outcomes"`
	SentAt     time.Time `json:"sentAt"`
}

// Outcome is the delivery result for one subscription.
type Outcome struct {
	Endpoint    string           `json:"endpoint"`
	Success     bool             `json:"success"`
	StatusCode  int              `json:"statusCode,omitempty"`
	ErrorKind   models.ErrorKind `json:"errorKind,omitempty"`
	Error       string           `json:"error,omitempty"`
	Deactivated bool             `json:"deactivated,omitempty"`
}

func newReport(userID, category string) Report {
	return Report{
		ID:       uuid.New(),
		UserID:   userID,
		Category: category,
		Outcomes: []Outcome{},
		SentAt:   time.Now().UTC(),
	}
}

// tally fills the counters and sets Warning when nothing got through and no
// failure was transient.
func (r *Report) tally() {
	r.Dispatched = len(r.Outcomes)
	r.Succeeded, r.Failed = 0, 0

	allFinal := true
	for _, o := range r.Outcomes {
		if o.Success {
			r.Succeeded++
			continue
		}
		r.Failed++
		if o.ErrorKind == models.ErrorTransient {
			allFinal = false
		}
	}

	if r.Dispatched > 0 && r.Succeeded == 0 && allFinal {
		r.Warning = "all deliveries failed"
	}
}

// Result is a short label for metrics and logs.
func (r Report) Result() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Note == NoteNoActiveSubscriptions:
		return "no_subscriptions"
	case r.Warning != "":
		return "failed"
	default:
		return "sent"
	}
}

// Deactivations counts outcomes that removed a subscription.
func (r Report) Deactivations() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Deactivated {
			n++
		}
	}
	return n
}
