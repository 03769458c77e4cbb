package query

import (
	"elogbook/pkg/domain"
	"time"
)

// MaxRangeSpan caps the width of an export window.
const MaxRangeSpan = 31 * 24 * time.Hour

// DateRange bounds an export window. Both bounds are inclusive.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// Contains reports whether ts falls inside the window.
func (r DateRange) Contains(ts time.Time) bool {
	return !ts.Before(r.Start) && !ts.After(r.End)
}

// Validate enforces the export window caps relative to now.
func (r DateRange) Validate(now time.Time) error {
	switch {
	case r.Start.IsZero() || r.End.IsZero():
		return domain.NewValidationError("range", "range required: both start and end must be supplied")
	case r.End.Before(r.Start):
		return domain.NewValidationError("range", "end %s is before start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	case r.Start.After(now):
		return domain.NewValidationError("start", "start %s is in the future", r.Start.Format(time.RFC3339))
	case r.End.After(now):
		return domain.NewValidationError("end", "end %s is in the future", r.End.Format(time.RFC3339))
	case r.End.Sub(r.Start) > MaxRangeSpan:
		return domain.NewValidationError("range", "range spans %s; at most 31 days allowed", r.End.Sub(r.Start).Round(time.Hour))
	}
	return nil
}
