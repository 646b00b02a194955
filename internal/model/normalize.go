package model

import (
	"fmt"
	"strings"
	"time"

	"hwmirror/internal/apperr"
)

const (
	dateKeyLayout = "20060102"
	allDayLayout  = "2006-01-02"
)

// MalformedEventError reports a source entity that cannot be normalized.
// Only that entity is skipped; the rest of the feed is processed.
type MalformedEventError struct {
	UID    string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.UID == "" {
		return "malformed event: " + e.Reason
	}
	return fmt.Sprintf("malformed event %s: %s", e.UID, e.Reason)
}

// Unwrap exposes the error as a coded apperr so callers can classify it
// with apperr.Is(err, apperr.CodeMalformedEvent).
func (e *MalformedEventError) Unwrap() error {
	return &apperr.Error{Code: apperr.CodeMalformedEvent, Op: "normalize", Key: e.UID}
}

// Normalize converts a raw calendar entity into an Event bucketed in loc.
//
//   - A nil Start fails with *MalformedEventError.
//   - Missing summary/description become "".
//   - Text goes through canonicalText so equal source bytes always produce
//     equal fields.
//   - Timestamp counts seconds from 1970-01-01 00:00 in loc (not the Unix
//     epoch unless loc is UTC).
func Normalize(raw RawEvent, loc *time.Location) (Event, error) {
	if raw.Start == nil {
		return Event{}, &MalformedEventError{UID: raw.UID, Reason: "missing DTSTART"}
	}
	if loc == nil {
		loc = time.Local
	}

	start := raw.Start.In(loc)
	if raw.AllDay {
		// All-day values carry no zone; pin them to local midnight of the
		// same calendar date.
		y, m, d := raw.Start.Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}

	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, loc)

	human := start.Format(time.RFC3339)
	if raw.AllDay {
		human = start.Format(allDayLayout)
	}

	return Event{
		Summary:           canonicalText(raw.Summary),
		Description:       canonicalText(raw.Description),
		DateKey:           start.Format(dateKeyLayout),
		Timestamp:         start.Sub(epoch).Seconds(),
		HumanReadableTime: human,
	}, nil
}

func canonicalText(s *string) string {
	if s == nil {
		return ""
	}
	return strings.ToValidUTF8(*s, "\uFFFD")
}
