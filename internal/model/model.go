package model

import (
	"sort"
	"time"
)

// RawEvent is a calendar entity as handed over by the ICS parser, before
// normalization. Optional text fields are pointers so that "absent" can be
// told apart from "empty"; Start is nil when the VEVENT has no DTSTART.
type RawEvent struct {
	UID string

	Summary     *string
	Description *string

	Start  *time.Time
	AllDay bool
}

// Event is the canonical per-event record. It is a value type: two events
// are equal iff all fields are equal, so == can be used directly.
type Event struct {
	Summary           string
	Description       string
	DateKey           string  // YYYYMMDD in the mirror's timezone
	Timestamp         float64 // seconds since 1970-01-01 00:00 in the mirror's timezone
	HumanReadableTime string  // ISO-8601
}

// HomeworkEntry is the persisted JSON shape of one event inside a per-date
// homework record. Field order matches the on-disk layout.
type HomeworkEntry struct {
	Summary           string  `json:"summary"`
	Description       string  `json:"description"`
	Timestamp         float64 `json:"timestamp"`
	HumanReadableTime string  `json:"human_readable_time"`
}

// Entry projects an Event onto its persisted shape. DateKey is implied by
// the record's path.
func (e Event) Entry() HomeworkEntry {
	return HomeworkEntry{
		Summary:           e.Summary,
		Description:       e.Description,
		Timestamp:         e.Timestamp,
		HumanReadableTime: e.HumanReadableTime,
	}
}

// Entries projects a day's events, preserving order.
func Entries(events []Event) []HomeworkEntry {
	out := make([]HomeworkEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Entry())
	}
	return out
}

// EntriesEqual compares two homework records field by field, order-sensitive.
func EntriesEqual(a, b []HomeworkEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DayBucket maps a date key to the events starting on that date, in source
// order.
type DayBucket map[string][]Event

// Keys returns the bucket's date keys in ascending order.
func (d DayBucket) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether both buckets hold the same keys with identical,
// identically ordered events.
func (d DayBucket) Equal(other DayBucket) bool {
	if len(d) != len(other) {
		return false
	}
	for k, evs := range d {
		o, ok := other[k]
		if !ok || len(o) != len(evs) {
			return false
		}
		for i := range evs {
			if evs[i] != o[i] {
				return false
			}
		}
	}
	return true
}

// Snapshot is one view of the calendar: grouped events plus the serialized
// calendar they came from.
type Snapshot struct {
	Days DayBucket
	// Raw is the serialized calendar. It only short-circuits whole-snapshot
	// comparison and never decides per-date writes.
	Raw []byte
}

// Equal compares the grouped events only.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.Days.Equal(other.Days)
}

// VideoReference is an externally hosted video link found in an event
// description. URL is the uniqueness key.
type VideoReference struct {
	URL string
}

// DownloadRecord marks a VideoReference as fetched and stored. Records are
// appended to a per-date list and never mutated.
type DownloadRecord struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}
