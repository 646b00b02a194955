package model

import "time"

// Group buckets events by DateKey. Within a key, input order is preserved;
// no event is dropped or duplicated.
func Group(events []Event) DayBucket {
	out := make(DayBucket)
	for _, ev := range events {
		out[ev.DateKey] = append(out[ev.DateKey], ev)
	}
	return out
}

// BuildSnapshot normalizes and groups raw entities into a Snapshot. Entities
// that fail normalization are skipped and returned as errors; they never
// abort the build.
func BuildSnapshot(raw []byte, entities []RawEvent, loc *time.Location) (Snapshot, []error) {
	events := make([]Event, 0, len(entities))
	var errs []error
	for _, ent := range entities {
		ev, err := Normalize(ent, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return Snapshot{Days: Group(events), Raw: raw}, errs
}
