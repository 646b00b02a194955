package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "hwmirror/internal/log"
	"hwmirror/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 500
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// HorizonDays is how far past Now recurring events are expanded. Zero
	// disables expansion: every VEVENT yields exactly one entity at its own
	// DTSTART, overrides included.
	HorizonDays int

	// Now anchors the horizon. If nil, time.Now is used.
	Now func() time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Expand turns parsed VEVENTs into raw entities for normalization, in
// document order. It handles:
//
//   - Single non-recurring events (passed through)
//   - RRULE-based recurrence up to the horizon
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
func Expand(events []ParsedEvent, cfg ExpandConfig) []model.RawEvent {
	out := make([]model.RawEvent, 0, len(events))

	if cfg.HorizonDays <= 0 {
		for _, ev := range events {
			out = append(out, rawFromParsed(ev, ev.Start))
		}
		return out
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	horizon := cfg.Now().AddDate(0, 0, cfg.HorizonDays)

	// Overrides only attach to a recurring base with the same UID.
	recurringUIDs := make(map[string]bool)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.RawRRule != "" && !ev.IsOverride {
			recurringUIDs[ev.UID] = true
		}
	}
	for _, ev := range events {
		if ev.IsOverride && recurringUIDs[ev.UID] {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		}
	}

	for _, ev := range events {
		switch {
		case ev.IsOverride && recurringUIDs[ev.UID]:
			// Emitted with its base below.
			continue
		case ev.RawRRule == "" || ev.Start == nil:
			out = append(out, rawFromParsed(ev, ev.Start))
		default:
			out = append(out, expandRecurring(ev, overridesByUID[ev.UID], horizon, cfg.MaxOccurrencesPerEvent)...)
		}
	}
	return out
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, horizon time.Time, maxOcc int) []model.RawEvent {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE; keeping DTSTART only", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return append([]model.RawEvent{rawFromParsed(ev, ev.Start)}, rawOverrides(overrides)...)
	}

	// Ensure Dtstart is set to the event's DTSTART.
	r.DTStart(*ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		// Best effort: align EXDATE location with event's start.
		set.ExDate(ex.In(ev.Start.Location()))
	}

	occTimes := set.Between(*ev.Start, horizon.In(ev.Start.Location()), true)
	if len(occTimes) > maxOcc {
		appLog.Error("expand: truncated occurrences for UID due to cap",
			errors.New("max occurrences reached"),
			"uid", ev.UID,
			"cap", maxOcc,
		)
		occTimes = occTimes[:maxOcc]
	}

	used := make([]bool, len(overrides))
	out := make([]model.RawEvent, 0, len(occTimes))
	for _, occStart := range occTimes {
		if i, ok := findOverrideForStart(overrides, occStart); ok {
			used[i] = true
			out = append(out, rawFromParsed(overrides[i], overrides[i].Start))
			continue
		}
		start := occStart
		out = append(out, rawFromParsed(ev, &start))
	}

	// Overrides whose instance fell outside the horizon still mirror their
	// own DTSTART.
	for i, o := range overrides {
		if !used[i] {
			out = append(out, rawFromParsed(o, o.Start))
		}
	}
	return out
}

func rawOverrides(overrides []ParsedEvent) []model.RawEvent {
	out := make([]model.RawEvent, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, rawFromParsed(o, o.Start))
	}
	return out
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches start
// with exact time equality.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (int, bool) {
	for i, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.Equal(start) {
			return i, true
		}
	}
	return -1, false
}

func rawFromParsed(ev ParsedEvent, start *time.Time) model.RawEvent {
	return model.RawEvent{
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       start,
		AllDay:      ev.AllDay,
	}
}
