package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "edtcal/internal/log"
	"edtcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// expandOccurrences turns parsed VEVENTs into concrete events. It handles:
//
//   - Single non-recurring events (always kept, regardless of the window)
//   - RRULE-based recurrence within opts.Window
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//
// Output order follows the input order of base events; callers sort.
func expandOccurrences(events []parsedEvent, opts ParseOptions) ([]model.Event, error) {
	if opts.Window.End.Before(opts.Window.Start) {
		return nil, errors.New("expand: window end is before window start")
	}
	maxPerEvent := opts.MaxOccurrencesPerEvent
	if maxPerEvent <= 0 {
		maxPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Overrides are only meaningful against a recurring base with the same UID.
	recurringUIDs := make(map[string]bool)
	for _, ev := range events {
		if ev.RawRRule != "" && ev.Recurrence == nil && ev.UID != "" {
			recurringUIDs[ev.UID] = true
		}
	}
	overridesByUID := make(map[string][]parsedEvent)
	for _, ev := range events {
		if ev.Recurrence != nil && recurringUIDs[ev.UID] {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		}
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Recurrence != nil && recurringUIDs[ev.UID] {
			// Emitted through its base event.
			continue
		}
		if ev.RawRRule == "" {
			out = append(out, ev.toEvent())
			continue
		}

		occ, hitCap := expandRecurringEvent(ev, overridesByUID[ev.UID], opts.Window, maxPerEvent)
		if hitCap {
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", ev.UID,
				"cap", maxPerEvent,
			)
		}
		out = append(out, occ...)
	}

	return out, nil
}

func expandRecurringEvent(ev parsedEvent, overrides []parsedEvent, window Window, maxPerEvent int) ([]model.Event, bool) {
	out := make([]model.Event, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE; keeping first instance", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return []model.Event{ev.toEvent()}, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	rangeStart := window.Start.In(ev.Start.Location()).Add(-dur)
	rangeEnd := window.End.In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	hitCap := false
	if len(occTimes) > maxPerEvent {
		occTimes = occTimes[:maxPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		inst := ev
		inst.Start = occStart
		inst.End = occStart.Add(dur)
		if ev.AllDay {
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			inst.Start = date
			inst.End = date.AddDate(0, 0, 1)
		}

		if o, ok := findOverrideForStart(overrides, occStart); ok {
			inst = o
		}
		out = append(out, inst.toEvent())
	}

	return out, hitCap
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches the
// occurrence start exactly.
func findOverrideForStart(overrides []parsedEvent, start time.Time) (parsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return parsedEvent{}, false
}
