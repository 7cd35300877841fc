package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "edtcal/internal/log"
	"edtcal/internal/model"
)

// ParseError reports a payload that is not a usable iCalendar document.
// It is never retryable for the same payload.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "ics parse: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Window bounds recurrence expansion.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// ParseOptions tunes Parse. The zero value parses every VEVENT as a single
// event and does not expand RRULEs.
type ParseOptions struct {
	// Window enables RRULE expansion within [Start, End].
	Window Window

	// Location is used for all-day values. If nil, time.Local is used.
	Location *time.Location

	// MaxOccurrencesPerEvent caps expansion; zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// parsedEvent is the intermediate form of a VEVENT before expansion.
type parsedEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
}

func (p parsedEvent) toEvent() model.Event {
	return model.Event{
		Kind:        model.KindEvent,
		UID:         p.UID,
		Summary:     p.Summary,
		Description: p.Description,
		Location:    p.Location,
		Start:       p.Start,
		End:         p.End,
	}
}

// Parse converts an ICS payload into events sorted by start time. Ties keep
// feed order.
func Parse(body []byte) ([]model.Event, error) {
	return ParseWithOptions(body, ParseOptions{})
}

// ParseWithOptions is Parse with recurrence expansion and timezone control.
//
//   - Events whose end is not strictly after their start are dropped.
//   - A calendar without VEVENTs yields an empty, non-nil slice.
func ParseWithOptions(body []byte, opts ParseOptions) ([]model.Event, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return nil, &ParseError{Err: errors.New("empty ICS body")}
	}
	if !bytes.HasPrefix(bytes.ToUpper(trimmed), []byte("BEGIN:VCALENDAR")) {
		return nil, &ParseError{Err: errors.New("missing BEGIN:VCALENDAR")}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(trimmed))
	if err != nil {
		appLog.Error("ics parse failed", err)
		return nil, &ParseError{Err: err}
	}

	parsed := make([]parsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, opts.Location)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics vevent skipped", perr, "uid", uidOf(comp))
			continue
		}
		parsed = append(parsed, ev)
	}

	var events []model.Event
	if opts.Window.IsZero() {
		events = make([]model.Event, 0, len(parsed))
		for _, p := range parsed {
			events = append(events, p.toEvent())
		}
	} else {
		events, err = expandOccurrences(parsed, opts)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
	}

	events = dropInvalid(events)
	sortByStart(events)

	appLog.Debug("ics parse completed", "event_count", len(events))
	return events, nil
}

// dropInvalid removes events with end <= start.
func dropInvalid(events []model.Event) []model.Event {
	out := events[:0]
	for _, ev := range events {
		if !ev.End.After(ev.Start) {
			appLog.Debug("ics event dropped: end not after start",
				"uid", ev.UID, "summary", ev.Summary,
				"start", ev.Start.Format(time.RFC3339), "end", ev.End.Format(time.RFC3339))
			continue
		}
		out = append(out, ev)
	}
	return out
}

func sortByStart(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
}

func uidOf(ve *ical.VEvent) string {
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		return p.Value
	}
	return ""
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (parsedEvent, error) {
	var out parsedEvent

	out.UID = uidOf(ve)
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = ical.FromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = ical.FromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = ical.FromText(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	var err error
	if out.AllDay {
		out.Start, err = ve.GetAllDayStartAt()
	} else {
		out.Start, err = ve.GetStartAt()
	}
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	if out.AllDay {
		out.Start = time.Date(out.Start.Year(), out.Start.Month(), out.Start.Day(), 0, 0, 0, 0, loc)
	}

	out.End, err = eventEnd(ve, out, loc)
	if err != nil {
		return out, err
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, tzidOf(p), loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		if t, err := parseICSTime(p.Value, tzidOf(p), loc); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

// eventEnd resolves DTEND, then DURATION, then the all-day default of one day.
func eventEnd(ve *ical.VEvent, ev parsedEvent, loc *time.Location) (time.Time, error) {
	if ve.GetProperty(ical.ComponentPropertyDtEnd) != nil {
		if ev.AllDay {
			end, err := ve.GetAllDayEndAt()
			if err != nil {
				return time.Time{}, fmt.Errorf("DTEND: %w", err)
			}
			return time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc), nil
		}
		end, err := ve.GetEndAt()
		if err != nil {
			return time.Time{}, fmt.Errorf("DTEND: %w", err)
		}
		return end, nil
	}

	if p := ve.GetProperty(ical.ComponentPropertyDuration); p != nil {
		d, err := parseICSDuration(p.Value)
		if err != nil {
			return time.Time{}, fmt.Errorf("DURATION: %w", err)
		}
		return ev.Start.Add(d), nil
	}

	if ev.AllDay {
		return ev.Start.AddDate(0, 0, 1), nil
	}
	return time.Time{}, errors.New("missing DTEND and DURATION")
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func tzidOf(p *ical.IANAProperty) string {
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		return tzs[0]
	}
	return ""
}

// parseICSTime parses a DATE or DATE-TIME value used by EXDATE and
// RECURRENCE-ID.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}

// parseICSDuration handles the RFC 5545 dur-value subset used by timetable
// exports: [+-]P[nW][nD][T[nH][nM][nS]].
func parseICSDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	sign := time.Duration(1)
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := 0
	haveNum := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			haveNum = true
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if !haveNum {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		n := time.Duration(num)
		switch {
		case r == 'W' && !inTime:
			total += n * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += n * 24 * time.Hour
		case r == 'H' && inTime:
			total += n * time.Hour
		case r == 'M' && inTime:
			total += n * time.Minute
		case r == 'S' && inTime:
			total += n * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		num, haveNum = 0, false
	}
	if haveNum {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return sign * total, nil
}
