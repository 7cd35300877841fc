// Package status derives live, display-oriented facts from events: status
// at a given instant, remaining time text, durations, the next class and
// the breaks between classes of a day.
//
// Every function takes "now" explicitly; nothing here caches a clock read.
package status

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"edtcal/internal/model"
)

type Status string

const (
	Upcoming  Status = "upcoming"
	Ongoing   Status = "ongoing"
	Finished  Status = "finished"
	Cancelled Status = "cancelled"
)

// CancelMarker prefixes the summary of cancelled events in university feeds,
// e.g. "Cours annulé : Maths". Matching is case-insensitive.
const CancelMarker = "Cours annulé"

const (
	LabelCancelled = "Cancelled"
	LabelFinished  = "Finished"
	PrefixStartsIn = "Starts in "
	PrefixEndsIn   = "Ends in "
)

// DefaultBreakThreshold is the smallest gap, exclusive, reported as a break.
const DefaultBreakThreshold = 75 * time.Minute

var lowerMarker = strings.ToLower(CancelMarker)

func IsCancelled(ev model.Event) bool {
	return strings.HasPrefix(strings.ToLower(ev.Summary), lowerMarker)
}

// Classify returns the status of ev at now. Cancellation wins over time;
// now == Start is Ongoing and now == End is Finished.
func Classify(ev model.Event, now time.Time) Status {
	switch {
	case IsCancelled(ev):
		return Cancelled
	case now.Before(ev.Start):
		return Upcoming
	case !now.Before(ev.End):
		return Finished
	default:
		return Ongoing
	}
}

// Text is the status line shown next to an event.
func Text(ev model.Event, now time.Time) string {
	switch Classify(ev, now) {
	case Cancelled:
		return LabelCancelled
	case Upcoming:
		return PrefixStartsIn + Humanize(ev.Start.Sub(now))
	case Finished:
		return LabelFinished
	default:
		return PrefixEndsIn + Humanize(ev.End.Sub(now))
	}
}

// Humanize renders d in whole minutes, rounded down: "1h 35min", "1h",
// "45min", "0min". Negative durations render as "0min".
func Humanize(d time.Duration) string {
	total := int(d / time.Minute)
	if total < 0 {
		total = 0
	}
	h, m := total/60, total%60
	switch {
	case h == 0:
		return fmt.Sprintf("%dmin", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh %dmin", h, m)
	}
}

// DurationInfo is the length of an event in whole minutes.
type DurationInfo struct {
	Hours     int    `json:"hours"`
	Minutes   int    `json:"minutes"`
	Formatted string `json:"formatted"`
}

// Duration returns end-start split into hours and minutes, formatted as
// "1h30" or "2h".
func Duration(start, end time.Time) DurationInfo {
	total := int(end.Sub(start) / time.Minute)
	if total < 0 {
		total = 0
	}
	d := DurationInfo{Hours: total / 60, Minutes: total % 60}
	d.Formatted = fmt.Sprintf("%dh", d.Hours)
	if d.Minutes > 0 {
		d.Formatted += fmt.Sprintf("%d", d.Minutes)
	}
	return d
}

// NextClass returns the earliest-starting event that has not ended at now.
// Ties keep input order.
func NextClass(events []model.Event, now time.Time) (model.Event, bool) {
	var (
		best  model.Event
		found bool
	)
	for _, ev := range events {
		if !ev.End.After(now) {
			continue
		}
		if !found || ev.Start.Before(best.Start) {
			best, found = ev, true
		}
	}
	return best, found
}

// DisplayTitle strips the cancellation marker and its " : " separator from
// cancelled events. Other summaries are returned unchanged.
func DisplayTitle(ev model.Event) string {
	if !IsCancelled(ev) {
		return ev.Summary
	}
	rest := ev.Summary
	for i := 0; i < utf8.RuneCountInString(CancelMarker) && rest != ""; i++ {
		_, size := utf8.DecodeRuneInString(rest)
		rest = rest[size:]
	}
	rest = strings.TrimSpace(strings.TrimLeft(rest, " :"))
	if rest == "" {
		return ev.Summary
	}
	return rest
}

// View bundles the derived fields of one event at one instant.
type View struct {
	Status   Status       `json:"status"`
	Text     string       `json:"text"`
	Title    string       `json:"title"`
	Duration DurationInfo `json:"duration"`
}

func Derive(ev model.Event, now time.Time) View {
	return View{
		Status:   Classify(ev, now),
		Text:     Text(ev, now),
		Title:    DisplayTitle(ev),
		Duration: Duration(ev.Start, ev.End),
	}
}
