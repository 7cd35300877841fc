package status

import (
	"sort"
	"time"

	"edtcal/internal/model"
)

// Breaks returns one Break per gap strictly longer than threshold between
// consecutive events of dayEvents, which must be sorted by start. The gap is
// measured from the latest end seen so far, so a long class overlapping
// shorter ones does not produce a break. threshold <= 0 selects
// DefaultBreakThreshold.
func Breaks(dayEvents []model.Event, threshold time.Duration) []model.Break {
	if threshold <= 0 {
		threshold = DefaultBreakThreshold
	}
	out := make([]model.Break, 0)
	if len(dayEvents) < 2 {
		return out
	}
	lastEnd := dayEvents[0].End
	for _, next := range dayEvents[1:] {
		if gap := next.Start.Sub(lastEnd); gap > threshold {
			out = append(out, model.Break{
				Start:           lastEnd,
				End:             next.Start,
				DurationMinutes: int(gap / time.Minute),
			})
		}
		if next.End.After(lastEnd) {
			lastEnd = next.End
		}
	}
	return out
}

// TimelineItem is either an event or a synthesized break.
type TimelineItem struct {
	Kind  model.Kind   `json:"type"`
	Event *model.Event `json:"event,omitempty"`
	Break *model.Break `json:"break,omitempty"`
}

// OnDay returns the events starting on day's calendar date in loc, sorted
// by start.
func OnDay(events []model.Event, day time.Time, loc *time.Location) []model.Event {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := day.In(loc).Date()
	out := make([]model.Event, 0)
	for _, ev := range events {
		ey, em, ed := ev.Start.In(loc).Date()
		if ey == y && em == m && ed == d {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// DayTimeline returns the events of one day interleaved with the breaks
// between them, in chronological order.
func DayTimeline(events []model.Event, day time.Time, loc *time.Location, threshold time.Duration) []TimelineItem {
	dayEvents := OnDay(events, day, loc)
	breaks := Breaks(dayEvents, threshold)

	items := make([]TimelineItem, 0, len(dayEvents)+len(breaks))
	b := 0
	for i := range dayEvents {
		ev := dayEvents[i]
		for b < len(breaks) && !breaks[b].End.After(ev.Start) {
			br := breaks[b]
			items = append(items, TimelineItem{Kind: model.KindBreak, Break: &br})
			b++
		}
		items = append(items, TimelineItem{Kind: model.KindEvent, Event: &ev})
	}
	return items
}
