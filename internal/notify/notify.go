// Package notify plans class reminders and hands them to a Scheduler, the
// boundary to whatever delivers notifications.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	appLog "edtcal/internal/log"
	"edtcal/internal/model"
)

const (
	DefaultMax    = 64
	DefaultSafety = 5 * time.Second

	noLocation = "No location"
)

// Notification is one reminder as handed to the Scheduler.
type Notification struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	TriggerAt time.Time         `json:"trigger_at"`
	Event     model.Event       `json:"event"`
}

// Scheduler installs reminders. Schedule with an existing ID replaces it.
type Scheduler interface {
	CancelAll(ctx context.Context) error
	Schedule(ctx context.Context, n Notification) error
	Pending(ctx context.Context) ([]Notification, error)
}

type Metrics interface {
	RecordPlanned(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordPlanned(int) {}

// Planner turns events into reminders. The zero value of each field selects
// its default.
type Planner struct {
	Scheduler Scheduler
	Now       func() time.Time
	Safety    time.Duration
	Max       int
	Metrics   Metrics
}

func NewPlanner(s Scheduler) *Planner {
	return &Planner{
		Scheduler: s,
		Now:       time.Now,
		Safety:    DefaultSafety,
		Max:       DefaultMax,
	}
}

func (p *Planner) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// ID is the reminder identifier of ev. It depends only on the start
// instant and the summary.
func ID(ev model.Event) string {
	sum := sha256.Sum256([]byte(ev.Summary))
	return fmt.Sprintf("event-%d-%s", ev.Start.UnixMilli(), hex.EncodeToString(sum[:4]))
}

// Plan returns the reminders for events: one per event whose
// start-lead is later than now plus the safety margin, soonest first,
// capped at Max. Events sharing an ID yield one reminder. Events past the
// cap are dropped.
func (p *Planner) Plan(events []model.Event, leadMinutes int) []Notification {
	if leadMinutes < 0 {
		leadMinutes = 0
	}
	lead := time.Duration(leadMinutes) * time.Minute
	safety := p.Safety
	if safety <= 0 {
		safety = DefaultSafety
	}
	limit := p.Max
	if limit <= 0 {
		limit = DefaultMax
	}
	cutoff := p.now().Add(safety)

	due := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Start.Add(-lead).After(cutoff) {
			due = append(due, ev)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Start.Before(due[j].Start)
	})

	// Duplicates (same start and summary) share an ID; the first one wins.
	out := make([]Notification, 0, min(len(due), limit))
	seen := make(map[string]bool, len(due))
	for _, ev := range due {
		if len(out) == limit {
			break
		}
		n := build(ev, leadMinutes, lead)
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}

func build(ev model.Event, leadMinutes int, lead time.Duration) Notification {
	loc := ev.Location
	if loc == "" {
		loc = noLocation
	}
	data := map[string]string{
		"eventId": strconv.FormatInt(ev.Start.UnixMilli(), 10),
	}
	if ev.SourceID != "" {
		data["sourceId"] = ev.SourceID
	}
	return Notification{
		ID:        ID(ev),
		Title:     ev.Summary,
		Body:      fmt.Sprintf("In %d minutes - %s", leadMinutes, loc),
		Data:      data,
		TriggerAt: ev.Start.Add(-lead),
		Event:     ev,
	}
}

// Replan cancels every pending reminder and schedules the current plan.
// A failure after the cancellation leaves fewer reminders, possibly none,
// until the next successful replan. It returns the number installed.
func (p *Planner) Replan(ctx context.Context, events []model.Event, leadMinutes int) (int, error) {
	m := p.Metrics
	if m == nil {
		m = noopMetrics{}
	}

	if err := p.Scheduler.CancelAll(ctx); err != nil {
		appLog.Error("notify cancel all failed", err)
		return 0, fmt.Errorf("notify: cancel: %w", err)
	}

	planned := p.Plan(events, leadMinutes)
	installed := 0
	for _, n := range planned {
		if err := p.Scheduler.Schedule(ctx, n); err != nil {
			appLog.Error("notify schedule failed", err, "id", n.ID, "installed", installed)
			m.RecordPlanned(installed)
			return installed, fmt.Errorf("notify: schedule %s: %w", n.ID, err)
		}
		installed++
	}
	m.RecordPlanned(installed)
	appLog.Info("notifications planned", "count", installed, "lead_minutes", leadMinutes)
	return installed, nil
}
