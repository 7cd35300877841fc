// Package schedule resolves a Selection into one sorted event list and
// keeps the two views the rest of the system reads: the current view and
// the default set that drives reminders and "next class".
package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"edtcal/internal/ics"
	appLog "edtcal/internal/log"
	"edtcal/internal/model"
	"edtcal/internal/profile"
	"edtcal/internal/selection"
	"edtcal/internal/status"
)

const defaultMaxConcurrent = 4

// ErrNoSelection is returned by ResolveDefault when the profile has no group.
var ErrNoSelection = errors.New("schedule: no default selection")

// Loader fetches and parses one feed. *ics.Fetcher implements it.
type Loader interface {
	LoadEvents(ctx context.Context, ref ics.FeedRef, opts ics.ParseOptions) ([]model.Event, ics.FetchResult, error)
}

// Sources is the calendar registry as seen by the aggregator.
type Sources interface {
	List(ctx context.Context) ([]model.CalendarSource, error)
	Enabled(ctx context.Context) ([]model.CalendarSource, error)
}

type Metrics interface {
	RecordSourceFailure()
	RecordResolve(variant string, applied bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordSourceFailure()       {}
func (noopMetrics) RecordResolve(string, bool) {}

// Options configures an Aggregator. Zero values select defaults.
type Options struct {
	// MaxConcurrent bounds the merged view fan-out.
	MaxConcurrent int
	// ExpandDays enables recurrence expansion from ExpandDays before to
	// ExpandDays after now. Zero disables expansion.
	ExpandDays int
	// Location splits events into calendar days.
	Location *time.Location
	Now      func() time.Time
	Metrics  Metrics
}

type ResolveOptions struct {
	// Preview updates only the current view, leaving the default set and
	// everything derived from it untouched.
	Preview bool
}

// Result is the outcome of one Resolve call.
type Result struct {
	Selection selection.Selection
	Events    []model.Event
	// Seq is the request token. Applied is false when a newer request had
	// already been applied, in which case shared state was left alone.
	Seq     uint64
	Applied bool
	// Sources and Failed count merged view sources; Failed ones
	// contributed no events.
	Sources int
	Failed  int
	// Stale is set when at least one feed was served from the fallback cache.
	Stale bool
}

// Snapshot is a read-only copy of one of the aggregator views.
type Snapshot struct {
	Selection selection.Selection `json:"-"`
	Events    []model.Event       `json:"events"`
	UpdatedAt time.Time           `json:"updated_at"`
	Seq       uint64              `json:"seq"`
}

type Aggregator struct {
	loader  Loader
	sources Sources
	profile profile.Provider

	maxConcurrent int
	expandDays    int
	loc           *time.Location
	now           func() time.Time
	metrics       Metrics

	seq atomic.Uint64

	mu       sync.RWMutex
	current  Snapshot
	fallback Snapshot // default set
}

func New(loader Loader, sources Sources, prof profile.Provider, opts Options) *Aggregator {
	a := &Aggregator{
		loader:        loader,
		sources:       sources,
		profile:       prof,
		maxConcurrent: opts.MaxConcurrent,
		expandDays:    opts.ExpandDays,
		loc:           opts.Location,
		now:           opts.Now,
		metrics:       opts.Metrics,
	}
	if a.maxConcurrent <= 0 {
		a.maxConcurrent = defaultMaxConcurrent
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.metrics == nil {
		a.metrics = noopMetrics{}
	}
	return a
}

func (a *Aggregator) parseOptions() ics.ParseOptions {
	opts := ics.ParseOptions{Location: a.loc}
	if a.expandDays > 0 {
		now := a.now()
		opts.Window = ics.Window{
			Start: now.AddDate(0, 0, -a.expandDays),
			End:   now.AddDate(0, 0, a.expandDays),
		}
	}
	return opts
}

// Resolve fetches sel and, unless a newer request has been applied in the
// meantime, installs the result as the current view (and as the default set
// when opts.Preview is false).
//
// Single-source failures are returned. In the merged view a failing source
// is logged and skipped.
func (a *Aggregator) Resolve(ctx context.Context, sel selection.Selection, opts ResolveOptions) (Result, error) {
	seq := a.seq.Add(1)
	res := Result{Selection: sel, Seq: seq}

	var err error
	switch sel.Variant() {
	case selection.Merged:
		err = a.resolveMerged(ctx, &res)
	case selection.GroupCode, selection.RoomCode, selection.CustomURL:
		err = a.resolveSingle(ctx, sel, &res)
	default:
		err = ErrNoSelection
	}
	if err != nil {
		a.metrics.RecordResolve(sel.Variant().String(), false)
		return res, err
	}

	res.Applied = a.apply(res, opts.Preview)
	a.metrics.RecordResolve(sel.Variant().String(), res.Applied)
	if !res.Applied {
		appLog.Debug("schedule result discarded, newer request applied", "seq", seq, "selection", sel.String())
	}
	return res, nil
}

func (a *Aggregator) resolveMerged(ctx context.Context, res *Result) error {
	enabled, err := a.sources.Enabled(ctx)
	if err != nil {
		return fmt.Errorf("schedule: list sources: %w", err)
	}
	res.Sources = len(enabled)
	popts := a.parseOptions()

	perSource := make([][]model.Event, len(enabled))
	var (
		failed atomic.Int32
		stale  atomic.Bool
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxConcurrent)
	for i, src := range enabled {
		i, src := i, src
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic loading %s: %v", src.Name, r)
				}
				if err != nil {
					appLog.Error("merged view: source skipped", err, "source_id", src.ID, "name", src.Name)
					failed.Add(1)
					a.metrics.RecordSourceFailure()
				}
				// Never cancel siblings.
				err = nil
			}()

			events, fr, err := a.loader.LoadEvents(gCtx, ics.FeedRef{Kind: selection.KindClass, Ref: src.URL}, popts)
			if err != nil {
				return err
			}
			if fr.Stale {
				stale.Store(true)
			}
			tagged := make([]model.Event, len(events))
			for j, ev := range events {
				tagged[j] = ev.WithSource(src)
			}
			perSource[i] = tagged
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, evs := range perSource {
		total += len(evs)
	}
	merged := make([]model.Event, 0, total)
	for _, evs := range perSource {
		merged = append(merged, evs...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Start.Before(merged[j].Start)
	})

	res.Events = merged
	res.Failed = int(failed.Load())
	res.Stale = stale.Load()
	appLog.Info("merged view resolved", "sources", res.Sources, "failed", res.Failed, "event_count", len(merged))
	return nil
}

func (a *Aggregator) resolveSingle(ctx context.Context, sel selection.Selection, res *Result) error {
	ref := ics.FeedRef{Kind: sel.Kind(), Ref: sel.Value()}
	events, fr, err := a.loader.LoadEvents(ctx, ref, a.parseOptions())
	if err != nil {
		appLog.Error("schedule resolve failed", err, "selection", sel.String())
		return err
	}
	res.Stale = fr.Stale

	src, ok := a.matchSource(ctx, sel.Value(), fr.URL)
	if ok {
		tagged := make([]model.Event, len(events))
		for i, ev := range events {
			tagged[i] = ev.WithSource(src)
		}
		events = tagged
	}
	res.Events = events
	appLog.Info("schedule resolved", "selection", sel.String(), "event_count", len(events), "stale", fr.Stale)
	return nil
}

// matchSource finds a registered source for a single selection, by raw
// reference first, then by resolved URL. Registry errors only cost the tags.
func (a *Aggregator) matchSource(ctx context.Context, ref, resolved string) (model.CalendarSource, bool) {
	all, err := a.sources.List(ctx)
	if err != nil {
		appLog.Warn("schedule: registry unavailable, events left untagged", err)
		return model.CalendarSource{}, false
	}
	for _, want := range []string{ref, resolved} {
		if want == "" {
			continue
		}
		for _, src := range all {
			if src.URL == want {
				return src, true
			}
		}
	}
	return model.CalendarSource{}, false
}

// apply installs res if its token is newer than the one already applied to
// each slot. It reports whether anything changed.
func (a *Aggregator) apply(res Result, preview bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Selection: res.Selection,
		Events:    res.Events,
		UpdatedAt: a.now(),
		Seq:       res.Seq,
	}
	applied := false
	if res.Seq > a.current.Seq {
		a.current = snap
		applied = true
	}
	if !preview && res.Seq > a.fallback.Seq {
		a.fallback = snap
		applied = true
	}
	return applied
}

// ResolveDefault resolves the profile's group as the default selection.
func (a *Aggregator) ResolveDefault(ctx context.Context) (Result, error) {
	p, err := a.profile.Profile(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("schedule: read profile: %w", err)
	}
	if p.Group == "" {
		return Result{}, ErrNoSelection
	}
	sel, err := p.Selection()
	if err != nil {
		return Result{}, err
	}
	return a.Resolve(ctx, sel, ResolveOptions{})
}

// Current returns a copy of the current view.
func (a *Aggregator) Current() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copySnapshot(a.current)
}

// Default returns a copy of the default set.
func (a *Aggregator) Default() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copySnapshot(a.fallback)
}

func copySnapshot(s Snapshot) Snapshot {
	s.Events = slices.Clone(s.Events)
	if s.Events == nil {
		s.Events = []model.Event{}
	}
	return s
}

// NextClass evaluates the next class of the default set at now.
func (a *Aggregator) NextClass(now time.Time) (model.Event, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return status.NextClass(a.fallback.Events, now)
}

// EventsForDate returns the events starting on date, from the default set
// when useDefault is true and from the current view otherwise.
func (a *Aggregator) EventsForDate(date time.Time, useDefault bool) []model.Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	src := a.current.Events
	if useDefault {
		src = a.fallback.Events
	}
	return status.OnDay(src, date, a.loc)
}

// Location is the zone used to split events into days.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}
