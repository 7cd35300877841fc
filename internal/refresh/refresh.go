// Package refresh re-resolves the default selection and replans reminders,
// on demand and on a cron schedule.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	appLog "edtcal/internal/log"
	"edtcal/internal/notify"
	"edtcal/internal/profile"
	"edtcal/internal/schedule"
)

// Summary describes one refresh run.
type Summary struct {
	Events  int  `json:"events"`
	Planned int  `json:"planned"`
	Failed  int  `json:"failed_sources"`
	Stale   bool `json:"stale"`
	Applied bool `json:"applied"`
}

type Service struct {
	agg     *schedule.Aggregator
	prof    profile.Provider
	planner *notify.Planner

	// Runs are serialized so that two replans never interleave their
	// cancel and schedule calls.
	mu sync.Mutex
}

func New(agg *schedule.Aggregator, prof profile.Provider, planner *notify.Planner) *Service {
	return &Service{agg: agg, prof: prof, planner: planner}
}

// Refresh resolves the default selection and replans reminders from the
// resulting default set. Without a configured group it returns
// schedule.ErrNoSelection and leaves reminders alone.
func (s *Service) Refresh(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.agg.ResolveDefault(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Events:  len(res.Events),
		Failed:  res.Failed,
		Stale:   res.Stale,
		Applied: res.Applied,
	}

	p, err := s.prof.Profile(ctx)
	if err != nil {
		return sum, fmt.Errorf("refresh: read profile: %w", err)
	}
	sum.Planned, err = s.planner.Replan(ctx, s.agg.Default().Events, p.Rappel)
	if err != nil {
		return sum, err
	}

	appLog.Info("refresh completed",
		"events", sum.Events,
		"planned", sum.Planned,
		"failed_sources", sum.Failed,
		"stale", sum.Stale,
	)
	return sum, nil
}

// Start runs Refresh on spec, a standard five-field cron expression, until
// ctx is done.
func (s *Service) Start(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("refresh: invalid schedule %q: %w", spec, err)
	}
	c.Start()
	appLog.Info("refresh scheduler started", "spec", spec)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		appLog.Info("refresh scheduler stopped")
	}()
	return nil
}

func (s *Service) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Refresh(ctx); err != nil {
		if errors.Is(err, schedule.ErrNoSelection) {
			appLog.Debug("scheduled refresh skipped: no default selection")
			return
		}
		appLog.Error("scheduled refresh failed", err)
	}
}
