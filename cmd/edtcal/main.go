package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"edtcal/internal/catalog"
	"edtcal/internal/config"
	"edtcal/internal/ics"
	appLog "edtcal/internal/log"
	"edtcal/internal/metrics"
	"edtcal/internal/notify"
	"edtcal/internal/profile"
	"edtcal/internal/refresh"
	"edtcal/internal/registry"
	"edtcal/internal/schedule"
	"edtcal/internal/status"
	"edtcal/internal/store"
	"edtcal/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetFormat(appLog.Format(conf.LogFormat))
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("edtcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"store_path", conf.StorePath,
		"refresh", conf.RefreshCron,
		"expand_days", conf.ExpandDays,
		"max_concurrent_fetch", conf.MaxConcurrentFetch,
		"basic_auth", conf.BasicAuth != nil,
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("edtcal exited with error", err)
		os.Exit(1)
	}
	appLog.Info("edtcal exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	kv, err := store.OpenSQLite(conf.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	cat, err := catalog.New(catalog.FeedSettings{
		BaseURL: conf.Feed.BaseURL,
		Version: conf.Feed.Version,
		Param:   conf.Feed.Param,
	}, conf.Catalog.Groups, conf.Catalog.Rooms)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	fetcher := ics.NewFetcher(cat, kv, ics.FetcherOptions{
		Timeout:       conf.FetchTimeout(),
		RatePerMinute: conf.FetchRatePerMinute,
		Metrics:       collector,
	})
	calendars := registry.New(kv)
	prof := profile.NewStore(kv, profile.Profile{
		Group:  conf.Profile.Group,
		Rappel: conf.Profile.Rappel,
	})
	agg := schedule.New(fetcher, calendars, prof, schedule.Options{
		MaxConcurrent: conf.MaxConcurrentFetch,
		ExpandDays:    conf.ExpandDays,
		Location:      conf.Location(),
		Metrics:       collector,
	})

	sched := notify.NewMemoryScheduler()
	planner := notify.NewPlanner(sched)
	planner.Max = conf.MaxNotifications
	planner.Safety = conf.NotifySafety()
	planner.Metrics = collector

	svc := refresh.New(agg, prof, planner)

	if _, err := svc.Refresh(ctx); err != nil {
		if !errors.Is(err, schedule.ErrNoSelection) {
			if once {
				return err
			}
			appLog.Warn("initial refresh failed", err)
		} else {
			appLog.Info("no default group configured; set one with PUT /api/profile")
		}
	}

	if once {
		printNext(agg, time.Now())
		return nil
	}

	if err := svc.Start(ctx, conf.RefreshCron); err != nil {
		return err
	}

	server := &http.Server{
		Addr: conf.Listen,
		Handler: web.NewServer(web.Deps{
			Config:     conf,
			Catalog:    cat,
			Aggregator: agg,
			Registry:   calendars,
			Profile:    prof,
			Scheduler:  sched,
			Refresher:  svc,
			Gatherer:   reg,
		}).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	appLog.Info("HTTP server stopped gracefully")
	return nil
}

// printNext writes the next class of the default set to stdout.
func printNext(agg *schedule.Aggregator, now time.Time) {
	ev, ok := agg.NextClass(now)
	if !ok {
		fmt.Println("No upcoming class.")
		return
	}
	loc := agg.Location()
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", status.DisplayTitle(ev))
	fmt.Fprintf(&b, "  %s - %s", ev.Start.In(loc).Format("Mon 02/01 15:04"), ev.End.In(loc).Format("15:04"))
	fmt.Fprintf(&b, " (%s)\n", status.Duration(ev.Start, ev.End).Formatted)
	if ev.Location != "" {
		fmt.Fprintf(&b, "  %s\n", ev.Location)
	}
	fmt.Fprintf(&b, "  %s\n", status.Text(ev, now))
	fmt.Print(b.String())
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/edtcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh once, print the next class and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
