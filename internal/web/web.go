package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

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
)

// Refresher re-resolves the default selection and replans reminders.
type Refresher interface {
	Refresh(ctx context.Context) (refresh.Summary, error)
}

// Deps are the collaborators served over HTTP.
type Deps struct {
	Config     *config.Config
	Catalog    *catalog.Catalog
	Aggregator *schedule.Aggregator
	Registry   *registry.Registry
	Profile    profile.Provider
	Scheduler  notify.Scheduler
	Refresher  Refresher
	Gatherer   prometheus.Gatherer
	Now        func() time.Time
}

// Server provides the HTTP API over the schedule engine.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer constructs a new Server.
func NewServer(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{deps: deps, router: chi.NewRouter()}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled")
			r.Use(s.basicAuthMiddleware)
		}

		r.Get("/api/events", s.handleEvents)
		r.Get("/api/day", s.handleDay)
		r.Get("/api/next", s.handleNext)
		r.Get("/api/catalog/{kind}", s.handleCatalog)

		r.Route("/api/calendars", func(r chi.Router) {
			r.Get("/", s.handleListCalendars)
			r.Post("/", s.handleAddCalendar)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", s.handleUpdateCalendar)
				r.Delete("/", s.handleRemoveCalendar)
				r.Post("/toggle", s.handleToggleCalendar)
			})
		})

		r.Get("/api/notifications", s.handleNotifications)
		r.Get("/api/profile", s.handleGetProfile)
		r.Put("/api/profile", s.handlePutProfile)
		r.Post("/api/refresh", s.handleRefresh)

		if s.deps.Gatherer != nil {
			r.Handle("/metrics", metrics.Handler(s.deps.Gatherer))
		}
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	cfg := s.deps.Config
	if cfg == nil || cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return cfg.BasicAuth.Username != "" && cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.deps.Config.BasicAuth.Username
	password := s.deps.Config.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="edtcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) location() *time.Location {
	if s.deps.Aggregator != nil {
		return s.deps.Aggregator.Location()
	}
	return time.Local
}

func (s *Server) breakThreshold() time.Duration {
	if s.deps.Config == nil {
		return 0
	}
	return s.deps.Config.BreakThreshold()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeScheduleError maps the resolution error taxonomy to a status code
// and a message meant for end users.
func writeScheduleError(w http.ResponseWriter, err error) {
	var (
		unknown  *catalog.UnknownSourceError
		fetchErr *ics.FetchError
		parseErr *ics.ParseError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &unknown):
		status = http.StatusNotFound
	case errors.Is(err, schedule.ErrNoSelection):
		status = http.StatusConflict
	case errors.As(err, &fetchErr), errors.As(err, &parseErr):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, schedule.UserMessage(err))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
