package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	appLog "edtcal/internal/log"
	"edtcal/internal/model"
	"edtcal/internal/notify"
	"edtcal/internal/profile"
	"edtcal/internal/registry"
	"edtcal/internal/schedule"
	"edtcal/internal/selection"
	"edtcal/internal/status"
)

// eventDTO is an event plus its derived status at request time.
type eventDTO struct {
	model.Event
	View status.View `json:"view"`
}

func (s *Server) toDTOs(events []model.Event, now time.Time) []eventDTO {
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, eventDTO{Event: ev, View: status.Derive(ev, now)})
	}
	return out
}

type eventsResponse struct {
	Selection   string     `json:"selection"`
	DisplayName string     `json:"display_name"`
	Seq         uint64     `json:"seq"`
	Applied     bool       `json:"applied"`
	Preview     bool       `json:"preview"`
	Stale       bool       `json:"stale,omitempty"`
	Failed      int        `json:"failed_sources,omitempty"`
	Events      []eventDTO `json:"events"`
}

// handleEvents resolves a selection, or returns the current view when none
// is given. Anything other than the saved profile group is resolved as a
// preview, so browsing never replaces the default set.
//
// GET /api/events?selection=F1&kind=class&preview=1
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	now := s.deps.Now()
	agg := s.deps.Aggregator

	raw := q.Get("selection")
	if raw == "" {
		snap := agg.Current()
		writeJSON(w, http.StatusOK, eventsResponse{
			Selection:   snap.Selection.String(),
			DisplayName: agg.DisplayName(ctx, snap.Selection),
			Seq:         snap.Seq,
			Applied:     true,
			Events:      s.toDTOs(snap.Events, now),
		})
		return
	}

	sel, err := selection.Classify(raw, selection.ParseKind(q.Get("kind")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	preview := parseBool(q.Get("preview")) || !s.isDefaultSelection(ctx, sel)

	appLog.Info("api events request", "selection", sel.String(), "preview", preview)
	res, err := agg.Resolve(ctx, sel, schedule.ResolveOptions{Preview: preview})
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Selection:   sel.String(),
		DisplayName: agg.DisplayName(ctx, sel),
		Seq:         res.Seq,
		Applied:     res.Applied,
		Preview:     preview,
		Stale:       res.Stale,
		Failed:      res.Failed,
		Events:      s.toDTOs(res.Events, now),
	})
}

// isDefaultSelection reports whether sel is the saved profile group. Only
// that selection may replace the default set.
func (s *Server) isDefaultSelection(ctx context.Context, sel selection.Selection) bool {
	p, err := s.deps.Profile.Profile(ctx)
	if err != nil {
		appLog.Warn("read profile failed, resolving as preview", err)
		return false
	}
	if p.Group == "" {
		return false
	}
	def, err := p.Selection()
	if err != nil {
		return false
	}
	return def == sel
}

type timelineItemDTO struct {
	Kind  model.Kind   `json:"type"`
	Event *eventDTO    `json:"event,omitempty"`
	Break *model.Break `json:"break,omitempty"`
}

// handleDay returns one day's events interleaved with breaks.
//
// GET /api/day?date=2025-01-06&default=1
func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := s.location()
	now := s.deps.Now()

	day := now.In(loc)
	if d := q.Get("date"); d != "" {
		parsed, err := time.ParseInLocation("2006-01-02", d, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	snap := s.deps.Aggregator.Current()
	if parseBool(q.Get("default")) {
		snap = s.deps.Aggregator.Default()
	}

	items := status.DayTimeline(snap.Events, day, loc, s.breakThreshold())
	out := make([]timelineItemDTO, 0, len(items))
	for _, it := range items {
		dto := timelineItemDTO{Kind: it.Kind, Break: it.Break}
		if it.Event != nil {
			dto.Event = &eventDTO{Event: *it.Event, View: status.Derive(*it.Event, now)}
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":  day.Format("2006-01-02"),
		"items": out,
	})
}

// handleNext returns the next class of the default set, or 204.
func (s *Server) handleNext(w http.ResponseWriter, _ *http.Request) {
	now := s.deps.Now()
	ev, ok := s.deps.Aggregator.NextClass(now)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, eventDTO{Event: ev, View: status.Derive(ev, now)})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		writeError(w, http.StatusNotFound, "catalog unavailable")
		return
	}
	kind := selection.ParseKind(chi.URLParam(r, "kind"))
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":  kind,
		"codes": s.deps.Catalog.Codes(kind),
	})
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	sources, err := s.deps.Registry.List(r.Context())
	if err != nil {
		appLog.Error("list calendars failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendars")
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

type addCalendarRequest struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Color   string `json:"color"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// handleAddCalendar registers a source. Duplicate URLs are rejected here,
// the registry itself accepts them.
func (s *Server) handleAddCalendar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addCalendarRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimSpace(req.URL)
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	if _, exists, err := s.deps.Registry.FindByURL(ctx, req.URL); err != nil {
		appLog.Error("find calendar failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendars")
		return
	} else if exists {
		writeError(w, http.StatusConflict, "a calendar with this url already exists")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	src, err := s.deps.Registry.Add(ctx, registry.NewSource{
		Name:    req.Name,
		URL:     req.URL,
		Color:   req.Color,
		Enabled: enabled,
	})
	if err != nil {
		appLog.Error("add calendar failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save calendar")
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleUpdateCalendar(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.writeMutation(w, r, func(id string) (bool, error) {
		return s.deps.Registry.Update(r.Context(), id, patch)
	})
}

func (s *Server) handleToggleCalendar(w http.ResponseWriter, r *http.Request) {
	s.writeMutation(w, r, func(id string) (bool, error) {
		return s.deps.Registry.Toggle(r.Context(), id)
	})
}

func (s *Server) handleRemoveCalendar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.deps.Registry.Remove(r.Context(), id)
	switch {
	case err != nil:
		appLog.Error("remove calendar failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to save calendars")
	case !removed:
		writeError(w, http.StatusNotFound, "calendar not found")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeMutation runs fn for the {id} URL parameter and answers with the
// updated source.
func (s *Server) writeMutation(w http.ResponseWriter, r *http.Request, fn func(id string) (bool, error)) {
	id := chi.URLParam(r, "id")
	changed, err := fn(id)
	if err != nil {
		appLog.Error("calendar mutation failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to save calendars")
		return
	}
	if !changed {
		writeError(w, http.StatusNotFound, "calendar not found")
		return
	}
	src, _, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read calendars")
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Scheduler.Pending(r.Context())
	if err != nil {
		appLog.Error("list notifications failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if pending == nil {
		pending = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Profile.Profile(r.Context())
	if err != nil {
		appLog.Error("read profile failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read profile")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type profileRequest struct {
	Group  *string `json:"group,omitempty"`
	Rappel *int    `json:"rappel,omitempty"`
}

// handlePutProfile saves the default selection and/or the reminder lead
// time, then refreshes. Choosing a plain group code also registers it as a
// calendar so that it shows up in the merged view.
func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Group != nil {
		raw := strings.TrimSpace(*req.Group)
		sel, err := selection.Classify(raw, selection.KindClass)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.deps.Profile.SaveGroup(ctx, raw); err != nil {
			appLog.Error("save group failed", err)
			writeError(w, http.StatusInternalServerError, "failed to save profile")
			return
		}
		if sel.Variant() == selection.GroupCode {
			if _, _, err := s.deps.Registry.EnsureGroup(ctx, sel.Value()); err != nil {
				appLog.Warn("auto-register group failed", err, "group", sel.Value())
			}
		}
	}
	if req.Rappel != nil {
		if err := s.deps.Profile.SaveRappel(ctx, *req.Rappel); err != nil {
			if errors.Is(err, profile.ErrInvalidRappel) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			appLog.Error("save rappel failed", err)
			writeError(w, http.StatusInternalServerError, "failed to save profile")
			return
		}
	}

	s.handleRefresh(w, r)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresher == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sum, err := s.deps.Refresher.Refresh(r.Context())
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
