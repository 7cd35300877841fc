package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"edtcal/internal/catalog"
	"edtcal/internal/config"
	"edtcal/internal/ics"
	"edtcal/internal/metrics"
	"edtcal/internal/model"
	"edtcal/internal/notify"
	"edtcal/internal/profile"
	"edtcal/internal/refresh"
	"edtcal/internal/registry"
	"edtcal/internal/schedule"
	"edtcal/internal/store"
)

var testNow = time.Date(2025, 1, 6, 7, 0, 0, 0, time.UTC)

const testFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\nUID:1\r\nSUMMARY:Maths\r\nLOCATION:S101\r\nDTSTART:20250106T080000Z\r\nDTEND:20250106T100000Z\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:2\r\nSUMMARY:Anglais\r\nDTSTART:20250106T130000Z\r\nDTEND:20250106T150000Z\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const otherFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\nUID:9\r\nSUMMARY:Other\r\nDTSTART:20250106T073000Z\r\nDTEND:20250106T083000Z\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type testEnv struct {
	server   *Server
	registry *registry.Registry
	sched    *notify.MemoryScheduler
}

func newTestEnv(t *testing.T, group string, auth *config.BasicAuthConfig) *testEnv {
	t.Helper()
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "Edt_INFO_F1.ics"):
			_, _ = w.Write([]byte(testFeed))
		case strings.Contains(r.URL.Path, "Edt_INFO_F2.ics"):
			_, _ = w.Write([]byte(otherFeed))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(feedSrv.Close)

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.BasicAuth = auth

	cat, err := catalog.New(catalog.FeedSettings{BaseURL: feedSrv.URL + "/", Version: "1", Param: "p"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	kv := store.NewMemory()
	fetcher := ics.NewFetcher(cat, kv, ics.FetcherOptions{Timeout: 5 * time.Second, Metrics: collector})
	calendars := registry.New(kv)
	prof := profile.NewStore(kv, profile.Profile{Group: group, Rappel: 15})
	agg := schedule.New(fetcher, calendars, prof, schedule.Options{
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
		Metrics:  collector,
	})
	sched := notify.NewMemoryScheduler()
	planner := notify.NewPlanner(sched)
	planner.Now = func() time.Time { return testNow }
	planner.Metrics = collector

	srv := NewServer(Deps{
		Config:     cfg,
		Catalog:    cat,
		Aggregator: agg,
		Registry:   calendars,
		Profile:    prof,
		Scheduler:  sched,
		Refresher:  refresh.New(agg, prof, planner),
		Gatherer:   reg,
		Now:        func() time.Time { return testNow },
	})
	return &testEnv{server: srv, registry: calendars, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "", nil)
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestBasicAuth(t *testing.T) {
	env := newTestEnv(t, "", &config.BasicAuthConfig{Username: "admin", Password: "secret"})

	if rec := env.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("/health with auth enabled = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/calendars", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calendars", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated = %d, want 200", rec.Code)
	}
}

func TestEvents_ResolvesSelection(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodGet, "/api/events?selection=F1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/events = %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[eventsResponse](t, rec)
	if len(resp.Events) != 2 || resp.Events[0].Summary != "Maths" {
		t.Fatalf("events = %+v", resp.Events)
	}
	if !resp.Applied || resp.DisplayName != "F1" {
		t.Errorf("applied=%v display_name=%q", resp.Applied, resp.DisplayName)
	}
	if got := resp.Events[0].View.Text; got != "Starts in 1h" {
		t.Errorf("view text = %q, want %q", got, "Starts in 1h")
	}

	current := decode[eventsResponse](t, env.do(t, http.MethodGet, "/api/events", nil))
	if len(current.Events) != 2 {
		t.Errorf("current view has %d events, want 2", len(current.Events))
	}
}

func TestEvents_Errors(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodGet, "/api/events?selection=ZZ9", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown code = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/events?selection=F3", nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("unreachable feed = %d, want 502", rec.Code)
	}
	if msg := decode[map[string]string](t, rec)["error"]; msg == "" {
		t.Errorf("error body is empty")
	}
}

func TestCalendarsCRUD(t *testing.T) {
	env := newTestEnv(t, "", nil)
	body := map[string]any{"name": "Sport", "url": "https://example.com/sport.ics", "color": "#00FF00"}

	rec := env.do(t, http.MethodPost, "/api/calendars", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST = %d %s", rec.Code, rec.Body.String())
	}
	created := decode[model.CalendarSource](t, rec)
	if created.ID == "" || !created.Enabled {
		t.Errorf("created = %+v", created)
	}

	if rec := env.do(t, http.MethodPost, "/api/calendars", body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate POST = %d, want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/calendars", map[string]any{"name": "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("POST without url = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/calendars/"+created.ID+"/toggle", nil)
	if rec.Code != http.StatusOK || decode[model.CalendarSource](t, rec).Enabled {
		t.Errorf("toggle = %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPatch, "/api/calendars/"+created.ID, map[string]any{"name": "Sport UFR"})
	if rec.Code != http.StatusOK || decode[model.CalendarSource](t, rec).Name != "Sport UFR" {
		t.Errorf("patch = %d %s", rec.Code, rec.Body.String())
	}

	if rec := env.do(t, http.MethodDelete, "/api/calendars/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/calendars/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/calendars/missing/toggle", nil); rec.Code != http.StatusNotFound {
		t.Errorf("toggle missing = %d, want 404", rec.Code)
	}

	list := decode[[]model.CalendarSource](t, env.do(t, http.MethodGet, "/api/calendars", nil))
	if len(list) != 0 {
		t.Errorf("list = %+v, want empty", list)
	}
}

func TestPutProfile_RegistersGroupAndPlans(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodPut, "/api/profile", map[string]any{"group": "F1", "rappel": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /api/profile = %d %s", rec.Code, rec.Body.String())
	}
	sum := decode[refresh.Summary](t, rec)
	if sum.Events != 2 || sum.Planned != 2 {
		t.Errorf("summary = %+v", sum)
	}

	src, ok, err := env.registry.FindByURL(context.Background(), "F1")
	if err != nil || !ok {
		t.Fatalf("group not registered: ok=%v err=%v", ok, err)
	}
	if src.Name != "Univ (F1)" || src.Color != registry.GroupColor {
		t.Errorf("registered source = %+v", src)
	}

	prof := decode[profile.Profile](t, env.do(t, http.MethodGet, "/api/profile", nil))
	if prof.Group != "F1" || prof.Rappel != 10 {
		t.Errorf("profile = %+v", prof)
	}

	pending := decode[[]notify.Notification](t, env.do(t, http.MethodGet, "/api/notifications", nil))
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if want := time.Date(2025, 1, 6, 7, 50, 0, 0, time.UTC); !pending[0].TriggerAt.Equal(want) {
		t.Errorf("first trigger = %v, want %v", pending[0].TriggerAt, want)
	}
}

func TestPutProfile_RejectsNegativeRappel(t *testing.T) {
	env := newTestEnv(t, "F1", nil)
	if rec := env.do(t, http.MethodPut, "/api/profile", map[string]any{"rappel": -5}); rec.Code != http.StatusBadRequest {
		t.Errorf("PUT rappel=-5 = %d, want 400", rec.Code)
	}
}

func TestRefresh_WithoutSelection(t *testing.T) {
	env := newTestEnv(t, "", nil)
	if rec := env.do(t, http.MethodPost, "/api/refresh", nil); rec.Code != http.StatusConflict {
		t.Errorf("POST /api/refresh = %d, want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/next", nil); rec.Code != http.StatusNoContent {
		t.Errorf("GET /api/next = %d, want 204", rec.Code)
	}
}

func TestNextAndDay(t *testing.T) {
	env := newTestEnv(t, "F1", nil)
	if rec := env.do(t, http.MethodPost, "/api/refresh", nil); rec.Code != http.StatusOK {
		t.Fatalf("POST /api/refresh = %d %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/api/next", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/next = %d", rec.Code)
	}
	if next := decode[eventDTO](t, rec); next.Summary != "Maths" {
		t.Errorf("next = %q, want Maths", next.Summary)
	}

	rec = env.do(t, http.MethodGet, "/api/day?date=2025-01-06&default=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/day = %d %s", rec.Code, rec.Body.String())
	}
	day := decode[struct {
		Date  string            `json:"date"`
		Items []timelineItemDTO `json:"items"`
	}](t, rec)
	wantKinds := []model.Kind{model.KindEvent, model.KindBreak, model.KindEvent}
	if len(day.Items) != len(wantKinds) {
		t.Fatalf("items = %+v", day.Items)
	}
	for i, k := range wantKinds {
		if day.Items[i].Kind != k {
			t.Errorf("items[%d].Kind = %q, want %q", i, day.Items[i].Kind, k)
		}
	}
	if day.Items[1].Break.DurationMinutes != 180 {
		t.Errorf("break = %d min, want 180", day.Items[1].Break.DurationMinutes)
	}

	if rec := env.do(t, http.MethodGet, "/api/day?date=06/01/2025", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date = %d, want 400", rec.Code)
	}
}

func TestCatalogAndMetrics(t *testing.T) {
	env := newTestEnv(t, "", nil)

	got := decode[struct {
		Codes []string `json:"codes"`
	}](t, env.do(t, http.MethodGet, "/api/catalog/salle", nil))
	if !slices.Contains(got.Codes, "S101") || slices.Contains(got.Codes, "F1") {
		t.Errorf("room codes = %v", got.Codes)
	}

	env.do(t, http.MethodGet, "/api/events?selection=F1", nil)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "edtcal_fetch_total") {
		t.Errorf("GET /metrics = %d, missing fetch counter", rec.Code)
	}
}

func TestEvents_BrowsingKeepsDefaultSet(t *testing.T) {
	env := newTestEnv(t, "F1", nil)
	if rec := env.do(t, http.MethodPost, "/api/refresh", nil); rec.Code != http.StatusOK {
		t.Fatalf("POST /api/refresh = %d %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/api/events?selection=F2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/events = %d %s", rec.Code, rec.Body.String())
	}
	browsed := decode[eventsResponse](t, rec)
	if !browsed.Preview || len(browsed.Events) != 1 || browsed.Events[0].Summary != "Other" {
		t.Errorf("browse response = %+v", browsed)
	}

	if next := decode[eventDTO](t, env.do(t, http.MethodGet, "/api/next", nil)); next.Summary != "Maths" {
		t.Errorf("next after browsing = %q, want Maths", next.Summary)
	}
	current := decode[eventsResponse](t, env.do(t, http.MethodGet, "/api/events", nil))
	if len(current.Events) != 1 || current.Events[0].Summary != "Other" {
		t.Errorf("current view = %+v, want the browsed feed", current.Events)
	}

	// The saved group itself still updates the default set.
	rec = env.do(t, http.MethodGet, "/api/events?selection=F1", nil)
	if own := decode[eventsResponse](t, rec); own.Preview || !own.Applied {
		t.Errorf("default group resolve: preview=%v applied=%v", own.Preview, own.Applied)
	}
}
