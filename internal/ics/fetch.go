package ics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appLog "edtcal/internal/log"
	"edtcal/internal/model"
	"edtcal/internal/selection"
	"edtcal/internal/store"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 10 << 20
	userAgent      = "edtcal/1.0 (+ICS timetable client)"
)

// FeedRef identifies one feed: a short code or URL plus the table it
// belongs to.
type FeedRef struct {
	Kind selection.Kind
	Ref  string
}

// CacheKey is the store key of the last successfully fetched body.
func (r FeedRef) CacheKey() string {
	return "ical_" + string(r.Kind) + "_" + r.Ref
}

func (r FeedRef) metaKey() string {
	return "ical_meta_" + string(r.Kind) + "_" + r.Ref
}

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	Ref  FeedRef
	URL  string
	Body []byte
	// FromCache is true when Body came from the store (304 or fallback).
	FromCache bool
	// Stale is true when the fresh fetch failed and Body is the last good copy.
	Stale bool
}

// FetchError is a network or HTTP failure with no cached fallback.
// Callers may retry.
type FetchError struct {
	URL        string // redacted
	StatusCode int    // zero for transport errors
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Retryable() bool {
	return true
}

// URLResolver maps a short code to a feed URL. *catalog.Catalog implements it.
type URLResolver interface {
	ResolveURL(kind selection.Kind, ref string) (string, error)
}

// Metrics receives fetch outcomes. outcome is one of "fresh",
// "not_modified", "fallback", "error".
type Metrics interface {
	RecordFetch(kind, outcome string)
	RecordFetchLatency(d time.Duration)
	RecordParseFailure(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordFetch(string, string)        {}
func (noopMetrics) RecordFetchLatency(time.Duration) {}
func (noopMetrics) RecordParseFailure(string)         {}

// cacheMeta holds HTTP validators for conditional GETs.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FetcherOptions configures NewFetcher. Zero values select defaults.
type FetcherOptions struct {
	Timeout       time.Duration
	RatePerMinute int
	Metrics       Metrics
	Client        *http.Client
}

// Fetcher downloads ICS feeds and keeps the last good body of each feed in
// a KV store, serving it when the network fails.
type Fetcher struct {
	client   *http.Client
	resolver URLResolver
	cache    store.KV
	limiter  *rate.Limiter
	metrics  Metrics
}

// NewFetcher creates a Fetcher.
func NewFetcher(resolver URLResolver, cache store.KV, opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60.0), 1)
	}
	m := opts.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Fetcher{
		client:   client,
		resolver: resolver,
		cache:    cache,
		limiter:  limiter,
		metrics:  m,
	}
}

// FetchFeed retrieves the ICS text for ref.
//
//   - Unknown short codes fail before any network I/O.
//   - A 200 response overwrites the cache entry for ref.
//   - A 304, a transport error or a non-2xx status falls back to the cached
//     body; without one the result is a *FetchError.
func (f *Fetcher) FetchFeed(ctx context.Context, ref FeedRef) (FetchResult, error) {
	if !ref.Kind.Valid() {
		ref.Kind = selection.KindClass
	}
	u, err := f.resolver.ResolveURL(ref.Kind, ref.Ref)
	if err != nil {
		return FetchResult{}, err
	}
	result := FetchResult{Ref: ref, URL: u}
	kind := string(ref.Kind)

	cachedBody, haveCache := f.loadCache(ctx, ref)
	meta := f.loadMeta(ctx, ref)

	dl, fetchErr := f.download(ctx, u, meta, haveCache)
	switch {
	case fetchErr == nil && dl.status == http.StatusNotModified:
		f.metrics.RecordFetch(kind, "not_modified")
		appLog.Info("ics fetch not modified; using cache", "ref", ref.Ref, "url", RedactURL(u))
		result.Body = cachedBody
		result.FromCache = true
		return result, nil

	case fetchErr == nil:
		f.metrics.RecordFetch(kind, "fresh")
		f.saveCache(ctx, ref, dl.body, dl.meta)
		appLog.Info("ics fetch success", "ref", ref.Ref, "url", RedactURL(u), "bytes", len(dl.body))
		result.Body = dl.body
		return result, nil
	}

	if haveCache {
		f.metrics.RecordFetch(kind, "fallback")
		appLog.Warn("ics fetch failed, using cached body", fetchErr, "ref", ref.Ref, "url", RedactURL(u))
		result.Body = cachedBody
		result.FromCache = true
		result.Stale = true
		return result, nil
	}

	f.metrics.RecordFetch(kind, "error")
	appLog.Error("ics fetch failed and no cache", fetchErr, "ref", ref.Ref, "url", RedactURL(u))
	return FetchResult{}, fetchErr
}

// LoadEvents fetches and parses ref. When a freshly downloaded body does not
// parse, the previously cached body is tried once; parse failures are never
// written to the cache.
func (f *Fetcher) LoadEvents(ctx context.Context, ref FeedRef, opts ParseOptions) ([]model.Event, FetchResult, error) {
	// Snapshot the last good copy before FetchFeed may overwrite it.
	previous, havePrevious := f.loadCache(ctx, ref)

	res, err := f.FetchFeed(ctx, ref)
	if err != nil {
		return nil, FetchResult{}, err
	}

	events, perr := ParseWithOptions(res.Body, opts)
	if perr == nil {
		appLog.Info("ics feed loaded", "ref", ref.Ref, "event_count", len(events), "from_cache", res.FromCache)
		return events, res, nil
	}
	f.metrics.RecordParseFailure(string(ref.Kind))

	if !res.FromCache && havePrevious && string(previous) != string(res.Body) {
		if events, err := ParseWithOptions(previous, opts); err == nil {
			appLog.Warn("ics fresh body unparsable, using previous copy", perr, "ref", ref.Ref)
			// Restore the parseable copy so later fallbacks stay usable.
			f.storeBody(ctx, ref, previous)
			res.Body = previous
			res.FromCache = true
			res.Stale = true
			return events, res, nil
		}
	}
	return nil, res, perr
}

// downloadResult is the result of one HTTP round trip.
type downloadResult struct {
	body   []byte
	status int
	meta   cacheMeta
}

func (f *Fetcher) download(ctx context.Context, u string, meta cacheMeta, haveCache bool) (downloadResult, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return downloadResult{}, &FetchError{URL: RedactURL(u), Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return downloadResult{}, &FetchError{URL: RedactURL(u), Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/calendar, */*")
	// Conditional headers only make sense when a body is there to reuse.
	if haveCache && meta.URL == u {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	f.metrics.RecordFetchLatency(time.Since(start))
	if err != nil {
		return downloadResult{}, &FetchError{URL: RedactURL(u), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && haveCache:
		return downloadResult{status: resp.StatusCode}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return downloadResult{status: resp.StatusCode}, &FetchError{URL: RedactURL(u), StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return downloadResult{status: resp.StatusCode}, &FetchError{URL: RedactURL(u), Err: err}
	}

	return downloadResult{
		body:   body,
		status: resp.StatusCode,
		meta: cacheMeta{
			URL:          u,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    time.Now().UTC(),
		},
	}, nil
}

func (f *Fetcher) loadCache(ctx context.Context, ref FeedRef) ([]byte, bool) {
	v, ok, err := f.cache.Get(ctx, ref.CacheKey())
	if err != nil {
		appLog.Error("ics cache read failed", err, "key", ref.CacheKey())
		return nil, false
	}
	if !ok || v == "" {
		return nil, false
	}
	return []byte(v), true
}

func (f *Fetcher) loadMeta(ctx context.Context, ref FeedRef) cacheMeta {
	var meta cacheMeta
	v, ok, err := f.cache.Get(ctx, ref.metaKey())
	if err != nil || !ok {
		return meta
	}
	if err := json.Unmarshal([]byte(v), &meta); err != nil {
		return cacheMeta{}
	}
	return meta
}

func (f *Fetcher) storeBody(ctx context.Context, ref FeedRef, body []byte) {
	if err := f.cache.Set(ctx, ref.CacheKey(), string(body)); err != nil {
		appLog.Error("ics cache save failed", err, "key", ref.CacheKey())
	}
}

func (f *Fetcher) saveCache(ctx context.Context, ref FeedRef, body []byte, meta cacheMeta) {
	// Write body first so meta never points at a missing body.
	f.storeBody(ctx, ref, body)

	data, err := json.Marshal(&meta)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, ref.metaKey(), string(data)); err != nil {
		appLog.Error("ics cache meta save failed", err, "key", ref.metaKey())
	}
}

// RedactURL hides the path and query of a feed URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}
