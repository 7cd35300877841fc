// Package registry manages the user's calendar sources. The whole list lives
// under one store key and every mutation rewrites it; concurrent writers
// race with last-write-wins.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "edtcal/internal/log"
	"edtcal/internal/model"
	"edtcal/internal/store"
)

// Key is the store key holding the JSON array of sources.
const Key = "custom_calendars"

const (
	// GroupColor tints sources registered by EnsureGroup.
	GroupColor = "#E91E63"
)

// NewSource is the caller-supplied part of a CalendarSource.
type NewSource struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Color   string `json:"color"`
	Enabled bool   `json:"enabled"`
}

// Patch updates the non-nil fields of a source.
type Patch struct {
	Name    *string `json:"name,omitempty"`
	URL     *string `json:"url,omitempty"`
	Color   *string `json:"color,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

type Registry struct {
	kv  store.KV
	now func() time.Time
}

func New(kv store.KV) *Registry {
	return &Registry{kv: kv, now: time.Now}
}

// List returns all sources in insertion order. A missing key is an empty list.
func (r *Registry) List(ctx context.Context) ([]model.CalendarSource, error) {
	raw, ok, err := r.kv.Get(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("registry: read: %w", err)
	}
	if !ok || raw == "" {
		return []model.CalendarSource{}, nil
	}
	var out []model.CalendarSource
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	if out == nil {
		out = []model.CalendarSource{}
	}
	return out, nil
}

func (r *Registry) save(ctx context.Context, sources []model.CalendarSource) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	if err := r.kv.Set(ctx, Key, string(data)); err != nil {
		return fmt.Errorf("registry: write: %w", err)
	}
	return nil
}

// Add appends a source with a fresh time-ordered id.
func (r *Registry) Add(ctx context.Context, in NewSource) (model.CalendarSource, error) {
	sources, err := r.List(ctx)
	if err != nil {
		return model.CalendarSource{}, err
	}
	src := model.CalendarSource{
		ID:        newID(),
		Name:      in.Name,
		URL:       in.URL,
		Color:     in.Color,
		Enabled:   in.Enabled,
		CreatedAt: r.now().UTC(),
	}
	sources = append(sources, src)
	if err := r.save(ctx, sources); err != nil {
		return model.CalendarSource{}, err
	}
	appLog.Info("calendar source added", "id", src.ID, "name", src.Name)
	return src, nil
}

// Update applies p to the source with id. It reports false, with no
// error, when no such source exists.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (bool, error) {
	return r.mutate(ctx, id, func(src *model.CalendarSource) {
		if p.Name != nil {
			src.Name = *p.Name
		}
		if p.URL != nil {
			src.URL = *p.URL
		}
		if p.Color != nil {
			src.Color = *p.Color
		}
		if p.Enabled != nil {
			src.Enabled = *p.Enabled
		}
	})
}

// Toggle flips Enabled. Missing ids report false.
func (r *Registry) Toggle(ctx context.Context, id string) (bool, error) {
	return r.mutate(ctx, id, func(src *model.CalendarSource) {
		src.Enabled = !src.Enabled
	})
}

// Remove deletes the source with id. Removing an unknown id reports false
// and leaves the store untouched.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	sources, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	kept := sources[:0]
	for _, src := range sources {
		if src.ID != id {
			kept = append(kept, src)
		}
	}
	if len(kept) == len(sources) {
		return false, nil
	}
	if err := r.save(ctx, kept); err != nil {
		return false, err
	}
	appLog.Info("calendar source removed", "id", id)
	return true, nil
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*model.CalendarSource)) (bool, error) {
	sources, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	for i := range sources {
		if sources[i].ID != id {
			continue
		}
		fn(&sources[i])
		if err := r.save(ctx, sources); err != nil {
			return false, err
		}
		return true, nil
	}
	appLog.Debug("calendar source not found", "id", id)
	return false, nil
}

// Get returns the source with id.
func (r *Registry) Get(ctx context.Context, id string) (model.CalendarSource, bool, error) {
	sources, err := r.List(ctx)
	if err != nil {
		return model.CalendarSource{}, false, err
	}
	for _, src := range sources {
		if src.ID == id {
			return src, true, nil
		}
	}
	return model.CalendarSource{}, false, nil
}

// FindByURL returns the first source whose URL equals url exactly.
func (r *Registry) FindByURL(ctx context.Context, url string) (model.CalendarSource, bool, error) {
	sources, err := r.List(ctx)
	if err != nil {
		return model.CalendarSource{}, false, err
	}
	for _, src := range sources {
		if src.URL == url {
			return src, true, nil
		}
	}
	return model.CalendarSource{}, false, nil
}

// Enabled returns the enabled sources in registry order.
func (r *Registry) Enabled(ctx context.Context) ([]model.CalendarSource, error) {
	sources, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.CalendarSource, 0, len(sources))
	for _, src := range sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out, nil
}

// EnsureGroup registers a built-in group code as an enabled source named
// "Univ (<code>)" so that it takes part in the merged view. It is a no-op
// when a source with that URL already exists; created reports whether a
// source was added.
func (r *Registry) EnsureGroup(ctx context.Context, code string) (src model.CalendarSource, created bool, err error) {
	if existing, ok, err := r.FindByURL(ctx, code); err != nil || ok {
		return existing, false, err
	}
	src, err = r.Add(ctx, NewSource{
		Name:    "Univ (" + code + ")",
		URL:     code,
		Color:   GroupColor,
		Enabled: true,
	})
	if err != nil {
		return model.CalendarSource{}, false, err
	}
	return src, true, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
