package registry

import (
	"context"
	"errors"
	"testing"

	"edtcal/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	kv := store.NewMemory()
	return New(kv), kv
}

func TestList_EmptyStore(t *testing.T) {
	r, _ := newTestRegistry(t)

	got, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List() = %#v, want empty slice", got)
	}
}

func TestAdd_AssignsUniqueIDsAndPersists(t *testing.T) {
	r, kv := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Add(ctx, NewSource{Name: "Perso", URL: "https://example.com/a.ics", Color: "#2196F3", Enabled: true})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	b, err := r.Add(ctx, NewSource{Name: "Club", URL: "https://example.com/b.ics", Color: "#4CAF50"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids = %q, %q, want distinct non-empty", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// A second registry over the same store sees the same list.
	list, err := New(kv).List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("List() = %+v, want [a b] in insertion order", list)
	}
}

func TestToggle_TwiceRestoresState(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	src, _ := r.Add(ctx, NewSource{Name: "Perso", URL: "https://example.com/a.ics", Enabled: true})

	for i, want := range []bool{false, true} {
		changed, err := r.Toggle(ctx, src.ID)
		if err != nil || !changed {
			t.Fatalf("Toggle() #%d = %v, %v", i+1, changed, err)
		}
		got, _, _ := r.Get(ctx, src.ID)
		if got.Enabled != want {
			t.Errorf("after toggle #%d Enabled = %v, want %v", i+1, got.Enabled, want)
		}
	}
}

func TestRemove_MissingIDIsNoOp(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	src, _ := r.Add(ctx, NewSource{Name: "Perso", URL: "https://example.com/a.ics"})

	removed, err := r.Remove(ctx, src.ID)
	if err != nil || !removed {
		t.Fatalf("first Remove() = %v, %v, want true, nil", removed, err)
	}
	removed, err = r.Remove(ctx, src.ID)
	if err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
	if removed {
		t.Error("second Remove() = true, want false")
	}
}

func TestUpdateAndToggle_MissingID(t *testing.T) {
	r, kv := newTestRegistry(t)
	ctx := context.Background()
	name := "x"

	if changed, err := r.Update(ctx, "nope", Patch{Name: &name}); changed || err != nil {
		t.Errorf("Update(missing) = %v, %v, want false, nil", changed, err)
	}
	if changed, err := r.Toggle(ctx, "nope"); changed || err != nil {
		t.Errorf("Toggle(missing) = %v, %v, want false, nil", changed, err)
	}
	if kv.Len() != 0 {
		t.Errorf("store was written on a no-op")
	}
}

func TestUpdate_AppliesOnlySetFields(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	src, _ := r.Add(ctx, NewSource{Name: "Perso", URL: "https://example.com/a.ics", Color: "#111111", Enabled: true})

	color := "#222222"
	changed, err := r.Update(ctx, src.ID, Patch{Color: &color})
	if err != nil || !changed {
		t.Fatalf("Update() = %v, %v", changed, err)
	}
	got, _, _ := r.Get(ctx, src.ID)
	if got.Color != color || got.Name != "Perso" || !got.Enabled || got.ID != src.ID {
		t.Errorf("after Update() = %+v", got)
	}
}

func TestEnabledAndFindByURL(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	a, _ := r.Add(ctx, NewSource{Name: "A", URL: "https://example.com/a.ics", Enabled: true})
	_, _ = r.Add(ctx, NewSource{Name: "B", URL: "https://example.com/b.ics", Enabled: false})
	c, _ := r.Add(ctx, NewSource{Name: "C", URL: "https://example.com/c.ics", Enabled: true})

	enabled, err := r.Enabled(ctx)
	if err != nil {
		t.Fatalf("Enabled() error = %v", err)
	}
	if len(enabled) != 2 || enabled[0].ID != a.ID || enabled[1].ID != c.ID {
		t.Errorf("Enabled() = %+v", enabled)
	}

	found, ok, err := r.FindByURL(ctx, "https://example.com/c.ics")
	if err != nil || !ok || found.ID != c.ID {
		t.Errorf("FindByURL() = %+v, %v, %v", found, ok, err)
	}
	if _, ok, _ := r.FindByURL(ctx, "https://example.com/zzz.ics"); ok {
		t.Error("FindByURL(unknown) ok = true")
	}
}

func TestEnsureGroup_AddsOnce(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	src, created, err := r.EnsureGroup(ctx, "F1")
	if err != nil || !created {
		t.Fatalf("EnsureGroup() = %v, %v", created, err)
	}
	if src.Name != "Univ (F1)" || src.URL != "F1" || src.Color != GroupColor || !src.Enabled {
		t.Errorf("EnsureGroup() source = %+v", src)
	}

	again, created, err := r.EnsureGroup(ctx, "F1")
	if err != nil || created || again.ID != src.ID {
		t.Errorf("second EnsureGroup() = %+v, %v, %v", again, created, err)
	}
	list, _ := r.List(ctx)
	if len(list) != 1 {
		t.Errorf("len(List()) = %d, want 1", len(list))
	}
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}
func (failingKV) Set(context.Context, string, string) error { return errors.New("disk on fire") }

func TestStoreFailuresAreReturned(t *testing.T) {
	r := New(failingKV{})
	if _, err := r.List(context.Background()); err == nil {
		t.Error("List() error = nil, want store error")
	}
	if _, err := r.Toggle(context.Background(), "x"); err == nil {
		t.Error("Toggle() error = nil, want store error")
	}
}
