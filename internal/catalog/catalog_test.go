package catalog

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"edtcal/internal/selection"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(FeedSettings{
		BaseURL: "https://hp.example.org/ical",
		Version: "2022.0.5.0",
		Param:   "abc",
	}, map[string]string{"Z9": "ZZZ"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestResolveURL_GroupCode(t *testing.T) {
	c := newTestCatalog(t)

	got, err := c.ResolveURL(selection.KindClass, "F1")
	if err != nil {
		t.Fatalf("ResolveURL() error = %v", err)
	}
	if !strings.HasPrefix(got, "https://hp.example.org/ical/Edt_INFO_F1.ics?") {
		t.Errorf("ResolveURL() = %q, unexpected prefix", got)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("result is not a URL: %v", err)
	}
	q := u.Query()
	if q.Get("idICal") != "4Q2F93B4C8D66A0B" || q.Get("version") != "2022.0.5.0" || q.Get("param") != "abc" {
		t.Errorf("query = %v", q)
	}
}

func TestResolveURL_RoomUsesRoomTag(t *testing.T) {
	c := newTestCatalog(t)

	got, err := c.ResolveURL(selection.KindRoom, "S101")
	if err != nil {
		t.Fatalf("ResolveURL() error = %v", err)
	}
	if !strings.Contains(got, "/Edt_IUTC_S101.ics?") {
		t.Errorf("ResolveURL() = %q, want IUTC room file", got)
	}
}

func TestResolveURL_ConfigOverlay(t *testing.T) {
	c := newTestCatalog(t)
	if _, err := c.ResolveURL(selection.KindClass, "Z9"); err != nil {
		t.Errorf("overlay group not resolvable: %v", err)
	}
}

func TestResolveURL_PassesURLThrough(t *testing.T) {
	c := newTestCatalog(t)
	in := "https://calendar.example.com/me.ics?token=x"
	got, err := c.ResolveURL(selection.KindClass, in)
	if err != nil || got != in {
		t.Errorf("ResolveURL(url) = %q, %v", got, err)
	}
}

func TestResolveURL_UnknownCode(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.ResolveURL(selection.KindClass, "f2")
	var unknown *UnknownSourceError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want *UnknownSourceError", err)
	}
	if unknown.Suggestion != "F2" {
		t.Errorf("Suggestion = %q, want F2", unknown.Suggestion)
	}

	_, err = c.ResolveURL(selection.KindRoom, "qwertyuiop")
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want *UnknownSourceError", err)
	}
	if unknown.Suggestion != "" {
		t.Errorf("Suggestion = %q, want none", unknown.Suggestion)
	}
}

func TestCodesSorted(t *testing.T) {
	c := newTestCatalog(t)
	codes := c.Codes(selection.KindRoom)
	for i := 1; i < len(codes); i++ {
		if codes[i-1] > codes[i] {
			t.Fatalf("Codes() not sorted: %v", codes)
		}
	}
}
