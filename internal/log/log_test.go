package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONOutputCarriesErrorAndKeys(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat(FormatJSON)
	SetLevel(LevelInfo)
	t.Cleanup(func() {
		SetFormat(FormatText)
		SetOutput(nil)
	})

	Error("fetch failed", errors.New("boom"), "source", "F1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "fetch failed" {
		t.Errorf("msg = %v, want %q", entry["msg"], "fetch failed")
	}
	if entry["err"] != "boom" {
		t.Errorf("err = %v, want %q", entry["err"], "boom")
	}
	if entry["source"] != "F1" {
		t.Errorf("source = %v, want %q", entry["source"], "F1")
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelInfo)
	t.Cleanup(func() { SetOutput(nil) })

	Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug line written at info level: %q", buf.String())
	}

	SetLevel(LevelDebug)
	t.Cleanup(func() { SetLevel(LevelInfo) })
	Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug line missing at debug level: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" ERROR ", LevelError},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
