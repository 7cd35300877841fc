package selection

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		raw     string
		kind    Kind
		variant Variant
		value   string
	}{
		{"F1", KindClass, GroupCode, "F1"},
		{" S101 ", KindRoom, RoomCode, "S101"},
		{"https://example.org/cal.ics", KindClass, CustomURL, "https://example.org/cal.ics"},
		{"http://example.org/a.ics", KindRoom, CustomURL, "http://example.org/a.ics"},
		{"merged_view", KindClass, Merged, ""},
	}
	for _, tt := range tests {
		got, err := Classify(tt.raw, tt.kind)
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", tt.raw, err)
		}
		if got.Variant() != tt.variant || got.Value() != tt.value {
			t.Errorf("Classify(%q) = %v/%q, want %v/%q", tt.raw, got.Variant(), got.Value(), tt.variant, tt.value)
		}
	}
}

func TestClassifyEmpty(t *testing.T) {
	if _, err := Classify("  ", KindClass); err == nil {
		t.Error("Classify(blank) error = nil, want error")
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []Selection{Group("G2"), Room("S205"), URL("https://x.test/a.ics"), MergedView()} {
		got, err := Classify(s.String(), s.Kind())
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", s.String(), err)
		}
		if got != s {
			t.Errorf("round trip of %v = %v", s, got)
		}
	}
}

func TestKindTypeTag(t *testing.T) {
	if KindClass.TypeTag() != "INFO" || KindRoom.TypeTag() != "IUTC" {
		t.Errorf("TypeTag() = %q/%q", KindClass.TypeTag(), KindRoom.TypeTag())
	}
	if ParseKind("room") != KindRoom || ParseKind("") != KindClass {
		t.Error("ParseKind mapping is wrong")
	}
}
