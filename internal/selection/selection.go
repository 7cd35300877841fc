// Package selection models which schedule is active: a built-in group or
// room code, a custom ICS URL, or the merged view of all enabled sources.
package selection

import (
	"fmt"
	"strings"
)

// MergedSentinel is the persisted raw value of the merged view.
const MergedSentinel = "merged_view"

// Kind distinguishes class/group feeds from room feeds. Its value is the
// segment used in cache keys.
type Kind string

const (
	KindClass Kind = "class"
	KindRoom  Kind = "salle"
)

// TypeTag is the Hyperplanning file prefix for the kind.
func (k Kind) TypeTag() string {
	if k == KindRoom {
		return "IUTC"
	}
	return "INFO"
}

func (k Kind) Valid() bool {
	return k == KindClass || k == KindRoom
}

// ParseKind maps "room"/"salle" to KindRoom and everything else to KindClass.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "room", "salle":
		return KindRoom
	default:
		return KindClass
	}
}

// Variant is the tag of a Selection.
type Variant int

const (
	None Variant = iota
	GroupCode
	RoomCode
	CustomURL
	Merged
)

func (v Variant) String() string {
	switch v {
	case GroupCode:
		return "group"
	case RoomCode:
		return "room"
	case CustomURL:
		return "url"
	case Merged:
		return "merged"
	default:
		return "none"
	}
}

// Selection is a tagged union; construct it with the helpers below or Classify.
type Selection struct {
	variant Variant
	value   string
}

func Group(code string) Selection { return Selection{variant: GroupCode, value: code} }
func Room(code string) Selection  { return Selection{variant: RoomCode, value: code} }
func URL(u string) Selection      { return Selection{variant: CustomURL, value: u} }
func MergedView() Selection       { return Selection{variant: Merged} }

func (s Selection) Variant() Variant { return s.variant }
func (s Selection) Value() string    { return s.value }
func (s Selection) IsZero() bool     { return s.variant == None }
func (s Selection) IsMerged() bool   { return s.variant == Merged }

// Kind reports the feed kind used for cache keys and URL templating.
// Custom URLs are cached under the class kind, as in the mobile app.
func (s Selection) Kind() Kind {
	if s.variant == RoomCode {
		return KindRoom
	}
	return KindClass
}

// String returns the raw persisted form, the inverse of Classify.
func (s Selection) String() string {
	if s.variant == Merged {
		return MergedSentinel
	}
	return s.value
}

// IsURL reports whether ref is a direct feed URL rather than a short code.
// It is the only place that inspects the prefix.
func IsURL(ref string) bool {
	return strings.HasPrefix(strings.TrimSpace(ref), "http")
}

// Classify turns a raw profile or query value into a Selection. kind decides
// how a short code is interpreted.
func Classify(raw string, kind Kind) (Selection, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Selection{}, fmt.Errorf("empty selection")
	case raw == MergedSentinel:
		return MergedView(), nil
	case IsURL(raw):
		return URL(raw), nil
	case kind == KindRoom:
		return Room(raw), nil
	default:
		return Group(raw), nil
	}
}
