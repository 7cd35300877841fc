// Package catalog holds the static short-code tables and builds the
// Hyperplanning feed URLs for built-in groups and rooms.
package catalog

import (
	"embed"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/hbollon/go-edlib"
	"gopkg.in/yaml.v3"

	"edtcal/internal/selection"
)

//go:embed data/*.yaml
var embeddedData embed.FS

// suggestionThreshold is the minimum Jaro-Winkler similarity for a
// "did you mean" hint.
const suggestionThreshold = 0.8

// FeedSettings carries the URL template parameters.
type FeedSettings struct {
	BaseURL string
	Version string
	Param   string
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	feed   FeedSettings
	groups map[string]string
	rooms  map[string]string
}

// UnknownSourceError is returned for a short code that is neither in the
// lookup table nor a URL. It is not retryable.
type UnknownSourceError struct {
	Kind       selection.Kind
	Code       string
	Suggestion string
}

func (e *UnknownSourceError) Error() string {
	msg := fmt.Sprintf("unknown %s code %q", kindLabel(e.Kind), e.Code)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", e.Suggestion)
	}
	return msg
}

func kindLabel(k selection.Kind) string {
	if k == selection.KindRoom {
		return "room"
	}
	return "group"
}

// New loads the embedded tables and overlays extraGroups/extraRooms.
func New(feed FeedSettings, extraGroups, extraRooms map[string]string) (*Catalog, error) {
	groups, err := loadTable("data/groups.yaml")
	if err != nil {
		return nil, err
	}
	rooms, err := loadTable("data/rooms.yaml")
	if err != nil {
		return nil, err
	}
	for k, v := range extraGroups {
		groups[k] = v
	}
	for k, v := range extraRooms {
		rooms[k] = v
	}
	return &Catalog{feed: feed, groups: groups, rooms: rooms}, nil
}

func loadTable(name string) (map[string]string, error) {
	data, err := embeddedData.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	table := make(map[string]string)
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return table, nil
}

func (c *Catalog) table(kind selection.Kind) map[string]string {
	if kind == selection.KindRoom {
		return c.rooms
	}
	return c.groups
}

// Lookup returns the idICal registered for code.
func (c *Catalog) Lookup(kind selection.Kind, code string) (string, bool) {
	id, ok := c.table(kind)[code]
	return id, ok
}

// Codes lists the known codes of a kind, sorted.
func (c *Catalog) Codes(kind selection.Kind) []string {
	t := c.table(kind)
	out := make([]string, 0, len(t))
	for code := range t {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// ResolveURL turns ref into a fetchable URL. URLs pass through unchanged;
// codes are templated, unknown codes yield *UnknownSourceError.
func (c *Catalog) ResolveURL(kind selection.Kind, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if selection.IsURL(ref) {
		return ref, nil
	}
	idICal, ok := c.Lookup(kind, ref)
	if !ok {
		return "", &UnknownSourceError{Kind: kind, Code: ref, Suggestion: c.suggest(kind, ref)}
	}

	q := url.Values{}
	q.Set("version", c.feed.Version)
	q.Set("idICal", idICal)
	q.Set("param", c.feed.Param)

	base := c.feed.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return fmt.Sprintf("%sEdt_%s_%s.ics?%s", base, kind.TypeTag(), url.PathEscape(ref), q.Encode()), nil
}

// suggest returns the closest known code, or "" if none is close enough.
func (c *Catalog) suggest(kind selection.Kind, code string) string {
	if code == "" {
		return ""
	}
	best := ""
	var bestScore float32
	needle := strings.ToUpper(code)
	for _, candidate := range c.Codes(kind) {
		score, err := edlib.StringsSimilarity(needle, strings.ToUpper(candidate), edlib.JaroWinkler)
		if err != nil {
			continue
		}
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore < suggestionThreshold {
		return ""
	}
	return best
}
