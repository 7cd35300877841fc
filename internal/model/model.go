package model

import "time"

// Kind tags a timeline entry as a real calendar record or a synthesized gap.
type Kind string

const (
	KindEvent Kind = "VEVENT"
	KindBreak Kind = "BREAK"
)

// Event is a normalized VEVENT. Instances are treated as immutable once
// produced by the parser; the aggregator only tags copies with their source.
type Event struct {
	Kind Kind   `json:"type"`
	UID  string `json:"uid,omitempty"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Set only when the event was matched to a registered calendar source.
	SourceID   string `json:"source_id,omitempty"`
	SourceName string `json:"source_name,omitempty"`
	Color      string `json:"color,omitempty"`
}

// WithSource returns a copy of e tagged with the given calendar source.
func (e Event) WithSource(src CalendarSource) Event {
	e.SourceID = src.ID
	e.SourceName = src.Name
	e.Color = src.Color
	return e
}

// CalendarSource is a user-configured ICS feed.
type CalendarSource struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Color     string    `json:"color"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Break is an idle gap between two consecutive events of the same day.
type Break struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
}
