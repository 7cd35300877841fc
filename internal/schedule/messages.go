package schedule

import (
	"context"
	"errors"
	"fmt"

	"edtcal/internal/catalog"
	"edtcal/internal/ics"
	"edtcal/internal/selection"
)

// UserMessage turns a resolution error into text that can be shown as is.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		unknown  *catalog.UnknownSourceError
		fetchErr *ics.FetchError
		parseErr *ics.ParseError
	)
	switch {
	case errors.As(err, &unknown):
		msg := fmt.Sprintf("Unknown code %q.", unknown.Code)
		if unknown.Suggestion != "" {
			msg += fmt.Sprintf(" Did you mean %q?", unknown.Suggestion)
		}
		return msg
	case errors.As(err, &fetchErr):
		if fetchErr.StatusCode != 0 {
			return fmt.Sprintf("The timetable server answered with an error (HTTP %d). Try again later.", fetchErr.StatusCode)
		}
		return "Network error: the timetable could not be downloaded. Try again later."
	case errors.As(err, &parseErr):
		return "The timetable received is not a valid calendar."
	case errors.Is(err, ErrNoSelection):
		return "No timetable selected."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was interrupted. Try again."
	default:
		return "An error occurred."
	}
}

// DisplayName labels a selection for menus and headers.
func (a *Aggregator) DisplayName(ctx context.Context, sel selection.Selection) string {
	switch sel.Variant() {
	case selection.None:
		return "No group"
	case selection.Merged:
		return "Combined view"
	}
	if all, err := a.sources.List(ctx); err == nil {
		for _, src := range all {
			if src.URL == sel.Value() {
				return src.Name + " (Perso)"
			}
		}
	}
	if sel.Variant() == selection.CustomURL {
		return "My planning (Perso)"
	}
	return sel.Value()
}
