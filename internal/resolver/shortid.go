// Package resolver expands the short event IDs printed by the history table back
// to full placement event IDs.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// maxMatches bounds the prefix scan. Anything beyond it is reported as "more".
const maxMatches = 11

// EventIndex finds event IDs in placement history. *store.Store implements it.
type EventIndex interface {
	EventIDsWithPrefix(ctx context.Context, prefix string, limit int) ([]string, error)
}

// ResolveEventID resolves a short ID prefix to a full event ID.
// Returns the full ID if exactly one match is found, NotFoundError for none and
// AmbiguousError for several. A full UUID is still looked up so a typo is caught.
func ResolveEventID(ctx context.Context, index EventIndex, shortID string) (string, error) {
	shortID = strings.ToLower(strings.TrimSpace(shortID))

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}
	if len(shortID) == 36 {
		if _, err := uuid.Parse(shortID); err != nil {
			return "", fmt.Errorf("invalid event ID %q: %w", shortID, err)
		}
	}

	matches, err := index.EventIDsWithPrefix(ctx, shortID, maxMatches)
	if err != nil {
		return "", fmt.Errorf("failed to search for event: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no events matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no placements found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple events matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d placements", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists the matching IDs (up to 10, then "...and more").
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Short ID '%s' matches several placements:\n", err.ShortID)

	for i, id := range err.Matches {
		if i == maxMatches-1 {
			b.WriteString("  ...and more\n")
			break
		}
		fmt.Fprintf(&b, "  %s\n", id)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the placement.")
	return b.String()
}
