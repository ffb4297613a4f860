// Package models defines the core data types shared across chatturn.
package models

import (
	"time"
)

// VersionPrecision is the resolution of document version timestamps. Versions are
// stored as unix milliseconds, so two versions of the same document must differ by
// at least this much.
const VersionPrecision = time.Millisecond

// Document is one version of a user-owned text document. A document id maps to a
// sequence of versions ordered by CreatedAt.
type Document struct {
	// ID identifies the document across all of its versions.
	ID string `json:"id"`

	// OwnerID is the user that created the document.
	OwnerID string `json:"ownerId"`

	// Title is the human-readable document title.
	Title string `json:"title"`

	// Content is the full text of this version.
	Content string `json:"content"`

	// CreatedAt is the version timestamp. Strictly increasing per ID.
	CreatedAt time.Time `json:"createdAt"`
}

// Suggestion is a proposed edit against a specific document version. Only the
// IsResolved flag changes after creation.
type Suggestion struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	DocumentCreatedAt time.Time `json:"documentCreatedAt"`
	OriginalText      string    `json:"originalText"`
	SuggestedText     string    `json:"suggestedText"`
	Description       string    `json:"description,omitempty"`
	IsResolved        bool      `json:"isResolved"`
	OwnerID           string    `json:"ownerId"`
	CreatedAt         time.Time `json:"createdAt"`
}

// VersionTime normalizes a timestamp to the stored version precision.
func VersionTime(t time.Time) time.Time {
	return t.UTC().Truncate(VersionPrecision)
}
