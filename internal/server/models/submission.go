// Package models defines the server-side database entities.
package models

import "time"

// Submission is one practice-video submission row. The id is chosen by the
// client, which makes creation idempotent across retried negotiations.
type Submission struct {
	ID              string
	OwnerID         string
	ContextKind     string
	ContextRef      string
	VideoKey        string
	ThumbnailKey    string
	DurationSeconds int
	Notes           string
	Uploaded        bool
	ReviewedAt      *time.Time
	ReviewedBy      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
