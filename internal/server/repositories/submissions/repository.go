// Package submissions stores submission rows in PostgreSQL.
package submissions

import (
	"context"
	"time"

	"github.com/loopflowstudio/cadenza/internal/server/models"
)

type Repository interface {
	// Create inserts the submission or, when the id already exists, returns
	// the existing row untouched. Clients retry negotiation freely.
	Create(ctx context.Context, sub *models.Submission) (*models.Submission, error)
	GetByID(ctx context.Context, id string) (*models.Submission, error)

	// MarkUploaded flips the row to uploaded. Calling it again is a no-op.
	MarkUploaded(ctx context.Context, id string) (*models.Submission, error)

	Delete(ctx context.Context, id string) error

	// SelectUpdated returns the owner's rows changed after since, oldest
	// first.
	SelectUpdated(ctx context.Context, ownerID string, since time.Time) ([]*models.Submission, error)

	// MarkReviewed records a teacher review on an uploaded submission.
	MarkReviewed(ctx context.Context, id, reviewedBy string) (*models.Submission, error)
}
