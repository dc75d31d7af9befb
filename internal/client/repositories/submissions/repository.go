// Package submissions persists client submission records in SQLite. One row
// per submission, including status and retry bookkeeping, so a restart can
// resume any non-terminal record instead of treating it as lost.
package submissions

import (
	"context"
	"time"

	"github.com/loopflowstudio/cadenza/internal/client/models"
)

// Repository is the durable store for submission records. Status-changing
// methods are compare-and-set on the expected source status so that no
// illegal lifecycle move can be committed, regardless of caller races.
type Repository interface {
	Insert(ctx context.Context, r *models.SubmissionRecord) error
	GetByID(ctx context.Context, id string) (*models.SubmissionRecord, error)
	List(ctx context.Context) ([]*models.SubmissionRecord, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.SubmissionRecord, error)

	// UpdateStatus commits from -> to when the row is still in from.
	UpdateStatus(ctx context.Context, id string, from, to models.Status) error

	// MarkFailed moves uploading -> failed, increments retry_count and
	// records the diagnostic together with its classification. Fatal
	// failures are excluded from automatic retry.
	MarkFailed(ctx context.Context, id string, lastError string, fatal bool) error

	// MarkDeleting persists a deletion intent from any state. The row is
	// removed only once local and server cleanup both succeed.
	MarkDeleting(ctx context.Context, id string) error

	// MarkUploaded moves uploading -> uploaded and sets the remote keys.
	// It refuses to overwrite keys that are already set.
	MarkUploaded(ctx context.Context, id, videoKey, thumbnailKey string) error

	// ResetRetry zeroes the retry bookkeeping for a fresh manual retry.
	ResetRetry(ctx context.Context, id string) error

	// MergeServerFields overwrites only the server-owned columns.
	MergeServerFields(ctx context.Context, id string, reviewedAt *time.Time, reviewedBy string) error

	Delete(ctx context.Context, id string) error

	// RecoverInFlight returns interrupted uploads to pending after a
	// process restart. Reports how many rows were swept.
	RecoverInFlight(ctx context.Context) (int64, error)
}
