package submissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loopflowstudio/cadenza/internal/common"
	"github.com/loopflowstudio/cadenza/internal/dbx"
	"github.com/loopflowstudio/cadenza/internal/server/models"
)

const submissionColumns = `id, owner_id, context_kind, context_ref, video_key, thumbnail_key,
	duration_seconds, notes, uploaded, reviewed_at, reviewed_by, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*models.Submission, error) {
	sub := &models.Submission{}
	var reviewedAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.ContextKind, &sub.ContextRef,
		&sub.VideoKey, &sub.ThumbnailKey, &sub.DurationSeconds, &sub.Notes,
		&sub.Uploaded, &reviewedAt, &sub.ReviewedBy, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		sub.ReviewedAt = &t
	}
	return sub, nil
}

func (r *PostgresRepository) Create(ctx context.Context, sub *models.Submission) (*models.Submission, error) {

	query :=
		`INSERT INTO submissions (id, owner_id, context_kind, context_ref, video_key, thumbnail_key, duration_seconds, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING
		 `

	_, err := r.db.ExecContext(ctx, query,
		sub.ID, sub.OwnerID, sub.ContextKind, sub.ContextRef,
		sub.VideoKey, sub.ThumbnailKey, sub.DurationSeconds, sub.Notes)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	// Either the fresh row or the pre-existing one for a retried negotiation.
	return r.GetByID(ctx, sub.ID)
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`

	sub, err := scanSubmission(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return sub, nil
}

func (r *PostgresRepository) MarkUploaded(ctx context.Context, id string) (*models.Submission, error) {
	query :=
		`UPDATE submissions
		 SET uploaded = TRUE, updated_at = now()
		 WHERE id = $1 AND uploaded = FALSE`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	// Zero rows means either missing or already uploaded; GetByID settles it.
	return r.GetByID(ctx, id)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) SelectUpdated(ctx context.Context, ownerID string, since time.Time) ([]*models.Submission, error) {
	query := `SELECT ` + submissionColumns + `
		FROM submissions
		WHERE owner_id = $1 AND updated_at > $2
		ORDER BY updated_at`

	rows, err := r.db.QueryContext(ctx, query, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var subs []*models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return subs, nil
}

func (r *PostgresRepository) MarkReviewed(ctx context.Context, id, reviewedBy string) (*models.Submission, error) {
	query :=
		`UPDATE submissions
		 SET reviewed_at = now(), reviewed_by = $2, updated_at = now()
		 WHERE id = $1 AND uploaded = TRUE`

	res, err := r.db.ExecContext(ctx, query, id, reviewedBy)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: submission %s is not uploaded", common.ErrIllegalTransition, id)
	}
	return r.GetByID(ctx, id)
}
