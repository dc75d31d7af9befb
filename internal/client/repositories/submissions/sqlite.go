package submissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loopflowstudio/cadenza/internal/client/models"
	"github.com/loopflowstudio/cadenza/internal/common"
	"github.com/loopflowstudio/cadenza/internal/dbx"
)

const submissionColumns = `id, owner_id, context_kind, context_ref,
	local_video_path, local_thumbnail_path, remote_video_key, remote_thumbnail_key,
	duration_seconds, notes, status, retry_count, last_error, last_error_fatal,
	reviewed_at, reviewed_by, created_at`

// SQLiteRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, rec *models.SubmissionRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid submission: %w", err)
	}

	query := `INSERT INTO submissions (` + submissionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.OwnerID, string(rec.Context.Kind), rec.Context.Ref,
		rec.LocalVideoPath, rec.LocalThumbnailPath, rec.RemoteVideoKey, rec.RemoteThumbnailKey,
		rec.DurationSeconds, rec.Notes, string(rec.Status), rec.RetryCount, rec.LastError, rec.LastErrorFatal,
		formatNullableTime(rec.ReviewedAt), rec.ReviewedBy, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.SubmissionRecord, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = ?`
	rec, err := scanSubmission(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("submission %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load submission %s: %w", id, err)
	}
	return rec, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.SubmissionRecord, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions ORDER BY created_at`
	return r.queryMany(ctx, query)
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.SubmissionRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	query := `SELECT ` + submissionColumns + ` FROM submissions
		WHERE status IN (` + placeholders + `) ORDER BY created_at`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return r.queryMany(ctx, query, args...)
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, from, to models.Status) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", common.ErrIllegalTransition, from, to)
	}
	query := `UPDATE submissions SET status = ? WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return requireOneRow(res, id)
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, lastError string, fatal bool) error {
	query := `UPDATE submissions
		SET status = ?, retry_count = retry_count + 1, last_error = ?, last_error_fatal = ?
		WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query,
		string(models.StatusFailed), lastError, fatal, id, string(models.StatusUploading))
	if err != nil {
		return fmt.Errorf("failed to mark submission failed: %w", err)
	}
	return requireOneRow(res, id)
}

// MarkDeleting is unconditional on status: deletion is legal from every
// state, and the intent must stick even when it races a worker.
func (r *SQLiteRepository) MarkDeleting(ctx context.Context, id string) error {
	query := `UPDATE submissions SET status = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, string(models.StatusDeleting), id)
	if err != nil {
		return fmt.Errorf("failed to mark submission deleting: %w", err)
	}
	return requireFound(res, id)
}

// MarkUploaded guards remote-key immutability at the storage layer: a row
// that already carries a remote key is never silently replaced.
func (r *SQLiteRepository) MarkUploaded(ctx context.Context, id, videoKey, thumbnailKey string) error {
	if videoKey == "" {
		return fmt.Errorf("%w: empty remote video key for %s", common.ErrIllegalTransition, id)
	}
	query := `UPDATE submissions
		SET status = ?, remote_video_key = ?, remote_thumbnail_key = ?, last_error = '', last_error_fatal = 0
		WHERE id = ? AND status = ? AND remote_video_key = ''`
	res, err := r.db.ExecContext(ctx, query,
		string(models.StatusUploaded), videoKey, thumbnailKey, id, string(models.StatusUploading))
	if err != nil {
		return fmt.Errorf("failed to mark submission uploaded: %w", err)
	}
	return requireOneRow(res, id)
}

func (r *SQLiteRepository) ResetRetry(ctx context.Context, id string) error {
	query := `UPDATE submissions SET retry_count = 0, last_error = '', last_error_fatal = 0 WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset retry bookkeeping: %w", err)
	}
	return requireFound(res, id)
}

func (r *SQLiteRepository) MergeServerFields(ctx context.Context, id string, reviewedAt *time.Time, reviewedBy string) error {
	query := `UPDATE submissions SET reviewed_at = ?, reviewed_by = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, formatNullableTime(reviewedAt), reviewedBy, id)
	if err != nil {
		return fmt.Errorf("failed to merge server fields: %w", err)
	}
	return requireFound(res, id)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete submission: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE submissions SET status = ? WHERE status = ?`,
		string(models.StatusPending), string(models.StatusUploading))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight submissions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) queryMany(ctx context.Context, query string, args ...any) ([]*models.SubmissionRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error selecting submissions: %w", err)
	}
	defer rows.Close()

	var result []*models.SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*models.SubmissionRecord, error) {
	var (
		rec        models.SubmissionRecord
		kind, ref  string
		status     string
		reviewedAt sql.NullString
		createdAt  string
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &kind, &ref,
		&rec.LocalVideoPath, &rec.LocalThumbnailPath, &rec.RemoteVideoKey, &rec.RemoteThumbnailKey,
		&rec.DurationSeconds, &rec.Notes, &status, &rec.RetryCount, &rec.LastError, &rec.LastErrorFatal,
		&reviewedAt, &rec.ReviewedBy, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.Context = models.Context{Kind: models.ContextKind(kind), Ref: ref}
	rec.Status = models.Status(status)

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for %s: %w", rec.ID, err)
	}
	if reviewedAt.Valid && reviewedAt.String != "" {
		ts, err := time.Parse(time.RFC3339Nano, reviewedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad reviewed_at for %s: %w", rec.ID, err)
		}
		rec.ReviewedAt = &ts
	}
	return &rec, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("submission %s not in expected state: %w", id, common.ErrIllegalTransition)
	}
	return nil
}

func requireFound(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("submission %s: %w", id, common.ErrNotFound)
	}
	return nil
}
