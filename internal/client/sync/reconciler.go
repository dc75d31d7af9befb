// Package sync keeps the local submission store and the server in agreement.
// The reconciler pushes records whose upload is still owed and pulls
// server-side changes to records that already uploaded.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/loopflowstudio/cadenza/internal/client/models"
	"github.com/loopflowstudio/cadenza/internal/client/repositories/submissions"
	"github.com/loopflowstudio/cadenza/internal/client/transfer"
	"github.com/loopflowstudio/cadenza/internal/common"
	"github.com/loopflowstudio/cadenza/internal/logging"
)

// Dispatcher re-offers work to the upload pipeline: uploads still owed and
// deletions that have not been carried through yet. Offering a record that
// is already queued or in flight is a no-op.
type Dispatcher interface {
	Enqueue(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Config bounds the reconciler's schedule and push policy.
type Config struct {
	// Interval between background reconcile passes.
	Interval time.Duration
	// MaxAttempts mirrors the coordinator's retry ceiling: failed records at
	// or past it are left for an explicit user retry.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Reconciler runs periodic push and pull passes against the server. It never
// mutates client-owned fields; the pull pass touches server-owned columns of
// uploaded records only.
type Reconciler struct {
	repo submissions.Repository
	api  transfer.Client
	up   Dispatcher
	log  logging.Logger
	cfg  Config

	// cursor is the newest server update applied so far. In-memory only: a
	// restart re-pulls from zero, and merges are idempotent.
	cursor time.Time
}

func New(repo submissions.Repository, api transfer.Client, up Dispatcher, log logging.Logger, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Reconciler{
		repo: repo,
		api:  api,
		up:   up,
		log:  log.With("module", "sync"),
		cfg:  cfg,
	}
}

// Run reconciles on a ticker until ctx is done. Connectivity problems are
// expected on a mobile link, so a failed pass only logs and waits for the
// next tick.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.log.Debug(ctx, "reconcile pass skipped", "error", err.Error())
			}
		}
	}
}

// Reconcile performs one full pass: connectivity probe, push, pull.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if err := r.api.Ping(ctx); err != nil {
		return err
	}
	if err := r.Push(ctx); err != nil {
		return err
	}
	return r.Pull(ctx)
}

// Push re-offers every record that still owes an upload: all pending rows,
// plus failed rows whose failure was retryable and whose retry budget is not
// spent. Fatal and exhausted failures stay put until the user retries them.
// Pending deletions are retried here too, so a deletion that could not reach
// the server completes on a later pass instead of lingering.
func (r *Reconciler) Push(ctx context.Context) error {
	recs, err := r.repo.ListByStatus(ctx, models.StatusPending, models.StatusFailed, models.StatusDeleting)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status == models.StatusDeleting {
			if err := r.up.Delete(ctx, rec.ID); err != nil {
				return err
			}
			continue
		}
		if rec.Status == models.StatusFailed {
			if rec.LastErrorFatal || rec.RetryCount >= r.cfg.MaxAttempts {
				continue
			}
		}
		if err := r.up.Enqueue(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// Pull fetches server records updated since the cursor and folds their
// server-owned fields into local uploaded records. Records the client does
// not know, or that have not finished uploading locally, are skipped: the
// upload pipeline owns them until finalize.
func (r *Reconciler) Pull(ctx context.Context) error {
	updated, err := r.api.Updated(ctx, r.cursor)
	if err != nil {
		return err
	}

	cursor := r.cursor
	merged := 0
	for _, srv := range updated {
		if srv.UpdatedAt.After(cursor) {
			cursor = srv.UpdatedAt
		}
		if !srv.Uploaded {
			continue
		}
		local, err := r.repo.GetByID(ctx, srv.ID)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if local.Status != models.StatusUploaded {
			continue
		}
		if err := r.repo.MergeServerFields(ctx, srv.ID, srv.ReviewedAt, srv.ReviewedBy); err != nil {
			return err
		}
		merged++
	}

	r.cursor = cursor
	if merged > 0 {
		r.log.Info(ctx, "pulled server updates", "merged", merged)
	}
	return nil
}
