// Package uploader schedules submission uploads: a FIFO queue feeding a
// bounded worker pool, with per-record mutual exclusion, exponential backoff
// with jitter between attempts, and cooperative cancellation.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/loopflowstudio/cadenza/internal/client/mediastore"
	"github.com/loopflowstudio/cadenza/internal/client/models"
	"github.com/loopflowstudio/cadenza/internal/client/repositories/submissions"
	"github.com/loopflowstudio/cadenza/internal/client/transfer"
	"github.com/loopflowstudio/cadenza/internal/common"
	"github.com/loopflowstudio/cadenza/internal/logging"
)

// Config bounds the coordinator's scheduling and retry policy.
type Config struct {
	// Workers caps concurrent transfers system-wide.
	Workers int
	// MaxAttempts is the retry ceiling; past it a record stays failed until
	// the user retries explicitly.
	MaxAttempts int
	// BackoffBase is the first retry delay; subsequent delays grow
	// exponentially with BackoffJitter of randomized variance.
	BackoffBase   time.Duration
	BackoffJitter time.Duration
}

// DefaultConfig matches the mobile client's production settings.
func DefaultConfig() Config {
	return Config{
		Workers:       3,
		MaxAttempts:   5,
		BackoffBase:   2 * time.Second,
		BackoffJitter: 500 * time.Millisecond,
	}
}

type inflightEntry struct {
	cancel          context.CancelFunc
	deleteRequested bool
}

// Coordinator owns every status and file mutation of records it claims.
// External readers see only repository snapshots.
type Coordinator struct {
	repo  submissions.Repository
	media *mediastore.Store
	api   transfer.Client
	clock Clock
	log   logging.Logger
	cfg   Config

	queue chan string

	mu       sync.Mutex
	queued   map[string]struct{}
	inflight map[string]*inflightEntry
}

func New(repo submissions.Repository, media *mediastore.Store, api transfer.Client, clock Clock, log logging.Logger, cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffJitter <= 0 {
		// go-retry's jitter panics on a zero bound.
		cfg.BackoffJitter = DefaultConfig().BackoffJitter
	}
	return &Coordinator{
		repo:     repo,
		media:    media,
		api:      api,
		clock:    clock,
		log:      log.With("module", "uploader"),
		cfg:      cfg,
		queue:    make(chan string, 256),
		queued:   make(map[string]struct{}),
		inflight: make(map[string]*inflightEntry),
	}
}

// Run blocks, draining the queue with cfg.Workers workers until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.worker(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Enqueue offers a record to the workers. Records already queued or in
// flight are not offered twice: at most one active transfer may exist per
// id, regardless of queue re-entry.
func (c *Coordinator) Enqueue(ctx context.Context, id string) error {
	c.mu.Lock()
	if _, ok := c.inflight[id]; ok {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.queued[id]; ok {
		c.mu.Unlock()
		return nil
	}
	c.queued[id] = struct{}{}
	c.mu.Unlock()

	select {
	case c.queue <- id:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.queued, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Retry re-queues a failed record at the user's request. Unlike automatic
// retry it is always allowed and resets the retry bookkeeping and backoff.
func (c *Coordinator) Retry(ctx context.Context, id string) error {
	c.mu.Lock()
	_, busy := c.inflight[id]
	c.mu.Unlock()
	if busy {
		return common.ErrTransferInFlight
	}

	rec, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == models.StatusFailed {
		if err := c.repo.ResetRetry(ctx, id); err != nil {
			return err
		}
	}
	return c.Enqueue(ctx, id)
}

// Cancel aborts the in-flight transfer for id, if any. The worker observes
// the cancellation at its next suspension point and returns the record to
// pending; after finalize has been acknowledged cancellation is a no-op.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.inflight[id]
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// Delete removes a submission entirely: any in-flight transfer is aborted
// first, then local files, the server record and the local row go away. The
// intent is persisted before any cleanup runs, so a crash or an unreachable
// server leaves the record in deleting, where the reconciler picks it up
// again, never back in the upload pipeline.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	entry, busy := c.inflight[id]
	if busy {
		entry.deleteRequested = true
	}
	c.mu.Unlock()

	if err := c.repo.MarkDeleting(ctx, id); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}

	if busy {
		entry.cancel()
		// The owning worker finishes the deletion.
		return nil
	}
	return c.deleteRecord(ctx, id)
}

func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.queue:
			entry, wctx, ok := c.claim(ctx, id)
			if !ok {
				continue
			}
			c.process(ctx, wctx, id, entry)
			c.release(id)
		}
	}
}

func (c *Coordinator) claim(ctx context.Context, id string) (*inflightEntry, context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queued, id)
	if _, ok := c.inflight[id]; ok {
		return nil, nil, false
	}
	wctx, cancel := context.WithCancel(ctx)
	entry := &inflightEntry{cancel: cancel}
	c.inflight[id] = entry
	return entry, wctx, true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	if entry, ok := c.inflight[id]; ok {
		entry.cancel()
		delete(c.inflight, id)
	}
	c.mu.Unlock()
}

// process drives one record through attempts until it lands in a terminal
// state, the retry budget runs out, or the work is cancelled.
func (c *Coordinator) process(ctx, wctx context.Context, id string, entry *inflightEntry) {
	backoff := retry.WithJitter(c.cfg.BackoffJitter, retry.NewExponential(c.cfg.BackoffBase))

	for {
		rec, err := c.repo.GetByID(ctx, id)
		if err != nil {
			c.log.Warn(ctx, "submission vanished before upload", "id", id, "error", err.Error())
			return
		}
		if rec.Status != models.StatusPending && rec.Status != models.StatusFailed {
			return
		}
		if err := c.repo.UpdateStatus(ctx, id, rec.Status, models.StatusUploading); err != nil {
			c.log.Warn(ctx, "could not claim submission", "id", id, "error", err.Error())
			return
		}
		rec.Status = models.StatusUploading

		err = c.attempt(wctx, rec)
		if err == nil {
			c.log.Info(ctx, "submission uploaded", "id", id)
			if c.deleteWanted(entry) {
				c.finishDelete(ctx, id)
			}
			return
		}

		if wctx.Err() != nil {
			c.handleCancellation(ctx, id, entry)
			return
		}

		if mfErr := c.repo.MarkFailed(ctx, id, err.Error(), !common.Retryable(err)); mfErr != nil {
			c.log.Error(ctx, "could not record upload failure", "id", id, "error", mfErr.Error())
			return
		}

		if !common.Retryable(err) {
			c.log.Error(ctx, "upload failed permanently", "id", id, "error", err.Error())
			return
		}

		failed, gErr := c.repo.GetByID(ctx, id)
		if gErr != nil {
			return
		}
		if failed.RetryCount >= c.cfg.MaxAttempts {
			c.log.Error(ctx, "upload retries exhausted", "id", id, "attempts", failed.RetryCount)
			return
		}

		delay, stop := backoff.Next()
		if stop {
			return
		}
		c.log.Info(ctx, "upload will be retried", "id", id, "attempt", failed.RetryCount, "delay", delay.String())
		if err := c.clock.Sleep(wctx, delay); err != nil {
			c.handleCancellation(ctx, id, entry)
			return
		}
	}
}

// attempt performs one full negotiate/transfer/finalize pass. The local
// state machine advances to uploaded only after the finalize call is
// acknowledged; a completed transfer alone is not enough.
func (c *Coordinator) attempt(ctx context.Context, rec *models.SubmissionRecord) error {
	if !c.media.Exists(rec.ID, mediastore.KindVideo) {
		return fmt.Errorf("%w: backing video missing for submission %s", common.ErrLocalStorage, rec.ID)
	}

	ticket, err := c.api.Negotiate(ctx, rec)
	if err != nil {
		return err
	}
	if ticket.Expired(c.clock.Now()) {
		// Stale before use. Negotiation is idempotent on the record id, so
		// asking again cannot create a duplicate server record.
		ticket, err = c.api.Negotiate(ctx, rec)
		if err != nil {
			return err
		}
		if ticket.Expired(c.clock.Now()) {
			return fmt.Errorf("%w: negotiated credentials already stale", common.ErrCredentialExpired)
		}
	}

	if err := c.api.Upload(ctx, ticket.UploadURL, rec.LocalVideoPath, "video/mp4"); err != nil {
		return fmt.Errorf("video transfer: %w", err)
	}
	if rec.LocalThumbnailPath != "" && ticket.ThumbnailUploadURL != "" {
		if err := c.api.Upload(ctx, ticket.ThumbnailUploadURL, rec.LocalThumbnailPath, "image/jpeg"); err != nil {
			return fmt.Errorf("thumbnail transfer: %w", err)
		}
	}

	srv, err := c.api.Finalize(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("finalize after transfer: %w", err)
	}

	// Finalize is acked: commit locally even if cancellation races us.
	if err := c.repo.MarkUploaded(context.WithoutCancel(ctx), rec.ID, srv.VideoKey, srv.ThumbnailKey); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) deleteWanted(entry *inflightEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return entry.deleteRequested
}

// handleCancellation runs after a worker observed its context cancelled and
// before finalize was acknowledged: no remote side effect is visible yet.
// The record either goes back to pending or, when the cancellation came
// from Delete, is removed entirely.
func (c *Coordinator) handleCancellation(ctx context.Context, id string, entry *inflightEntry) {
	if c.deleteWanted(entry) {
		c.finishDelete(ctx, id)
		return
	}
	if err := c.repo.UpdateStatus(ctx, id, models.StatusUploading, models.StatusPending); err != nil {
		// Already out of uploading (e.g. the attempt failed first); nothing
		// was left in flight either way.
		c.log.Debug(ctx, "cancelled submission not in uploading", "id", id)
		return
	}
	c.log.Info(ctx, "upload cancelled", "id", id)
}

// finishDelete runs the deferred deletion for a record whose transfer was
// aborted. A failure leaves the row in deleting rather than uploading: the
// reconciler retries the cleanup on its next pass.
func (c *Coordinator) finishDelete(ctx context.Context, id string) {
	if err := c.repo.MarkDeleting(ctx, id); err != nil && !errors.Is(err, common.ErrNotFound) {
		c.log.Error(ctx, "could not persist deletion intent", "id", id, "error", err.Error())
		return
	}
	if err := c.deleteRecord(ctx, id); err != nil {
		c.log.Warn(ctx, "deletion deferred to next sync pass", "id", id, "error", err.Error())
	}
}

func (c *Coordinator) deleteRecord(ctx context.Context, id string) error {
	// Server first: removes the backing row and requests storage-object
	// deletion. A record the server never saw reports not-found, which the
	// transfer client already treats as success.
	if err := c.api.Delete(ctx, id); err != nil {
		return fmt.Errorf("server deletion: %w", err)
	}
	if err := c.media.Remove(id); err != nil {
		return err
	}
	if err := c.repo.Delete(ctx, id); err != nil {
		return err
	}
	c.log.Info(ctx, "submission deleted", "id", id)
	return nil
}
