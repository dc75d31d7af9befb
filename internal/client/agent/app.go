// Package agent wires the client subsystem together: local store, media
// files, transfer client, upload coordinator and sync reconciler, with
// restart recovery and graceful shutdown.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	_ "modernc.org/sqlite"

	"github.com/loopflowstudio/cadenza/internal/client/config"
	"github.com/loopflowstudio/cadenza/internal/client/mediastore"
	"github.com/loopflowstudio/cadenza/internal/client/models"
	"github.com/loopflowstudio/cadenza/internal/client/repositories/submissions"
	"github.com/loopflowstudio/cadenza/internal/client/sync"
	"github.com/loopflowstudio/cadenza/internal/client/transfer"
	"github.com/loopflowstudio/cadenza/internal/client/uploader"
	"github.com/loopflowstudio/cadenza/internal/logging"
)

// SubmitRequest describes a freshly captured practice video.
type SubmitRequest struct {
	OwnerID         string
	Context         models.Context
	Video           io.Reader
	Thumbnail       io.Reader
	DurationSeconds int
	Notes           string
}

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	repo       submissions.Repository
	media      *mediastore.Store
	api        transfer.Client
	coord      *uploader.Coordinator
	reconciler *sync.Reconciler
}

func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, repo, err := InitDatabase(ctx, c.DatabasePath)
	if err != nil {
		return nil, err
	}

	media, err := mediastore.New(c.MediaDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	api := transfer.NewHTTPClient(c.ServerBaseURL, c.BearerToken, c.RequestTimeout)

	coord := uploader.New(repo, media, api, uploader.SystemClock(), logger, uploader.Config{
		Workers:       c.Workers,
		MaxAttempts:   c.MaxAttempts,
		BackoffBase:   c.BackoffBase,
		BackoffJitter: c.BackoffJitter,
	})

	reconciler := sync.New(repo, api, coord, logger, sync.Config{
		Interval:    c.SyncInterval,
		MaxAttempts: c.MaxAttempts,
	})

	return &App{
		config:     c,
		logger:     logger,
		db:         db,
		repo:       repo,
		media:      media,
		api:        api,
		coord:      coord,
		reconciler: reconciler,
	}, nil
}

// Submit saves the captured media to disk, records the submission as pending
// and offers it to the upload pipeline. The record survives a crash at any
// point after this returns.
func (a *App) Submit(ctx context.Context, req SubmitRequest) (*models.SubmissionRecord, error) {
	id := uuid.NewString()

	videoPath, err := a.media.Save(id, mediastore.KindVideo, req.Video)
	if err != nil {
		return nil, err
	}

	thumbnailPath := ""
	if req.Thumbnail != nil {
		thumbnailPath, err = a.media.Save(id, mediastore.KindThumbnail, req.Thumbnail)
		if err != nil {
			_ = a.media.Remove(id)
			return nil, err
		}
	}

	contextVariant := req.Context
	if contextVariant.Kind == "" {
		contextVariant = models.NoContext()
	}

	rec := &models.SubmissionRecord{
		ID:                 id,
		OwnerID:            req.OwnerID,
		Context:            contextVariant,
		LocalVideoPath:     videoPath,
		LocalThumbnailPath: thumbnailPath,
		DurationSeconds:    req.DurationSeconds,
		Notes:              req.Notes,
		Status:             models.StatusPending,
		CreatedAt:          time.Now().UTC(),
	}
	if err := a.repo.Insert(ctx, rec); err != nil {
		_ = a.media.Remove(id)
		return nil, err
	}

	if err := a.coord.Enqueue(ctx, id); err != nil {
		// Still durable; the next reconcile pass re-offers it.
		a.logger.Warn(ctx, "submission saved but not queued", "id", id, "error", err.Error())
	}
	return rec, nil
}

// List returns every local submission record.
func (a *App) List(ctx context.Context) ([]*models.SubmissionRecord, error) {
	return a.repo.List(ctx)
}

// Retry re-queues a failed submission at the user's request.
func (a *App) Retry(ctx context.Context, id string) error {
	return a.coord.Retry(ctx, id)
}

// Cancel aborts an in-flight upload; the record returns to pending.
func (a *App) Cancel(id string) bool {
	return a.coord.Cancel(id)
}

// Delete removes a submission locally and on the server.
func (a *App) Delete(ctx context.Context, id string) error {
	return a.coord.Delete(ctx, id)
}

// PlaybackURL asks the server for a short-lived viewing URL.
func (a *App) PlaybackURL(ctx context.Context, id string) (string, time.Duration, error) {
	return a.api.PlaybackURL(ctx, id)
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run recovers interrupted uploads, then drives the coordinator and the
// reconciler until ctx is done or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.logger.Info(ctx, "Starting agent...")

	a.initSignalHandler(cancelFunc)

	swept, err := a.repo.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		a.logger.Info(ctx, "recovered interrupted uploads", "count", swept)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.coord.Run(gctx)
	})
	g.Go(func() error {
		return a.reconciler.Run(gctx)
	})

	err = g.Wait()
	if closeErr := a.db.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
