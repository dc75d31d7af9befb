package uploader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/loopflowstudio/cadenza/internal/client/mediastore"
	"github.com/loopflowstudio/cadenza/internal/client/models"
	"github.com/loopflowstudio/cadenza/internal/client/repositories/submissions"
	"github.com/loopflowstudio/cadenza/internal/client/transfer"
	"github.com/loopflowstudio/cadenza/internal/common"
	"github.com/loopflowstudio/cadenza/internal/logging"
)

const submissionsSchema = `
CREATE TABLE submissions (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  context_kind TEXT NOT NULL DEFAULT 'none',
  context_ref TEXT NOT NULL DEFAULT '',
  local_video_path TEXT NOT NULL DEFAULT '',
  local_thumbnail_path TEXT NOT NULL DEFAULT '',
  remote_video_key TEXT NOT NULL DEFAULT '',
  remote_thumbnail_key TEXT NOT NULL DEFAULT '',
  duration_seconds INTEGER NOT NULL DEFAULT 0,
  notes TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  last_error_fatal INTEGER NOT NULL DEFAULT 0,
  reviewed_at TEXT,
  reviewed_by TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`

type fixture struct {
	repo  *submissions.SQLiteRepository
	media *mediastore.Store
	api   *fakeAPI
	coord *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(submissionsSchema)
	require.NoError(t, err)

	media, err := mediastore.New(filepath.Join(t.TempDir(), "media"))
	require.NoError(t, err)

	repo := submissions.NewSQLiteRepository(db)
	api := newFakeAPI()
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	coord := New(repo, media, api, fakeClock{}, log, cfg)
	return &fixture{repo: repo, media: media, api: api, coord: coord}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) addRecord(t *testing.T, id string) *models.SubmissionRecord {
	t.Helper()
	videoPath, err := f.media.Save(id, mediastore.KindVideo, strings.NewReader("mp4 bytes for "+id))
	require.NoError(t, err)

	rec := &models.SubmissionRecord{
		ID:              id,
		OwnerID:         "2",
		Context:         models.PieceContext("p1"),
		LocalVideoPath:  videoPath,
		DurationSeconds: 30,
		Status:          models.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, f.repo.Insert(context.Background(), rec))
	return rec
}

func (f *fixture) waitForStatus(t *testing.T, id string, want models.Status) *models.SubmissionRecord {
	t.Helper()
	var got *models.SubmissionRecord
	require.Eventually(t, func() bool {
		rec, err := f.repo.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		got = rec
		return rec.Status == want
	}, 5*time.Second, 5*time.Millisecond, "submission %s never reached %s", id, want)
	return got
}

func TestUploadSucceeds(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	f.start(t)
	f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))

	rec := f.waitForStatus(t, "s1", models.StatusUploaded)
	assert.Equal(t, "videos/2/s1.mp4", rec.RemoteVideoKey)
	assert.Zero(t, rec.RetryCount)
	assert.NoError(t, rec.Validate())

	assert.Equal(t, 1, f.api.calls("negotiate"))
	assert.Equal(t, 1, f.api.calls("upload"))
	assert.Equal(t, 1, f.api.calls("finalize"))
}

func TestZeroConfigFieldsGetDefaults(t *testing.T) {
	f := newFixture(t, Config{})

	def := DefaultConfig()
	assert.Equal(t, def.Workers, f.coord.cfg.Workers)
	assert.Equal(t, def.MaxAttempts, f.coord.cfg.MaxAttempts)
	assert.Equal(t, def.BackoffBase, f.coord.cfg.BackoffBase)
	// The backoff generator requires a positive jitter bound.
	assert.Equal(t, def.BackoffJitter, f.coord.cfg.BackoffJitter)
}

func TestTransientTransferFailureIsRetried(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, MaxAttempts: 5})
	f.api.uploadScript = func(call int) error {
		if call == 1 {
			return fmt.Errorf("%w: connection dropped mid-flight", common.ErrTransient)
		}
		return nil
	}
	f.start(t)
	f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))

	rec := f.waitForStatus(t, "s1", models.StatusUploaded)
	assert.Equal(t, 1, rec.RetryCount, "first attempt recorded as a failure")
	assert.Equal(t, 2, f.api.calls("upload"))
}

func TestExpiredTicketIsRenegotiatedBeforeTransfer(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	f.api.negotiateScript = func(call int, ticket *transfer.Ticket) {
		if call == 1 {
			ticket.ExpiresIn = 0 // stale the moment it is issued
		}
	}
	f.start(t)
	f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))

	rec := f.waitForStatus(t, "s1", models.StatusUploaded)
	assert.Equal(t, "videos/2/s1.mp4", rec.RemoteVideoKey)
	assert.Equal(t, 2, f.api.calls("negotiate"), "stale ticket discarded and re-negotiated")
	assert.Equal(t, 1, f.api.calls("upload"), "transfer never attempted against a stale URL")
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, MaxAttempts: 5})
	f.api.uploadScript = func(call int) error {
		return fmt.Errorf("%w: payload too large", common.ErrQuotaOrValidation)
	}
	f.start(t)
	f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))

	rec := f.waitForStatus(t, "s1", models.StatusFailed)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.LastError, "payload too large")
	assert.True(t, rec.LastErrorFatal, "classification persisted for the sync pass")
	assert.Equal(t, 1, f.api.calls("upload"), "fatal errors surface immediately")
	assert.Zero(t, f.api.calls("finalize"))
}

func TestRetriesExhaustLeaveRecordFailed(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, MaxAttempts: 3})
	f.api.uploadScript = func(call int) error {
		return fmt.Errorf("%w: timeout", common.ErrTransient)
	}
	f.start(t)
	f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))

	require.Eventually(t, func() bool {
		rec, err := f.repo.GetByID(context.Background(), "s1")
		return err == nil && rec.Status == models.StatusFailed && rec.RetryCount == 3
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, f.api.calls("upload"))

	// Manual retry is always allowed and resets the bookkeeping.
	f.api.uploadScript = nil
	require.NoError(t, f.coord.Retry(context.Background(), "s1"))
	rec := f.waitForStatus(t, "s1", models.StatusUploaded)
	assert.Zero(t, rec.RetryCount)
}

func TestFinalizeFailureNeverYieldsUploadedWithoutAck(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, MaxAttempts: 5})
	f.api.finalizeScript = func(call int) error {
		if call <= 2 {
			return fmt.Errorf("%w: finalize timed out", common.ErrTransient)
		}
		return nil
	}
	f.start(t)
	f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))

	rec := f.waitForStatus(t, "s1", models.StatusUploaded)
	assert.Equal(t, "videos/2/s1.mp4", rec.RemoteVideoKey)
	assert.Equal(t, 3, f.api.calls("finalize"))
	assert.Equal(t, 2, rec.RetryCount, "each finalize failure was recorded")
}

func TestMissingBackingFileIsLoudInvariantViolation(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, MaxAttempts: 5})
	f.start(t)
	rec := f.addRecord(t, "s1")
	require.NoError(t, os.Remove(rec.LocalVideoPath))

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))

	failed := f.waitForStatus(t, "s1", models.StatusFailed)
	assert.Contains(t, failed.LastError, "backing video missing")
	assert.Zero(t, f.api.calls("negotiate"), "no network work for a broken record")
}

func TestDeleteWhileUploading(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	uploadStarted := make(chan struct{})
	f.api.uploadBlocks = uploadStarted
	f.start(t)
	rec := f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))
	<-uploadStarted

	require.NoError(t, f.coord.Delete(context.Background(), "s1"))

	require.Eventually(t, func() bool {
		_, err := f.repo.GetByID(context.Background(), "s1")
		return errors.Is(err, common.ErrNotFound)
	}, 5*time.Second, 5*time.Millisecond, "local row removed")

	assert.Zero(t, f.api.calls("finalize"), "finalize never called after cancellation")
	assert.Equal(t, []string{"s1"}, f.api.deleted(), "server-side deletion requested")
	assert.NoFileExists(t, rec.LocalVideoPath)
}

func TestDeleteWhileUploadingSurvivesServerOutage(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	uploadStarted := make(chan struct{})
	f.api.uploadBlocks = uploadStarted
	f.api.deleteScript = func(call int) error {
		if call == 1 {
			return fmt.Errorf("%w: connection refused", common.ErrTransient)
		}
		return nil
	}
	f.start(t)
	rec := f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))
	<-uploadStarted

	require.NoError(t, f.coord.Delete(context.Background(), "s1"))

	require.Eventually(t, func() bool {
		return !f.coord.Cancel("s1")
	}, 5*time.Second, 5*time.Millisecond, "worker released the record")

	// The failed server call must not put the record back into the upload
	// pipeline; the intent stays durable until the cleanup lands.
	got, err := f.repo.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeleting, got.Status)
	assert.FileExists(t, rec.LocalVideoPath)

	// The next sync pass re-drives the deletion, which now completes.
	require.NoError(t, f.coord.Delete(context.Background(), "s1"))
	_, err = f.repo.GetByID(context.Background(), "s1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NoFileExists(t, rec.LocalVideoPath)
	assert.Equal(t, []string{"s1"}, f.api.deleted())
}

func TestCancelReturnsRecordToPending(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	uploadStarted := make(chan struct{})
	f.api.uploadBlocks = uploadStarted
	f.start(t)
	f.addRecord(t, "s1")

	require.NoError(t, f.coord.Enqueue(context.Background(), "s1"))
	<-uploadStarted

	assert.True(t, f.coord.Cancel("s1"))

	require.Eventually(t, func() bool {
		return !f.coord.Cancel("s1")
	}, 5*time.Second, 5*time.Millisecond, "worker released the record")

	rec := f.waitForStatus(t, "s1", models.StatusPending)
	assert.Empty(t, rec.RemoteVideoKey)
	assert.Zero(t, f.api.calls("finalize"))
}

func TestConcurrencyBoundAndPerIDExclusivity(t *testing.T) {
	const workers = 2
	f := newFixture(t, Config{Workers: workers})

	var mu sync.Mutex
	active, peak := 0, 0
	f.api.uploadHook = func(ctx context.Context) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}
	f.start(t)

	ctx := context.Background()
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		f.addRecord(t, id)
		require.NoError(t, f.coord.Enqueue(ctx, id))
		// Re-entry while queued or in flight must be a no-op.
		require.NoError(t, f.coord.Enqueue(ctx, id))
	}

	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		f.waitForStatus(t, id, models.StatusUploaded)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, workers, "no more than C transfers at once")
	assert.Equal(t, 5, f.api.calls("upload"), "one transfer per record")
}

// ---- fakes ----

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Now() }

func (fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	// Backoff is a no-op in tests; cancellation still observed.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

type fakeAPI struct {
	mu        sync.Mutex
	counts    map[string]int
	deletions []string

	// negotiateScript mutates the default ticket per call (1-based).
	negotiateScript func(call int, ticket *transfer.Ticket)
	// uploadScript returns the error for the nth upload call (1-based).
	uploadScript func(call int) error
	// uploadHook, when set, runs instead of uploadScript with the ctx.
	uploadHook func(ctx context.Context) error
	// uploadBlocks, when set, is closed on upload start and the upload then
	// blocks until ctx is cancelled.
	uploadBlocks chan struct{}
	// finalizeScript returns the error for the nth finalize call (1-based).
	finalizeScript func(call int) error
	// deleteScript returns the error for the nth delete call (1-based).
	deleteScript func(call int) error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{counts: make(map[string]int)}
}

func (f *fakeAPI) bump(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[name]++
	return f.counts[name]
}

func (f *fakeAPI) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

func (f *fakeAPI) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletions...)
}

func (f *fakeAPI) Ping(ctx context.Context) error { return nil }

func (f *fakeAPI) Negotiate(ctx context.Context, rec *models.SubmissionRecord) (*transfer.Ticket, error) {
	call := f.bump("negotiate")
	ticket := &transfer.Ticket{
		SubmissionID:       rec.ID,
		UploadURL:          "https://storage.example/videos/" + rec.OwnerID + "/" + rec.ID + ".mp4",
		ThumbnailUploadURL: "https://storage.example/videos/" + rec.OwnerID + "/" + rec.ID + "_thumb.jpg",
		ExpiresIn:          time.Hour,
		IssuedAt:           time.Now(),
	}
	if f.negotiateScript != nil {
		f.negotiateScript(call, ticket)
	}
	return ticket, nil
}

func (f *fakeAPI) Upload(ctx context.Context, url, path, contentType string) error {
	call := f.bump("upload")
	if f.uploadBlocks != nil {
		close(f.uploadBlocks)
		f.uploadBlocks = nil
		<-ctx.Done()
		return fmt.Errorf("%w: %v", common.ErrTransient, ctx.Err())
	}
	if f.uploadHook != nil {
		return f.uploadHook(ctx)
	}
	if f.uploadScript != nil {
		return f.uploadScript(call)
	}
	return nil
}

func (f *fakeAPI) Finalize(ctx context.Context, id string) (*transfer.ServerRecord, error) {
	call := f.bump("finalize")
	if f.finalizeScript != nil {
		if err := f.finalizeScript(call); err != nil {
			return nil, err
		}
	}
	return &transfer.ServerRecord{
		ID:           id,
		VideoKey:     "videos/2/" + id + ".mp4",
		ThumbnailKey: "videos/2/" + id + "_thumb.jpg",
		Uploaded:     true,
	}, nil
}

func (f *fakeAPI) Get(ctx context.Context, id string) (*transfer.ServerRecord, error) {
	f.bump("get")
	return nil, common.ErrNotFound
}

func (f *fakeAPI) Updated(ctx context.Context, since time.Time) ([]transfer.ServerRecord, error) {
	f.bump("updated")
	return nil, nil
}

func (f *fakeAPI) PlaybackURL(ctx context.Context, id string) (string, time.Duration, error) {
	f.bump("playback")
	return "", 0, common.ErrNotFound
}

func (f *fakeAPI) Delete(ctx context.Context, id string) error {
	call := f.bump("delete")
	if f.deleteScript != nil {
		if err := f.deleteScript(call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.deletions = append(f.deletions, id)
	f.mu.Unlock()
	return nil
}
