// Package services holds the server's business logic between the HTTP
// surface and the repositories.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/loopflowstudio/cadenza/internal/common"
	sc "github.com/loopflowstudio/cadenza/internal/server/config"
	"github.com/loopflowstudio/cadenza/internal/server/models"
	"github.com/loopflowstudio/cadenza/internal/server/repositories/submissions"
	"github.com/loopflowstudio/cadenza/internal/server/storage"
)

// ObjectStore is the part of the storage layer the service needs: URL
// signing and object removal.
type ObjectStore interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, keys ...string) error
}

var validContextKinds = map[string]bool{
	"none": true, "exercise": true, "piece": true, "session": true,
}

// NegotiateRequest is a client's announcement of a submission to upload.
type NegotiateRequest struct {
	ID              string
	ContextKind     string
	ContextRef      string
	DurationSeconds int
	Notes           string
	ContentLength   int64
}

// NegotiateResult carries the presigned upload credentials.
type NegotiateResult struct {
	ID                 string
	UploadURL          string
	ThumbnailUploadURL string
	ExpiresIn          time.Duration
}

// maxContentLength caps a single video at 2 GiB.
const maxContentLength = 2 << 30

type SubmissionService struct {
	repo   submissions.Repository
	store  ObjectStore
	config *sc.Config
}

func NewSubmissionService(repo submissions.Repository, store ObjectStore, config *sc.Config) *SubmissionService {
	return &SubmissionService{
		repo:   repo,
		store:  store,
		config: config,
	}
}

// Negotiate registers the submission under its client-chosen id and signs
// upload URLs for it. Calling it again for the same id re-signs URLs for the
// existing record instead of creating a duplicate.
func (s *SubmissionService) Negotiate(ctx context.Context, ownerID string, req *NegotiateRequest) (*NegotiateResult, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: missing submission id", common.ErrQuotaOrValidation)
	}
	if !validContextKinds[req.ContextKind] {
		return nil, fmt.Errorf("%w: unknown context kind %q", common.ErrQuotaOrValidation, req.ContextKind)
	}
	if req.ContextKind != "none" && req.ContextRef == "" {
		return nil, fmt.Errorf("%w: context kind %s without a reference", common.ErrQuotaOrValidation, req.ContextKind)
	}
	if req.DurationSeconds < 0 {
		return nil, fmt.Errorf("%w: negative duration", common.ErrQuotaOrValidation)
	}
	if req.ContentLength > maxContentLength {
		return nil, fmt.Errorf("%w: video exceeds the size limit", common.ErrQuotaOrValidation)
	}

	sub := &models.Submission{
		ID:              req.ID,
		OwnerID:         ownerID,
		ContextKind:     req.ContextKind,
		ContextRef:      req.ContextRef,
		VideoKey:        storage.VideoKey(s.config.KeyNamespace, ownerID, req.ID),
		ThumbnailKey:    storage.ThumbnailKey(s.config.KeyNamespace, ownerID, req.ID),
		DurationSeconds: req.DurationSeconds,
		Notes:           req.Notes,
	}

	sub, err := s.repo.Create(ctx, sub)
	if err != nil {
		return nil, err
	}
	if sub.OwnerID != ownerID {
		// The id belongs to someone else's record.
		return nil, fmt.Errorf("%w: submission %s", common.ErrUnauthorized, req.ID)
	}

	uploadURL, err := s.store.PresignPut(ctx, sub.VideoKey, s.config.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("sign upload url: %w", err)
	}
	thumbnailURL, err := s.store.PresignPut(ctx, sub.ThumbnailKey, s.config.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("sign thumbnail url: %w", err)
	}

	return &NegotiateResult{
		ID:                 sub.ID,
		UploadURL:          uploadURL,
		ThumbnailUploadURL: thumbnailURL,
		ExpiresIn:          s.config.PresignTTL,
	}, nil
}

// Finalize records that the bytes landed in the bucket. Re-finalizing an
// already uploaded submission returns the same record.
func (s *SubmissionService) Finalize(ctx context.Context, ownerID, id string) (*models.Submission, error) {
	if _, err := s.getOwned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.repo.MarkUploaded(ctx, id)
}

// Get returns the caller's submission.
func (s *SubmissionService) Get(ctx context.Context, ownerID, id string) (*models.Submission, error) {
	return s.getOwned(ctx, ownerID, id)
}

// PlaybackURL signs a short-lived GET URL for an uploaded submission. Before
// finalize there is nothing to play, so the submission reports not-found.
func (s *SubmissionService) PlaybackURL(ctx context.Context, ownerID, id string) (string, time.Duration, error) {
	sub, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return "", 0, err
	}
	if !sub.Uploaded {
		return "", 0, fmt.Errorf("%w: submission %s has no playable video", common.ErrNotFound, id)
	}
	url, err := s.store.PresignGet(ctx, sub.VideoKey, s.config.PresignTTL)
	if err != nil {
		return "", 0, fmt.Errorf("sign playback url: %w", err)
	}
	return url, s.config.PresignTTL, nil
}

// Delete removes the submission row and its stored objects.
func (s *SubmissionService) Delete(ctx context.Context, ownerID, id string) error {
	sub, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.store.Remove(ctx, sub.VideoKey, sub.ThumbnailKey); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// Updated returns the caller's submissions changed after since.
func (s *SubmissionService) Updated(ctx context.Context, ownerID string, since time.Time) ([]*models.Submission, error) {
	return s.repo.SelectUpdated(ctx, ownerID, since)
}

// MarkReviewed records a review by the calling teacher. The reviewer is the
// authenticated user, not the submission owner.
func (s *SubmissionService) MarkReviewed(ctx context.Context, reviewerID, id string) (*models.Submission, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.MarkReviewed(ctx, id, reviewerID)
}

func (s *SubmissionService) getOwned(ctx context.Context, ownerID, id string) (*models.Submission, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: submission %s", common.ErrUnauthorized, id)
	}
	return sub, nil
}
