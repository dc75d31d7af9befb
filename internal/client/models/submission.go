// Package models defines the client-side submission record and the status
// state machine that governs its lifecycle.
package models

import (
	"fmt"
	"time"

	"github.com/loopflowstudio/cadenza/internal/common"
)

// Status is the persisted lifecycle state of a submission. It survives
// process restart; recovery resumes non-terminal records from the last
// committed state rather than re-deriving it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
	// StatusDeleting is a persisted deletion intent: the user asked for the
	// record to go away but the server-side cleanup has not succeeded yet.
	StatusDeleting Status = "deleting"
)

var allStatuses = []Status{StatusPending, StatusUploading, StatusUploaded, StatusFailed, StatusDeleting}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	for _, status := range allStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// validTransitions encodes the lifecycle:
//
//	pending   -> uploading            claimed by the coordinator
//	uploading -> uploaded             transfer confirmed and finalize acked
//	uploading -> failed               retryable or fatal error
//	uploading -> pending              cancellation before finalize
//	failed    -> uploading            automatic or manual retry
//	any       -> deleting             user requested deletion
//
// Uploaded is terminal apart from deletion. Confirmed artifacts are
// immutable; replacement requires a new record id. Deleting ends only with
// the row itself being removed, so nothing transitions out of it.
var validTransitions = map[Status]map[Status]struct{}{
	StatusPending:   {StatusUploading: {}, StatusDeleting: {}},
	StatusUploading: {StatusUploaded: {}, StatusFailed: {}, StatusPending: {}, StatusDeleting: {}},
	StatusFailed:    {StatusUploading: {}, StatusDeleting: {}},
	StatusUploaded:  {StatusDeleting: {}},
	StatusDeleting:  {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ContextKind tags the practice context a submission belongs to.
type ContextKind string

const (
	ContextNone     ContextKind = "none"
	ContextExercise ContextKind = "exercise"
	ContextPiece    ContextKind = "piece"
	ContextSession  ContextKind = "session"
)

// Context is a tagged variant: a submission references exactly one of an
// exercise, a piece, a practice session, or nothing. Modeling it as a
// kind+ref pair makes multi-context states unrepresentable.
type Context struct {
	Kind ContextKind
	Ref  string
}

func NoContext() Context              { return Context{Kind: ContextNone} }
func ExerciseContext(id string) Context { return Context{Kind: ContextExercise, Ref: id} }
func PieceContext(id string) Context    { return Context{Kind: ContextPiece, Ref: id} }
func SessionContext(id string) Context  { return Context{Kind: ContextSession, Ref: id} }

// Valid reports whether the kind/ref pairing is coherent.
func (c Context) Valid() bool {
	switch c.Kind {
	case ContextNone:
		return c.Ref == ""
	case ContextExercise, ContextPiece, ContextSession:
		return c.Ref != ""
	default:
		return false
	}
}

// SubmissionRecord is the persisted entity describing one unit of captured
// media plus its lifecycle metadata. The id is client-generated and stable
// across retries; the server uses it as an idempotency key.
type SubmissionRecord struct {
	ID      string
	OwnerID string
	Context Context

	// Local ownership-exclusive references into the media store. Present
	// while the record has not been deleted.
	LocalVideoPath     string
	LocalThumbnailPath string

	// Remote keys, set if and only if status is uploaded. Immutable once set.
	RemoteVideoKey     string
	RemoteThumbnailKey string

	DurationSeconds int
	Notes           string

	Status     Status
	RetryCount int
	LastError  string
	// LastErrorFatal records the classification of LastError: fatal failures
	// are never retried automatically, only by an explicit user retry.
	LastErrorFatal bool

	// Server-owned fields, never written by the client; pulled by the
	// reconciler.
	ReviewedAt *time.Time
	ReviewedBy string

	CreatedAt time.Time
}

// Transition moves the record to the target status, rejecting illegal moves.
func (r *SubmissionRecord) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", common.ErrIllegalTransition, r.Status, to)
	}
	r.Status = to
	return nil
}

// Validate checks the record's structural invariants:
//
//  1. uploaded implies a remote video key
//  2. pending/uploading implies a local video path
//  3. the context variant is coherent
func (r *SubmissionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("submission without id")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("submission %s without owner", r.ID)
	}
	if !ValidStatus(r.Status) {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if !r.Context.Valid() {
		return fmt.Errorf("invalid context %q/%q", r.Context.Kind, r.Context.Ref)
	}
	if r.Status == StatusUploaded && r.RemoteVideoKey == "" {
		return fmt.Errorf("uploaded submission %s without remote video key", r.ID)
	}
	if (r.Status == StatusPending || r.Status == StatusUploading) && r.LocalVideoPath == "" {
		return fmt.Errorf("%w: submission %s in state %s without local video", common.ErrLocalStorage, r.ID, r.Status)
	}
	return nil
}
