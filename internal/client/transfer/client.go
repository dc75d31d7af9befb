// Package transfer implements the client side of the presigned upload
// protocol: negotiate short-lived credentials with the API server, move the
// bytes straight to object storage, then finalize so the server marks its
// remote keys authoritative.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/loopflowstudio/cadenza/internal/client/models"
	"github.com/loopflowstudio/cadenza/internal/common"
)

// Ticket is one set of negotiated upload credentials. It is valid for
// ExpiresIn from IssuedAt; a lapsed ticket is discarded and re-negotiated,
// which the server answers idempotently.
type Ticket struct {
	SubmissionID       string
	UploadURL          string
	ThumbnailUploadURL string
	ExpiresIn          time.Duration
	IssuedAt           time.Time
}

// Expired reports whether the ticket can no longer be trusted at now.
func (t Ticket) Expired(now time.Time) bool {
	return !now.Before(t.IssuedAt.Add(t.ExpiresIn))
}

// ServerRecord is the server's authoritative view of a submission, carried
// by the pull feed and by finalize responses.
type ServerRecord struct {
	ID           string     `json:"id"`
	VideoKey     string     `json:"video_key"`
	ThumbnailKey string     `json:"thumbnail_key"`
	Uploaded     bool       `json:"uploaded"`
	ReviewedAt   *time.Time `json:"reviewed_at"`
	ReviewedBy   string     `json:"reviewed_by"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Client is the transfer protocol as the coordinator and reconciler see it.
type Client interface {
	Ping(ctx context.Context) error
	Negotiate(ctx context.Context, rec *models.SubmissionRecord) (*Ticket, error)
	Upload(ctx context.Context, url, path, contentType string) error
	Finalize(ctx context.Context, id string) (*ServerRecord, error)
	Get(ctx context.Context, id string) (*ServerRecord, error)
	Updated(ctx context.Context, since time.Time) ([]ServerRecord, error)
	PlaybackURL(ctx context.Context, id string) (string, time.Duration, error)
	Delete(ctx context.Context, id string) error
}

// HTTPClient talks JSON to the Cadenza API server and raw PUTs to the
// presigned object-storage URLs. The bearer credential is opaque here;
// obtaining and refreshing it is the session layer's business.
type HTTPClient struct {
	baseURL string
	bearer  string
	http    *http.Client
	// uploads carries the presigned PUTs. No client-level timeout: a large
	// video on a slow link may legitimately outlive any per-call bound, so
	// only the request context limits it.
	uploads *http.Client
	now     func() time.Time
}

func NewHTTPClient(baseURL, bearer string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		bearer:  bearer,
		http:    &http.Client{Timeout: timeout},
		uploads: &http.Client{},
		now:     time.Now,
	}
}

type negotiateRequest struct {
	ID              string `json:"id"`
	ContextKind     string `json:"context_kind"`
	ContextRef      string `json:"context_ref,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	Notes           string `json:"notes,omitempty"`
	ContentLength   int64  `json:"content_length"`
	ContentType     string `json:"content_type"`
}

type negotiateResponse struct {
	ID                 string `json:"id"`
	UploadURL          string `json:"upload_url"`
	ThumbnailUploadURL string `json:"thumbnail_upload_url,omitempty"`
	ExpiresIn          int64  `json:"expires_in"`
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out)
}

// Negotiate posts the submission under its client-generated id. Repeating
// the call for the same id returns fresh credentials for the same server
// record; it never creates a duplicate.
func (c *HTTPClient) Negotiate(ctx context.Context, rec *models.SubmissionRecord) (*Ticket, error) {
	var length int64
	if info, err := os.Stat(rec.LocalVideoPath); err == nil {
		length = info.Size()
	}

	req := negotiateRequest{
		ID:              rec.ID,
		ContextKind:     string(rec.Context.Kind),
		ContextRef:      rec.Context.Ref,
		DurationSeconds: rec.DurationSeconds,
		Notes:           rec.Notes,
		ContentLength:   length,
		ContentType:     "video/mp4",
	}

	var resp negotiateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/submissions", req, &resp); err != nil {
		return nil, fmt.Errorf("negotiate %s: %w", rec.ID, err)
	}

	return &Ticket{
		SubmissionID:       resp.ID,
		UploadURL:          resp.UploadURL,
		ThumbnailUploadURL: resp.ThumbnailUploadURL,
		ExpiresIn:          time.Duration(resp.ExpiresIn) * time.Second,
		IssuedAt:           c.now(),
	}, nil
}

// Upload PUTs the file at path to a presigned URL. The object store is
// outside the application server, so errors map differently here: a 403 is
// an expired or invalid signature, not an account-level authorization
// failure.
func (c *HTTPClient) Upload(ctx context.Context, url, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", common.ErrLocalStorage, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", common.ErrLocalStorage, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	resp, err := c.uploads.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: presigned put rejected", common.ErrCredentialExpired)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: payload too large", common.ErrQuotaOrValidation)
	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: upload failed: %s; body: %s", common.ErrTransient, resp.Status, string(b))
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: upload failed: %s; body: %s", common.ErrQuotaOrValidation, resp.Status, string(b))
	}
}

// Finalize tells the server the bytes landed. Idempotent: re-finalizing an
// already-finalized submission is a no-op success.
func (c *HTTPClient) Finalize(ctx context.Context, id string) (*ServerRecord, error) {
	var rec ServerRecord
	if err := c.doJSON(ctx, http.MethodPost, "/submissions/"+id+"/finalize", nil, &rec); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", id, err)
	}
	return &rec, nil
}

func (c *HTTPClient) Get(ctx context.Context, id string) (*ServerRecord, error) {
	var rec ServerRecord
	if err := c.doJSON(ctx, http.MethodGet, "/submissions/"+id, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) Updated(ctx context.Context, since time.Time) ([]ServerRecord, error) {
	path := "/submissions?updated_since=" + since.UTC().Format(time.RFC3339Nano)
	var recs []ServerRecord
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *HTTPClient) PlaybackURL(ctx context.Context, id string) (string, time.Duration, error) {
	var resp struct {
		URL       string `json:"url"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/submissions/"+id+"/playback-url", nil, &resp); err != nil {
		return "", 0, err
	}
	return resp.URL, time.Duration(resp.ExpiresIn) * time.Second, nil
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/submissions/"+id, nil, nil)
	if errors.Is(err, common.ErrNotFound) {
		// Already gone server-side; deletion is idempotent.
		return nil
	}
	return err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// mapStatus translates API responses onto the shared error taxonomy so the
// coordinator can classify without knowing about HTTP.
func mapStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", common.ErrUnauthorized, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return common.ErrNotFound
	case resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s", common.ErrQuotaOrValidation, resp.Status, string(b))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", common.ErrTransient, resp.Status)
	default:
		return fmt.Errorf("%w: unexpected status %s", common.ErrInternal, resp.Status)
	}
}
