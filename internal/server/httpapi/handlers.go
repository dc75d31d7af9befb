// Package httpapi exposes the submission service over HTTP/JSON.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loopflowstudio/cadenza/internal/common"
	"github.com/loopflowstudio/cadenza/internal/logging"
	"github.com/loopflowstudio/cadenza/internal/server/models"
	"github.com/loopflowstudio/cadenza/internal/server/services"
)

type SubmissionHandler struct {
	service *services.SubmissionService
	log     logging.Logger
}

func NewSubmissionHandler(service *services.SubmissionService, log logging.Logger) *SubmissionHandler {
	return &SubmissionHandler{service: service, log: log.With("module", "httpapi")}
}

type negotiateRequest struct {
	ID              string `json:"id"`
	ContextKind     string `json:"context_kind"`
	ContextRef      string `json:"context_ref"`
	DurationSeconds int    `json:"duration_seconds"`
	Notes           string `json:"notes"`
	ContentLength   int64  `json:"content_length"`
	ContentType     string `json:"content_type"`
}

type negotiateResponse struct {
	ID                 string `json:"id"`
	UploadURL          string `json:"upload_url"`
	ThumbnailUploadURL string `json:"thumbnail_upload_url,omitempty"`
	ExpiresIn          int64  `json:"expires_in"`
}

type submissionResponse struct {
	ID           string     `json:"id"`
	VideoKey     string     `json:"video_key"`
	ThumbnailKey string     `json:"thumbnail_key"`
	Uploaded     bool       `json:"uploaded"`
	ReviewedAt   *time.Time `json:"reviewed_at"`
	ReviewedBy   string     `json:"reviewed_by"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toResponse(sub *models.Submission) submissionResponse {
	return submissionResponse{
		ID:           sub.ID,
		VideoKey:     sub.VideoKey,
		ThumbnailKey: sub.ThumbnailKey,
		Uploaded:     sub.Uploaded,
		ReviewedAt:   sub.ReviewedAt,
		ReviewedBy:   sub.ReviewedBy,
		UpdatedAt:    sub.UpdatedAt,
	}
}

func (h *SubmissionHandler) Negotiate(c *gin.Context) {
	var req negotiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.service.Negotiate(c.Request.Context(), currentUser(c), &services.NegotiateRequest{
		ID:              req.ID,
		ContextKind:     req.ContextKind,
		ContextRef:      req.ContextRef,
		DurationSeconds: req.DurationSeconds,
		Notes:           req.Notes,
		ContentLength:   req.ContentLength,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, negotiateResponse{
		ID:                 res.ID,
		UploadURL:          res.UploadURL,
		ThumbnailUploadURL: res.ThumbnailUploadURL,
		ExpiresIn:          int64(res.ExpiresIn.Seconds()),
	})
}

func (h *SubmissionHandler) Finalize(c *gin.Context) {
	sub, err := h.service.Finalize(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(sub))
}

func (h *SubmissionHandler) Get(c *gin.Context) {
	sub, err := h.service.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(sub))
}

func (h *SubmissionHandler) PlaybackURL(c *gin.Context) {
	url, ttl, err := h.service.PlaybackURL(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"expires_in": int64(ttl.Seconds()),
	})
}

func (h *SubmissionHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SubmissionHandler) Updated(c *gin.Context) {
	since := time.Time{}
	if raw := c.Query("updated_since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid updated_since"})
			return
		}
		since = parsed
	}

	subs, err := h.service.Updated(c.Request.Context(), currentUser(c), since)
	if err != nil {
		h.renderError(c, err)
		return
	}

	out := make([]submissionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toResponse(sub))
	}
	c.JSON(http.StatusOK, out)
}

func (h *SubmissionHandler) MarkReviewed(c *gin.Context) {
	sub, err := h.service.MarkReviewed(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(sub))
}

func (h *SubmissionHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, common.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, common.ErrQuotaOrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
