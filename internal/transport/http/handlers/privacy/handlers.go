package privacyhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"booking/internal/domain/auth"
	"booking/internal/domain/gdpr"
	"booking/internal/platform/jobs"
	"booking/internal/platform/lock"
	"booking/internal/transport/http/api"
	"booking/internal/transport/http/middleware"
	"booking/internal/transport/http/shared"
)

// Service is the lifecycle engine surface the HTTP layer drives.
type Service interface {
	CreateRequest(ctx context.Context, in gdpr.CreateRequestInput) (gdpr.CreatedRequest, error)
	Verify(ctx context.Context, token string) (gdpr.VerifyResult, error)
	GetRequest(ctx context.Context, requestID, subjectID string) (gdpr.Request, error)
	ListRequests(ctx context.Context, subjectID string, limit, offset int) ([]gdpr.Request, int, error)
	CancelDeletion(ctx context.Context, requestID, subjectID, reason string) (gdpr.Request, error)
	DownloadArtifact(ctx context.Context, requestID, subjectID string) (gdpr.Artifact, string, error)
	Policies() []gdpr.RetentionPolicy
	RunPolicy(ctx context.Context, name string) (gdpr.PolicyResult, error)
}

// JobRunner runs the batch jobs under the same lock and job_runs bookkeeping
// as the scheduler.
type JobRunner interface {
	RunNow(ctx context.Context, jobType string) (any, error)
}

type Handler struct {
	Service Service
	Jobs    JobRunner
	Perms   middleware.PermissionStore
	Idem    *middleware.IdempotencyStore
}

func NewHandler(svc Service, jobRunner JobRunner, perms middleware.PermissionStore, idem *middleware.IdempotencyStore) *Handler {
	return &Handler{Service: svc, Jobs: jobRunner, Perms: perms, Idem: idem}
}

const maxReasonLength = 1000

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/privacy", func(r chi.Router) {
		// Verification is reached from an e-mailed link, so it needs no session.
		r.Post("/requests/verify", h.handleVerify)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			r.Use(middleware.RequirePermission(auth.PermPrivacySelf, h.Perms))
			r.Post("/requests", h.handleCreate)
			r.Get("/requests", h.handleList)
			r.Get("/requests/{requestID}", h.handleGet)
			r.Post("/requests/{requestID}/cancel", h.handleCancel)
			r.Get("/requests/{requestID}/artifact", h.handleDownload)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePermission(auth.PermPrivacyRetention, h.Perms))
			r.Get("/retention/policies", h.handleListPolicies)
			r.Post("/retention/policies/{policy}/run", h.handleRunPolicy)
			r.Post("/retention/run", h.handleRunSweep)
			r.Post("/deletions/run-due", h.handleRunDueDeletions)
		})
	})
}

type createPayload struct {
	RequestType string         `json:"requestType"`
	Metadata    map[string]any `json:"metadata"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	requestID := middleware.GetRequestID(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", requestID)
		return
	}
	var payload createPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", requestID)
		return
	}

	v := shared.NewValidator()
	v.Required("requestType", payload.RequestType, "is required")
	if payload.RequestType != "" && !gdpr.ValidRequestType(gdpr.RequestType(payload.RequestType)) {
		v.Add("requestType", "is not a supported request type")
	}
	if v.Reject(w, requestID) {
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	requestHash := middleware.RequestHash(body)
	if idempotencyKey != "" {
		stored, found, err := h.Idem.Check(r.Context(), user.UserID, "privacy.requests.create", idempotencyKey, requestHash)
		if errors.Is(err, middleware.ErrIdempotencyConflict) {
			api.Fail(w, http.StatusConflict, "idempotency_conflict", "idempotency key reused with a different payload", requestID)
			return
		}
		if err != nil {
			slog.Warn("idempotency check failed", "err", err)
		}
		if found {
			api.Success(w, json.RawMessage(stored), requestID)
			return
		}
	}

	created, err := h.Service.CreateRequest(r.Context(), gdpr.CreateRequestInput{
		SubjectID:   user.UserID,
		RequestType: gdpr.RequestType(payload.RequestType),
		Metadata:    payload.Metadata,
	})
	if err != nil {
		writeError(w, err, requestID)
		return
	}

	if idempotencyKey != "" {
		// The raw verification token is never persisted; replays return
		// the request reference only.
		replay, err := json.Marshal(map[string]any{"requestId": created.RequestID, "status": created.Status})
		if err != nil {
			slog.Warn("idempotency response marshal failed", "err", err)
		} else if err := h.Idem.Save(r.Context(), user.UserID, "privacy.requests.create", idempotencyKey, requestHash, replay); err != nil {
			slog.Warn("idempotency save failed", "err", err)
		}
	}
	api.Created(w, created, requestID)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", requestID)
		return
	}

	result, err := h.Service.Verify(r.Context(), payload.Token)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	api.Success(w, result, requestID)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	req, err := h.Service.GetRequest(r.Context(), chi.URLParam(r, "requestID"), user.UserID)
	if err != nil {
		writeError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	api.Success(w, req, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	page := shared.ParsePagination(r, 20, 100)
	requests, total, err := h.Service.ListRequests(r.Context(), user.UserID, page.Limit, page.Offset)
	if err != nil {
		writeError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	if requests == nil {
		requests = []gdpr.Request{}
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	api.Success(w, requests, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	requestID := middleware.GetRequestID(r.Context())

	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", requestID)
		return
	}
	v := shared.NewValidator()
	v.MaxLen("reason", payload.Reason, maxReasonLength, fmt.Sprintf("must be at most %d characters", maxReasonLength))
	if v.Reject(w, requestID) {
		return
	}

	req, err := h.Service.CancelDeletion(r.Context(), chi.URLParam(r, "requestID"), user.UserID, strings.TrimSpace(payload.Reason))
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	api.Success(w, map[string]any{"requestId": req.ID, "status": req.Status}, requestID)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	requestID := middleware.GetRequestID(r.Context())

	artifact, link, err := h.Service.DownloadArtifact(r.Context(), chi.URLParam(r, "requestID"), user.UserID)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	if link != "" {
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, link, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName))
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(artifact.Data); err != nil {
		slog.Warn("artifact download write failed", "err", err)
	}
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	api.Success(w, h.Service.Policies(), middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleRunPolicy(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	result, err := h.Service.RunPolicy(r.Context(), chi.URLParam(r, "policy"))
	if err != nil && !errors.Is(err, gdpr.ErrPolicyExecutionFailed) {
		writeError(w, err, requestID)
		return
	}
	if err != nil {
		api.FailWithDetails(w, http.StatusInternalServerError, gdpr.ErrorCode(err), "retention policy failed", result, requestID)
		return
	}
	api.Success(w, result, requestID)
}

func (h *Handler) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, jobs.JobRetentionSweep)
}

func (h *Handler) handleRunDueDeletions(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, jobs.JobDueDeletions)
}

func (h *Handler) runJob(w http.ResponseWriter, r *http.Request, jobType string) {
	requestID := middleware.GetRequestID(r.Context())
	report, err := h.Jobs.RunNow(r.Context(), jobType)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		api.Fail(w, http.StatusConflict, "job_running", "job is already running", requestID)
	case err != nil && report != nil:
		slog.Warn("manual job run failed", "job", jobType, "err", err)
		api.FailWithDetails(w, http.StatusInternalServerError, "job_failed", err.Error(), report, requestID)
	case err != nil:
		writeError(w, err, requestID)
	default:
		api.Success(w, report, requestID)
	}
}

func writeError(w http.ResponseWriter, err error, requestID string) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("privacy request failed", "requestId", requestID, "err", err)
		message = "internal error"
	}
	api.Fail(w, status, gdpr.ErrorCode(err), message, requestID)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gdpr.ErrInvalidRequestType),
		errors.Is(err, gdpr.ErrSubjectRequired),
		errors.Is(err, gdpr.ErrInvalidMetadata),
		errors.Is(err, gdpr.ErrTokenInvalidOrExpired):
		return http.StatusBadRequest
	case errors.Is(err, gdpr.ErrRequestNotFound),
		errors.Is(err, gdpr.ErrSubjectNotFound),
		errors.Is(err, gdpr.ErrPolicyNotFound),
		errors.Is(err, gdpr.ErrArtifactUnavailable):
		return http.StatusNotFound
	case errors.Is(err, gdpr.ErrGracePeriodExpired),
		errors.Is(err, gdpr.ErrNotCancellable),
		errors.Is(err, gdpr.ErrConsentRequired),
		errors.Is(err, gdpr.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, gdpr.ErrArtifactExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
