package audithandler

import (
	"context"
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"booking/internal/domain/audit"
	"booking/internal/domain/auth"
	"booking/internal/transport/http/api"
	"booking/internal/transport/http/middleware"
	"booking/internal/transport/http/shared"
)

const exportLimit = 10000

// Reader is the read side of the audit sink.
type Reader interface {
	Count(ctx context.Context, filter audit.Filter) (int, error)
	List(ctx context.Context, filter audit.Filter, limit, offset int) ([]audit.Record, error)
}

type Handler struct {
	Records Reader
	Perms   middleware.PermissionStore
}

func NewHandler(records Reader, perms middleware.PermissionStore) *Handler {
	return &Handler{Records: records, Perms: perms}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Use(middleware.RequirePermission(auth.PermAuditRead, h.Perms))
		r.Get("/records", h.handleListRecords)
		r.Get("/records/export", h.handleExportRecords)
	})
}

func filterFrom(r *http.Request) audit.Filter {
	return audit.Filter{
		SubjectID: r.URL.Query().Get("subjectId"),
		Action:    r.URL.Query().Get("action"),
	}
}

// validFilter rejects a subjectId the database could not cast to uuid.
func validFilter(w http.ResponseWriter, r *http.Request, filter audit.Filter) bool {
	v := shared.NewValidator()
	v.UUID("subjectId", filter.SubjectID, "must be a uuid")
	return !v.Reject(w, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePagination(r, 100, 500)
	filter := filterFrom(r)
	if !validFilter(w, r, filter) {
		return
	}

	total, err := h.Records.Count(r.Context(), filter)
	if err != nil {
		slog.Warn("audit count failed", "err", err)
	}

	records, err := h.Records.List(r.Context(), filter, page.Limit, page.Offset)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, "audit_list_failed", "failed to list audit records", middleware.GetRequestID(r.Context()))
		return
	}
	if records == nil {
		records = []audit.Record{}
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	api.Success(w, records, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleExportRecords(w http.ResponseWriter, r *http.Request) {
	filter := filterFrom(r)
	if !validFilter(w, r, filter) {
		return
	}
	records, err := h.Records.List(r.Context(), filter, exportLimit, 0)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, "audit_export_failed", "failed to export audit records", middleware.GetRequestID(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=audit-records.csv")
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"id", "subject_id", "action", "metadata", "created_at"}); err != nil {
		slog.Warn("audit export header failed", "err", err)
	}
	for _, rec := range records {
		row := []string{rec.ID, rec.SubjectID, rec.Action, string(rec.Metadata), rec.CreatedAt.UTC().Format(time.RFC3339)}
		if err := writer.Write(row); err != nil {
			slog.Warn("audit export row failed", "err", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		slog.Warn("audit export flush failed", "err", err)
	}
}
