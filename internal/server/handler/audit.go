package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// AuditReader lists recent audit log entries.
type AuditReader interface {
	List(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

// AuditHandler exposes the trade audit trail.
type AuditHandler struct {
	audit  AuditReader
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit AuditReader, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logHandler(logger, "audit")}
}

// ListRecent returns the newest audit entries first.
// GET /api/audit?limit=50
func (h *AuditHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	entries, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit entries failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "limit": limit})
}
