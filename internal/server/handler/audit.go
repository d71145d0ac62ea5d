package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// MarketAuditor reads the audit trail of a single market.
type MarketAuditor interface {
	ListMarket(ctx context.Context, market common.Address, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves the per-market audit trail.
type AuditHandler struct {
	audit  MarketAuditor
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit MarketAuditor, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logHandler(logger, "audit")}
}

// ListMarketAudit returns audit entries for one market, newest first.
// GET /api/markets/{id}/audit
func (h *AuditHandler) ListMarketAudit(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.ListMarket(r.Context(), addr, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": addr, "entries": entries, "count": len(entries)})
}
