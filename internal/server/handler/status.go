package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/polysettle/internal/service"
)

// StatusHandler serves the process status.
type StatusHandler struct {
	Mode      string
	Ledger    string
	StartedAt time.Time
	svc       *service.SettlementService
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, ledger string, startedAt time.Time, svc *service.SettlementService) *StatusHandler {
	return &StatusHandler{Mode: mode, Ledger: ledger, StartedAt: startedAt, svc: svc}
}

// GetStatus responds with the run mode, ledger backend and market counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"ledger":         h.Ledger,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"markets_loaded": h.svc.Count(),
		"markets_open":   len(h.svc.OpenMarkets()),
	})
}
