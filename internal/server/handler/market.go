package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/service"
)

// MarketHandler serves market creation and read endpoints.
type MarketHandler struct {
	svc    *service.SettlementService
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(svc *service.SettlementService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{svc: svc, logger: logHandler(logger, "market")}
}

// ListMarkets returns persisted markets, optionally filtered by ?status=.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := domain.MarketStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.MarketOpen, domain.MarketResolved, domain.MarketCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	snaps, err := h.svc.List(r.Context(), status, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	out := make([]MarketView, len(snaps))
	for i, s := range snaps {
		out[i] = viewOf(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out, "count": len(out)})
}

// GetMarket returns one market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := h.svc.Snapshot(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(snap))
}

// CreateMarket creates a market from the request body.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var dto CreateMarketDTO
	if err := decodeJSON(r, &dto); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := dto.toRequest()
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	snap, err := h.svc.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(snap))
}

// ListEvents returns the settlement event log of a market.
// GET /api/markets/{id}/events
func (h *MarketHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := h.svc.Events(r.Context(), addr, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "count": len(evs)})
}

// GetBalances returns a holder's collateral and claim balances for a market.
// GET /api/markets/{id}/balances/{holder}
func (h *MarketHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	holder, err := pathAddress(r, "holder")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.svc.Balances(r.Context(), addr, holder)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}
