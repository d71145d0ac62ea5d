package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/server/middleware"
	"github.com/alanyoungcy/polysettle/internal/service"
)

// SettlementHandler serves the mutating market operations. The acting user
// is the caller resolved by the auth middleware.
type SettlementHandler struct {
	svc    *service.SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(svc *service.SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{svc: svc, logger: logHandler(logger, "settlement")}
}

// opRequest parses the market, caller and amount shared by every user
// operation. It writes the error response itself and reports ok=false.
func (h *SettlementHandler) opRequest(w http.ResponseWriter, r *http.Request) (service.OpRequest, bool) {
	addr, err := pathAddress(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return service.OpRequest{}, false
	}
	caller, err := callerOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return service.OpRequest{}, false
	}
	var dto AmountDTO
	if err := decodeJSON(r, &dto); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return service.OpRequest{}, false
	}
	amount, err := dto.parse()
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return service.OpRequest{}, false
	}
	return service.OpRequest{
		Market:    addr,
		User:      caller,
		Amount:    amount,
		RequestID: middleware.ClientRequestID(r),
	}, true
}

// Split locks collateral and mints a full claim set.
// POST /api/markets/{id}/split
func (h *SettlementHandler) Split(w http.ResponseWriter, r *http.Request) {
	req, ok := h.opRequest(w, r)
	if !ok {
		return
	}
	if err := h.svc.Split(r.Context(), req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market": req.Market.Hex(),
		"user":   req.User.Hex(),
		"split":  req.Amount.Dec(),
	})
}

// Merge burns complete claim sets and returns the collateral.
// POST /api/markets/{id}/merge
func (h *SettlementHandler) Merge(w http.ResponseWriter, r *http.Request) {
	req, ok := h.opRequest(w, r)
	if !ok {
		return
	}
	if err := h.svc.Merge(r.Context(), req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market": req.Market.Hex(),
		"user":   req.User.Hex(),
		"merged": req.Amount.Dec(),
	})
}

// Finalize settles a market from its adjudicator. Anyone may call it.
// POST /api/markets/{id}/finalize
func (h *SettlementHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Finalize(r.Context(), addr, middleware.ClientRequestID(r)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	snap, err := h.svc.Snapshot(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(snap))
}

// Redeem burns winning claims of a binary or categorical market.
// POST /api/markets/{id}/redeem
func (h *SettlementHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	h.redeem(w, r, h.svc.Redeem)
}

// RedeemLong burns long claims of a scalar market.
// POST /api/markets/{id}/redeem/long
func (h *SettlementHandler) RedeemLong(w http.ResponseWriter, r *http.Request) {
	h.redeem(w, r, func(ctx context.Context, req service.OpRequest) (*uint256.Int, error) {
		return h.svc.RedeemLeg(ctx, req, domain.OutcomeLong)
	})
}

// RedeemShort burns short claims of a scalar market.
// POST /api/markets/{id}/redeem/short
func (h *SettlementHandler) RedeemShort(w http.ResponseWriter, r *http.Request) {
	h.redeem(w, r, func(ctx context.Context, req service.OpRequest) (*uint256.Int, error) {
		return h.svc.RedeemLeg(ctx, req, domain.OutcomeShort)
	})
}

func (h *SettlementHandler) redeem(w http.ResponseWriter, r *http.Request, fn func(context.Context, service.OpRequest) (*uint256.Int, error)) {
	req, ok := h.opRequest(w, r)
	if !ok {
		return
	}
	paid, err := fn(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, RedeemResponse{
		Market: req.Market.Hex(),
		User:   req.User.Hex(),
		Burned: req.Amount.Dec(),
		Paid:   amountString(paid),
	})
}

// FaucetHandler credits development collateral. It is only registered when
// the ledger supports deposits.
type FaucetHandler struct {
	svc    *service.SettlementService
	logger *slog.Logger
}

// NewFaucetHandler creates a FaucetHandler.
func NewFaucetHandler(svc *service.SettlementService, logger *slog.Logger) *FaucetHandler {
	return &FaucetHandler{svc: svc, logger: logHandler(logger, "faucet")}
}

// Fund credits collateral to a holder.
// POST /api/faucet
func (h *FaucetHandler) Fund(w http.ResponseWriter, r *http.Request) {
	var dto FaucetDTO
	if err := decodeJSON(r, &dto); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseAmount(dto.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	holder := common.HexToAddress(dto.Holder)
	if err := h.svc.Fund(r.Context(), holder, amount); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"holder": holder.Hex(), "funded": amount.Dec()})
}
