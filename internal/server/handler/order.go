package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// OrderHandler serves read-only TWAP order endpoints.
type OrderHandler struct {
	orders domain.OrderStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given store and logger.
func NewOrderHandler(orders domain.OrderStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logHandler(logger, "orders"),
	}
}

type orderResponse struct {
	Order orderView  `json:"order"`
	Parts []partView `json:"parts"`
}

// orderIDParam parses the {id} path parameter as a 32-byte hex hash.
func orderIDParam(r *http.Request) (common.Hash, bool) {
	raw := pathParam(r, "id")
	b := common.FromHex(raw)
	if len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

// GetOrder returns an order with all of its parts.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "order id must be a 32-byte hex string")
		return
	}

	order, err := h.orders.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get order failed",
			slog.String("order_id", id.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}

	parts, err := h.orders.ListParts(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list parts failed",
			slog.String("order_id", id.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load order parts")
		return
	}

	resp := orderResponse{Order: newOrderView(order), Parts: make([]partView, 0, len(parts))}
	for _, p := range parts {
		resp.Parts = append(resp.Parts, partView{PartID: p.PartID, Index: p.Index, ValidTo: p.ValidTo})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory returns the recorded status transitions of an order, oldest
// first.
// GET /api/orders/{id}/history
func (h *OrderHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "order id must be a 32-byte hex string")
		return
	}

	history, err := h.orders.ListHistory(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list history failed",
			slog.String("order_id", id.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	out := make([]transitionView, 0, len(history))
	for _, t := range history {
		out = append(out, transitionView{
			Previous:    string(t.Previous),
			Current:     string(t.Current),
			BlockNumber: t.BlockNumber,
			CreatedAt:   t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

// ListByOwner returns the orders created by an owner, newest first.
// GET /api/owners/{owner}/orders?limit=50&offset=0
func (h *OrderHandler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	raw := pathParam(r, "owner")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	owner := common.HexToAddress(raw)

	orders, err := h.orders.ListByOwner(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list orders by owner failed",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}
