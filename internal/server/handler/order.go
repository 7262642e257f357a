package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/service"
)

// OrderReader defines the reads the order handler requires from the store.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListByOwner(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.Order, error)
	ListTransactions(ctx context.Context, orderID string) ([]domain.Transaction, error)
}

// OrderPlacer opens contracts.
type OrderPlacer interface {
	Place(ctx context.Context, req service.PlaceRequest) (domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderReader
	placer OrderPlacer
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given store, placer and logger.
func NewOrderHandler(orders OrderReader, placer OrderPlacer, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		placer: placer,
		logger: logger,
	}
}

type orderView struct {
	ID                string           `json:"id"`
	Symbol            string           `json:"symbol"`
	Prediction        string           `json:"prediction"`
	Amount            decimal.Decimal  `json:"amount"`
	Status            string           `json:"status"`
	InitialValue      decimal.Decimal  `json:"initial_value"`
	CompletedValue    *decimal.Decimal `json:"completed_value,omitempty"`
	PredictionCorrect *bool            `json:"prediction_correct,omitempty"`
	LiveMode          bool             `json:"livemode"`
	StartTime         time.Time        `json:"start_time"`
	ExpiryTime        time.Time        `json:"expiry_time"`
	EvaluatedAt       *time.Time       `json:"evaluated_at,omitempty"`
	Transactions      []txView         `json:"transactions,omitempty"`
}

type txView struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func newOrderView(o domain.Order) orderView {
	v := orderView{
		ID:                o.ID,
		Symbol:            o.Symbol,
		Prediction:        string(o.Prediction),
		Amount:            o.Amount,
		Status:            string(o.Status),
		InitialValue:      o.InitialValue,
		PredictionCorrect: o.PredictionCorrect,
		LiveMode:          o.LiveMode,
		StartTime:         o.StartTime,
		ExpiryTime:        o.ExpiryTime,
		EvaluatedAt:       o.EvaluatedAt,
	}
	if o.CompletedValue.Valid {
		d := o.CompletedValue.Decimal
		v.CompletedValue = &d
	}
	return v
}

type listOrdersResponse struct {
	Orders []orderView `json:"orders"`
}

// ListOrders returns the authenticated owner's orders, newest first.
// GET /api/orders?limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrReject(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.ListByOwner(r.Context(), owner, parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := listOrdersResponse{Orders: make([]orderView, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder returns one order with its ledger entries. Orders of other owners
// are reported as not found.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrReject(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err == nil && order.OwnerID != owner {
		err = fmt.Errorf("order %s: %w", r.PathValue("id"), domain.ErrNotFound)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	txs, err := h.orders.ListTransactions(r.Context(), order.ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	view := newOrderView(order)
	for _, t := range txs {
		view.Transactions = append(view.Transactions, txView{
			ID:        t.ID,
			Amount:    t.Amount,
			Type:      string(t.Type),
			Status:    string(t.Status),
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

type placeOrderRequest struct {
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount"`
	Prediction string          `json:"prediction"`
	Expiration time.Time       `json:"expiration"`
}

// PlaceOrder opens a contract for the authenticated owner.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrReject(w, r)
	if !ok {
		return
	}

	var req placeOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err))
		return
	}

	order, err := h.placer.Place(r.Context(), service.PlaceRequest{
		OwnerID:    owner,
		Symbol:     req.Symbol,
		Stake:      req.Amount,
		Prediction: req.Prediction,
		Expiry:     req.Expiration,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "order placed over http",
		slog.String("order_id", order.ID),
		slog.String("owner_id", owner),
	)
	writeJSON(w, http.StatusCreated, newOrderView(order))
}
