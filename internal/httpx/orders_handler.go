package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/pricing"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// OrderService is the customer-facing part of *orders.Service.
type OrderService interface {
	Quote(ctx context.Context, req orders.QuoteRequest) (pricing.Quote, error)
	CreateOrder(ctx context.Context, d orders.Draft) (orders.Created, error)
	Get(ctx context.Context, id string) (orders.Order, error)
	Status(ctx context.Context, id string) (orders.StatusView, error)
	History(ctx context.Context, id string) ([]orders.HistoryEntry, error)
	CancelByCustomer(ctx context.Context, id, userID string) (orders.Change, error)
	ConfirmPayment(ctx context.Context, id string, actor orders.Actor) (orders.Change, error)
}

type OrdersHandler struct {
	Orders  OrderService
	Log     *zap.Logger
	Timeout time.Duration
}

// QuoteResp surfaces why a selected coupon was not applied so the cart can deselect it.
type QuoteResp struct {
	pricing.Quote
	CouponError string `json:"coupon_error,omitempty"`
}

type CreateOrderResp struct {
	Order      orders.Order `json:"order"`
	StatusText string       `json:"status_label"`
	Idempotent bool         `json:"idempotent"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/checkout/quote", h.quote)
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/orders/{id}/history", h.getHistory)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Post("/orders/{id}/pay", h.pay)
}

func (h *OrdersHandler) quote(w http.ResponseWriter, r *http.Request) {
	var req orders.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	q, err := h.Orders.Quote(ctx, req)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	resp := QuoteResp{Quote: q}
	if q.CouponRejection != nil {
		resp.CouponError = q.CouponRejection.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var d orders.Draft
	if err := decodeJSON(r, &d); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	created, err := h.Orders.CreateOrder(ctx, d)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	code := http.StatusCreated
	if created.Existed {
		code = http.StatusOK
	}
	writeJSON(w, code, CreateOrderResp{
		Order:      created.Order,
		StatusText: created.Order.Status.Label(),
		Idempotent: created.Existed,
	})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	o, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	v, err := h.Orders.Status(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	hist, err := h.Orders.History(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		badRequest(w, "missing X-User-Id")
		return
	}
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	ch, err := h.Orders.CancelByCustomer(ctx, chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	actor := orders.Actor{ID: r.Header.Get("X-Actor-Id"), Name: "payment"}
	if actor.ID == "" {
		actor.ID = "payment-gateway"
	}
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	ch, err := h.Orders.ConfirmPayment(ctx, chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *OrdersHandler) log() *zap.Logger { return logx.OrNop(h.Log) }
