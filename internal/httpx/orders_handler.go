package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/ariefcatur/go-orders-invoicing/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"net/http"
	"strings"
	"time"
)

type OrdersHandler struct {
	Checkout *orders.Checkout
	Store    orders.Store
	Cache    Cache // optional
	Log      *zap.Logger
}

type CheckoutReq struct {
	ExternalID      string             `json:"external_id"`
	SessionID       string             `json:"session_id"`
	Customer        orders.Customer    `json:"customer"`
	ShippingAddress orders.Address     `json:"shipping_address"`
	Items           []orders.ItemInput `json:"items"`
}

type totalsView struct {
	Currency string `json:"currency"`
	Base     string `json:"base"`
	Tax      string `json:"tax"`
	Total    string `json:"total"`
	Display  string `json:"total_display"`
}

type CheckoutResp struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	totalsView
	Idempotent bool `json:"idempotent"`
}

type lineView struct {
	VariantID string `json:"variant_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Qty       int    `json:"qty"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type orderView struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"order_number"`
	ExternalID      string          `json:"external_id"`
	Status          orders.Status   `json:"status"`
	Customer        orders.Customer `json:"customer"`
	ShippingAddress orders.Address  `json:"shipping_address"`
	Lines           []lineView      `json:"lines"`
	totalsView
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type statusView struct {
	OrderID string        `json:"order_id"`
	Status  orders.Status `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/orders/number/{number}", h.getByNumber)
	r.Patch("/orders/{id}/status", h.updateStatus)
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// fast-path idempotency via Redis, DB tetap jadi kebenaran
	idemKey := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
	if req.ExternalID != "" {
		if id := cacheGet(ctx, h.Cache, idemKey); id != "" {
			if o, err := h.Store.FindByID(ctx, id); err == nil {
				writeJSON(w, http.StatusOK, checkoutResp(o, true))
				return
			}
		}
	}

	res, err := h.Checkout.Create(ctx, orders.CheckoutRequest{
		ExternalID:      req.ExternalID,
		SessionID:       req.SessionID,
		Customer:        req.Customer,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	cacheSet(ctx, h.Cache, fmt.Sprintf(redisx.KeyIdemCheckout, res.Order.ExternalID), res.Order.ID, redisx.TTLIdempotency)
	h.cacheStatus(ctx, res.Order.ID, res.Order.Status)

	code := http.StatusCreated
	if res.Existed {
		code = http.StatusOK
	}
	writeJSON(w, code, checkoutResp(res.Order, res.Existed))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Store.FindByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

func (h *OrdersHandler) getByNumber(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Store.FindByNumber(ctx, strings.ToUpper(chi.URLParam(r, "number")))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	if s := cacheGet(ctx, h.Cache, fmt.Sprintf(redisx.KeyOrderStatus, orderID)); s != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s))
		return
	}

	// 2) fallback DB
	o, err := h.Store.FindByID(ctx, orderID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	writeJSON(w, http.StatusOK, statusView{OrderID: o.ID, Status: o.Status})
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	to, ok := orders.ParseStatus(strings.ToUpper(req.Status))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + req.Status})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Checkout.UpdateStatus(ctx, chi.URLParam(r, "id"), to)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	writeJSON(w, http.StatusOK, statusView{OrderID: o.ID, Status: o.Status})
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, orderID string, st orders.Status) {
	b, _ := json.Marshal(statusView{OrderID: orderID, Status: st})
	cacheSet(ctx, h.Cache, fmt.Sprintf(redisx.KeyOrderStatus, orderID), string(b), redisx.TTLStatusCache)
}

func checkoutResp(o *orders.Order, existed bool) CheckoutResp {
	return CheckoutResp{OrderID: o.ID, OrderNumber: o.OrderNumber, totalsView: totals(o.Totals), Idempotent: existed}
}

func totals(tb money.TaxBreakdown) totalsView {
	return totalsView{
		Currency: string(tb.Currency),
		Base:     tb.Base.StringFixed(2),
		Tax:      tb.Tax.StringFixed(2),
		Total:    tb.Total.StringFixed(2),
		Display:  money.Format(money.New(tb.Total, tb.Currency)),
	}
}

func newOrderView(o *orders.Order) orderView {
	lines := make([]lineView, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, lineView{
			VariantID: l.VariantID,
			SKU:       l.SKU,
			Name:      l.Name,
			Qty:       l.Quantity,
			UnitPrice: l.UnitPrice.Value.StringFixed(2),
			LineTotal: l.LineTotal.Value.StringFixed(2),
		})
	}
	return orderView{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		ExternalID:      o.ExternalID,
		Status:          o.Status,
		Customer:        o.Customer,
		ShippingAddress: o.ShippingAddress,
		Lines:           lines,
		totalsView:      totals(o.Totals),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}
