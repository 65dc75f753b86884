package httpx

import (
	"context"
	"github.com/ariefcatur/go-orders-invoicing/internal/invoicing"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"net/http"
	"time"
)

type InvoicesHandler struct {
	Issuer *invoicing.Issuer
	Store  invoicing.Store
	Log    *zap.Logger
}

type invoiceView struct {
	*invoicing.Invoice
	Number string `json:"number"`
}

func (h *InvoicesHandler) Register(r chi.Router) {
	r.Get("/orders/{id}/invoice", h.getByOrder)
	r.Get("/invoices/{id}", h.get)
	r.Post("/invoices/{id}/void", h.void)
	r.Post("/invoices/{id}/poll", h.poll)
}

func (h *InvoicesHandler) getByOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	inv, err := h.Store.FindByOrderID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceView{Invoice: inv, Number: inv.Number()})
}

func (h *InvoicesHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	inv, err := h.Store.FindByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceView{Invoice: inv, Number: inv.Number()})
}

func (h *InvoicesHandler) void(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	inv, err := h.Issuer.Void(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceView{Invoice: inv, Number: inv.Number()})
}

// poll runs one bounded poll; a still-pending result is 202, not an error.
func (h *InvoicesHandler) poll(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Issuer.Poll(r.Context(), chi.URLParam(r, "id"), nil)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	code := http.StatusOK
	if !inv.SunatStatus.Terminal() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, invoiceView{Invoice: inv, Number: inv.Number()})
}
