package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"net/http"
	"time"
)

// Cache is the fast-path store for idempotency keys and status snapshots;
// miss = ("", nil). redisx.Cache implements it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second), routeTag)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Instrument wraps the router so every request gets a server span, with trace
// context taken from the incoming headers.
func Instrument(h http.Handler, service string) http.Handler {
	return otelhttp.NewHandler(h, service,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}

// routeTag renames the server span after the chi route once routing is done.
func routeTag(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		rctx := chi.RouteContext(r.Context())
		if rctx == nil || rctx.RoutePattern() == "" {
			return
		}
		span := trace.SpanFromContext(r.Context())
		span.SetName(r.Method + " " + rctx.RoutePattern())
		span.SetAttributes(attribute.String("http.route", rctx.RoutePattern()))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps the apperr taxonomy to status codes.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var (
		stock *apperr.StockInsufficientError
		prod  *apperr.ProductNotFoundError
		inv   *apperr.InvalidOperationError
		seq   *apperr.SequenceConflictError
		gw    *apperr.GatewayError
	)
	switch {
	case errors.As(err, &stock):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "insufficient_stock", "sku": stock.SKU, "requested": stock.Requested, "available": stock.Available,
		})
	case errors.As(err, &prod):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "ref": prod.Ref})
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &inv):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": inv.Reason, "op": inv.Op})
	case errors.As(err, &seq):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "series": seq.Series, "correlative": seq.Correlative})
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrStaleWrite):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrBusy):
		writeJSON(w, http.StatusLocked, map[string]any{"error": err.Error(), "retryable": true})
	case errors.As(err, &gw):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "retryable": gw.Retryable})
	default:
		if log != nil {
			logging.WithTrace(r.Context(), log).Error("request failed",
				zap.String("path", r.URL.Path), zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func cacheGet(ctx context.Context, c Cache, key string) string {
	if c == nil {
		return ""
	}
	s, err := c.Get(ctx, key)
	if err != nil {
		return ""
	}
	return s
}

func cacheSet(ctx context.Context, c Cache, key string, v any, ttl time.Duration) {
	if c == nil {
		return
	}
	// cache best-effort, DB tetap sumber kebenaran
	_ = c.Set(ctx, key, v, ttl)
}
