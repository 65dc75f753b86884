package ose

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/invoicing"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeOSE is a minimal stand-in for the intermediary's REST API.
func fakeOSE(t *testing.T, sendStatus int, ticketStatus string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/v1/documents/sign", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		var body signRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "20100070970", body.CompanyRUC)
		assert.Equal(t, "01", body.DocType)
		assert.Equal(t, "200.00", body.Total)
		_ = json.NewEncoder(w).Encode(map[string]string{"xml": "<Invoice/>", "hash": "qwe123"})
	})
	r.Post("/v1/documents/send", func(w http.ResponseWriter, req *http.Request) {
		var body sendRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		xml, err := base64.StdEncoding.DecodeString(body.Content)
		require.NoError(t, err)
		assert.Equal(t, "<Invoice/>", string(xml))
		if sendStatus != http.StatusOK {
			w.WriteHeader(sendStatus)
			_, _ = w.Write([]byte(`{"message":"documento con errores"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ticket": "TK-" + body.FileName, "status": "IN_PROCESS"})
	})
	r.Get("/v1/tickets/{ticket}", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":   ticketStatus,
			"cdr_url":  "https://ose.test/cdr/" + chi.URLParam(req, "ticket"),
			"cdr_code": "0",
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func testInvoice() *invoicing.Invoice {
	return &invoicing.Invoice{
		ID:           "inv-1",
		DocType:      invoicing.DocFactura,
		Series:       "F001",
		Correlative:  7,
		Currency:     "PEN",
		TotalGravado: decimal.RequireFromString("169.49"),
		TotalIgv:     decimal.RequireFromString("30.51"),
		TotalAmount:  decimal.RequireFromString("200.00"),
		Customer:     orders.Customer{Name: "Comercial Andina SAC", DocType: orders.DocRUC, DocNumber: "20512345678"},
		CreatedAt:    time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestClient_SignSendCheck(t *testing.T) {
	srv := fakeOSE(t, http.StatusOK, "ACEPTADO")
	c := New(srv.URL+"/", "secret", "20100070970", time.Second)
	ctx := context.Background()
	inv := testInvoice()

	signed, err := c.SignInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, "qwe123", signed.Hash)

	sent, err := c.SendToOSE(ctx, signed.XMLContent, inv.FileName("20100070970"))
	require.NoError(t, err)
	assert.Equal(t, invoicing.StatusPending, sent.Status)
	assert.Equal(t, "TK-20100070970-01-F001-7.xml", sent.Ticket)

	st, err := c.CheckStatus(ctx, sent.Ticket)
	require.NoError(t, err)
	assert.Equal(t, invoicing.StatusAccepted, st.Status)
	assert.Equal(t, "0", st.CdrStatus)
	assert.Contains(t, st.CdrURL, "TK-20100070970-01-F001-7.xml")
}

func TestClient_HTTPErrors(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := fakeOSE(t, tc.code, "")
			c := New(srv.URL, "secret", "20100070970", time.Second)

			_, err := c.SendToOSE(context.Background(), "<Invoice/>", "x.xml")
			var ge *apperr.GatewayError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, "send", ge.Op)
			assert.Equal(t, tc.retryable, apperr.IsRetryable(err))
			assert.Contains(t, err.Error(), "documento con errores")
		})
	}
}

func TestClient_TimeoutIsRetryable(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	c := New(srv.URL, "", "20100070970", 50*time.Millisecond)
	_, err := c.CheckStatus(context.Background(), "TK-1")
	assert.True(t, apperr.IsRetryable(err))
}

func TestClient_UnknownStatus(t *testing.T) {
	srv := fakeOSE(t, http.StatusOK, "ANULADO")
	c := New(srv.URL, "secret", "20100070970", time.Second)
	_, err := c.CheckStatus(context.Background(), "TK-1")
	var ge *apperr.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.False(t, ge.Retryable)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]invoicing.SunatStatus{
		"":           invoicing.StatusPending,
		"in_process": invoicing.StatusPending,
		"ACCEPTED":   invoicing.StatusAccepted,
		"Rechazado":  invoicing.StatusRejected,
	} {
		got, err := parseStatus("check", in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestClient_PropagatesTraceContext(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got <- req.Header.Get("traceparent")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ACEPTADO"})
	}))
	t.Cleanup(srv.Close)

	ctx, parent := tp.Tracer("test").Start(context.Background(), "invoice.poll")
	_, err := New(srv.URL, "", "20100070970", time.Second).CheckStatus(ctx, "TK-1")
	parent.End()
	require.NoError(t, err)

	assert.Contains(t, <-got, parent.SpanContext().TraceID().String())
	var client sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Parent().SpanID() == parent.SpanContext().SpanID() {
			client = s
		}
	}
	require.NotNil(t, client, "outgoing call must get a child span")
}
