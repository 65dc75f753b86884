package invoicing

import (
	"context"
	kafkax "github.com/ariefcatur/go-orders-invoicing/internal/kafka"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-orders-invoicing/internal/invoicing")

// StatusPublisher is told about every terminal sunat status.
type StatusPublisher interface {
	InvoiceStatusChanged(ctx context.Context, inv *Invoice) error
}

// KafkaStatusPublisher menulis ke topic invoice.status, key = order_id.
type KafkaStatusPublisher struct {
	Producer *kafkax.Producer
	Service  string
}

func (p *KafkaStatusPublisher) InvoiceStatusChanged(ctx context.Context, inv *Invoice) error {
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	return orders.PublishEvent(p.Producer, p.Service, orders.EventInvoiceStatusChanged, inv.OrderID, traceID,
		orders.InvoiceStatusPayload{
			InvoiceID:   inv.ID,
			OrderID:     inv.OrderID,
			Series:      inv.Series,
			Correlative: inv.Correlative,
			SunatStatus: string(inv.SunatStatus),
			CdrURL:      inv.CdrURL,
			Message:     inv.GatewayMessage,
		})
}
