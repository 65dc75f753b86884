package orders

import (
	"context"
	"encoding/json"
	kafkax "github.com/ariefcatur/go-orders-invoicing/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"time"
)

const (
	EventOrderCreated         = "OrderCreated"
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventInvoiceStatusChanged = "InvoiceStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // biasanya order_id
	Payload       json.RawMessage `json:"payload"`                  // payload spesifik
}

// ---- Payload tipe per event ----

type LinePayload struct {
	VariantID string `json:"variant_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Qty       int    `json:"qty"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

// OrderCreatedPayload is self-contained so the invoicer never re-reads the order.
type OrderCreatedPayload struct {
	OrderID     string        `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	ExternalID  string        `json:"external_id"`
	Customer    Customer      `json:"customer"`
	Lines       []LinePayload `json:"lines"`
	Currency    string        `json:"currency"`
	Base        string        `json:"base"`
	Tax         string        `json:"tax"`
	Total       string        `json:"total"`
}

type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type InvoiceStatusPayload struct {
	InvoiceID   string `json:"invoice_id"`
	OrderID     string `json:"order_id"`
	Series      string `json:"series"`
	Correlative int64  `json:"correlative"`
	SunatStatus string `json:"sunat_status"`
	CdrURL      string `json:"cdr_url,omitempty"`
	Message     string `json:"message,omitempty"`
}

func NewOrderCreatedPayload(o *Order) OrderCreatedPayload {
	lines := make([]LinePayload, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, LinePayload{
			VariantID: l.VariantID, SKU: l.SKU, Name: l.Name, Qty: l.Quantity,
			UnitPrice: l.UnitPrice.Value.StringFixed(2),
			LineTotal: l.LineTotal.Value.StringFixed(2),
		})
	}
	return OrderCreatedPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		ExternalID:  o.ExternalID,
		Customer:    o.Customer,
		Lines:       lines,
		Currency:    string(o.Totals.Currency),
		Base:        o.Totals.Base.StringFixed(2),
		Tax:         o.Totals.Tax.StringFixed(2),
		Total:       o.Totals.Total.StringFixed(2),
	}
}

// Publisher is notified after an order is persisted or changes status.
type Publisher interface {
	OrderCreated(ctx context.Context, o *Order) error
	OrderStatusChanged(ctx context.Context, orderID string, from, to Status) error
}

// KafkaPublisher menulis envelope v1 ke topic order.created / order.status.
type KafkaPublisher struct {
	Created *kafkax.Producer
	Status  *kafkax.Producer
	Service string
}

func (p *KafkaPublisher) OrderCreated(ctx context.Context, o *Order) error {
	return publish(p.Created, p.Service, EventOrderCreated, o.ID, traceID(ctx), NewOrderCreatedPayload(o))
}

func (p *KafkaPublisher) OrderStatusChanged(ctx context.Context, orderID string, from, to Status) error {
	if p.Status == nil {
		return nil
	}
	return publish(p.Status, p.Service, EventOrderStatusChanged, orderID, traceID(ctx),
		OrderStatusPayload{OrderID: orderID, From: string(from), To: string(to)})
}

// PublishEvent is shared with the invoicer for invoice.status events.
func PublishEvent(prod *kafkax.Producer, service, eventType, orderID, trace string, payload any) error {
	return publish(prod, service, eventType, orderID, trace, payload)
}

func publish(prod *kafkax.Producer, service, eventType, orderID, trace string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      service,
		TraceID:       trace,
		CorrelationID: orderID,
		Payload:       body,
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	prod.Publish(PartitionKey(orderID), value,
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	return nil
}
