package invoicing

import (
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/shopspring/decimal"
	"time"
)

type DocType string

const (
	DocFactura DocType = "01" // customer dengan RUC
	DocBoleta  DocType = "03"
)

type SunatStatus string

const (
	StatusPending  SunatStatus = "PENDING"
	StatusAccepted SunatStatus = "ACCEPTED"
	StatusRejected SunatStatus = "REJECTED"
	StatusVoided   SunatStatus = "VOIDED"
)

var validNext = map[SunatStatus][]SunatStatus{
	StatusPending:  {StatusAccepted, StatusRejected},
	StatusAccepted: {StatusVoided},
}

// CanTransition: PENDING hanya maju ke ACCEPTED/REJECTED, VOIDED hanya dari ACCEPTED.
func CanTransition(from, to SunatStatus) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkMove(from, to SunatStatus) error {
	if from == to || CanTransition(from, to) {
		return nil
	}
	return apperr.Invalid("invoice.status", "cannot move from %s to %s", from, to)
}

func (s SunatStatus) Terminal() bool { return s != StatusPending }

func ParseSunatStatus(s string) (SunatStatus, error) {
	switch st := SunatStatus(s); st {
	case StatusPending, StatusAccepted, StatusRejected, StatusVoided:
		return st, nil
	}
	return "", apperr.Invalid("ParseSunatStatus", "unknown sunat status %q", s)
}

type Invoice struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	DocType      DocType         `json:"doc_type"`
	Series       string          `json:"series"`
	Correlative  int64           `json:"correlative"`
	Currency     money.Currency  `json:"currency"`
	TotalGravado decimal.Decimal `json:"total_gravado"`
	TotalIgv     decimal.Decimal `json:"total_igv"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Customer     orders.Customer `json:"customer"`
	SunatStatus  SunatStatus     `json:"sunat_status"`

	// Diisi bertahap oleh gateway, write-once.
	XMLContent string `json:"-"`
	XMLHash    string `json:"xml_hash,omitempty"`
	Ticket     string `json:"ticket,omitempty"`
	CdrStatus  string `json:"cdr_status,omitempty"`
	CdrURL     string `json:"cdr_url,omitempty"`
	XMLURL     string `json:"xml_url,omitempty"`
	PDFURL     string `json:"pdf_url,omitempty"`

	GatewayMessage string     `json:"gateway_message,omitempty"`
	SubmitAttempts int        `json:"submit_attempts"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	VoidedAt       *time.Time `json:"voided_at,omitempty"`
	VoidReason     string     `json:"void_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Number is the printed document number, e.g. F001-00000042.
func (inv *Invoice) Number() string {
	return fmt.Sprintf("%s-%08d", inv.Series, inv.Correlative)
}

// FileName is the name the OSE receives; a resend of the same document reuses it.
func (inv *Invoice) FileName(companyRUC string) string {
	return fmt.Sprintf("%s-%s-%s-%d.xml", companyRUC, inv.DocType, inv.Series, inv.Correlative)
}

func (inv *Invoice) Signed() bool { return inv.XMLContent != "" && inv.XMLHash != "" }

// Submitted reports whether the OSE already acknowledged the document.
func (inv *Invoice) Submitted() bool { return inv.Ticket != "" || inv.CdrURL != "" || inv.CdrStatus != "" }

// SubmitExhausted: no acknowledgement and no submit attempts left. Only manual
// action moves such an invoice.
func (inv *Invoice) SubmitExhausted(maxAttempts int) bool {
	return !inv.Submitted() && inv.SubmitAttempts >= maxAttempts
}

func (inv *Invoice) CheckTotals() error {
	if !inv.TotalGravado.Add(inv.TotalIgv).Equal(inv.TotalAmount) {
		return fmt.Errorf("invoice %s: gravado %s + igv %s != total %s",
			inv.ID, inv.TotalGravado.StringFixed(2), inv.TotalIgv.StringFixed(2), inv.TotalAmount.StringFixed(2))
	}
	return nil
}

func (inv *Invoice) clone() *Invoice {
	cp := *inv
	if inv.SubmittedAt != nil {
		t := *inv.SubmittedAt
		cp.SubmittedAt = &t
	}
	if inv.VoidedAt != nil {
		t := *inv.VoidedAt
		cp.VoidedAt = &t
	}
	return &cp
}

// setOnce writes v into an empty field. Rewriting the same value is allowed,
// a different one is not.
func setOnce(field string, dst *string, v string) error {
	switch {
	case v == "" || *dst == v:
		return nil
	case *dst == "":
		*dst = v
		return nil
	}
	return apperr.Invalid("invoice."+field, "already set to %q, refusing %q", *dst, v)
}

// DocTypeFor: RUC 11 digit -> factura, selain itu boleta.
func DocTypeFor(c orders.Customer) DocType {
	if c.HasRUC() {
		return DocFactura
	}
	return DocBoleta
}
