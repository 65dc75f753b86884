package orders

import (
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"time"
	"unicode"
)

const (
	DocRUC = "RUC"
	DocDNI = "DNI"
	DocCE  = "CE"
)

type Customer struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	DocType   string `json:"doc_type"`   // RUC | DNI | CE
	DocNumber string `json:"doc_number"` // RUC = 11 digit
}

// HasRUC: customer bisa menerima factura (tipe 01).
func (c Customer) HasRUC() bool {
	if c.DocType != DocRUC || len(c.DocNumber) != 11 {
		return false
	}
	for _, r := range c.DocNumber {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	District   string `json:"district,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

// Variant is the sellable unit; Price is tax-inclusive.
type Variant struct {
	ID     string
	SKU    string
	Name   string
	Price  money.Amount
	Active bool
}

type Line struct {
	VariantID string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice money.Amount
	LineTotal money.Amount
}

type Order struct {
	ID              string
	OrderNumber     string
	ExternalID      string
	SessionID       string
	Customer        Customer
	ShippingAddress Address
	Lines           []Line
	Totals          money.TaxBreakdown
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
