// Package ose talks to the OSE (electronic-document intermediary) REST API.
package ose

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/invoicing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTimeout = 10 * time.Second

// Client implements invoicing.Gateway. Every call is bounded by Timeout;
// timeouts, transport errors, 429 and 5xx are reported as retryable.
type Client struct {
	BaseURL    string
	Token      string
	CompanyRUC string
	Timeout    time.Duration
	HTTP       *http.Client
}

var _ invoicing.Gateway = (*Client)(nil)

func New(baseURL, token, companyRUC string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		CompanyRUC: companyRUC,
		Timeout:    timeout,
		HTTP:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type signRequest struct {
	CompanyRUC  string       `json:"company_ruc"`
	DocType     string       `json:"document_type"`
	Series      string       `json:"series"`
	Correlative int64        `json:"correlative"`
	IssueDate   string       `json:"issue_date"`
	Currency    string       `json:"currency"`
	Gravado     string       `json:"total_gravado"`
	Igv         string       `json:"total_igv"`
	Total       string       `json:"total_amount"`
	Customer    signCustomer `json:"customer"`
}

type signCustomer struct {
	DocType   string `json:"doc_type"`
	DocNumber string `json:"doc_number"`
	Name      string `json:"name"`
}

type signResponse struct {
	XML  string `json:"xml"`
	Hash string `json:"hash"`
}

type sendRequest struct {
	FileName string `json:"file_name"`
	Content  string `json:"content_base64"`
}

type sendResponse struct {
	Ticket    string `json:"ticket"`
	Status    string `json:"status"`
	CdrURL    string `json:"cdr_url"`
	CdrStatus string `json:"cdr_code"`
	XMLURL    string `json:"xml_url"`
	PDFURL    string `json:"pdf_url"`
	Message   string `json:"message"`
}

type statusResponse struct {
	Status    string `json:"status"`
	CdrURL    string `json:"cdr_url"`
	CdrStatus string `json:"cdr_code"`
	Message   string `json:"message"`
}

func (c *Client) SignInvoice(ctx context.Context, inv *invoicing.Invoice) (invoicing.SignResult, error) {
	req := signRequest{
		CompanyRUC:  c.CompanyRUC,
		DocType:     string(inv.DocType),
		Series:      inv.Series,
		Correlative: inv.Correlative,
		IssueDate:   inv.CreatedAt.Format("2006-01-02"),
		Currency:    string(inv.Currency),
		Gravado:     inv.TotalGravado.StringFixed(2),
		Igv:         inv.TotalIgv.StringFixed(2),
		Total:       inv.TotalAmount.StringFixed(2),
		Customer: signCustomer{
			DocType:   inv.Customer.DocType,
			DocNumber: inv.Customer.DocNumber,
			Name:      inv.Customer.Name,
		},
	}
	var res signResponse
	if err := c.do(ctx, "sign", http.MethodPost, "/v1/documents/sign", req, &res); err != nil {
		return invoicing.SignResult{}, err
	}
	return invoicing.SignResult{XMLContent: res.XML, Hash: res.Hash}, nil
}

func (c *Client) SendToOSE(ctx context.Context, signedXML, fileName string) (invoicing.SendResult, error) {
	req := sendRequest{FileName: fileName, Content: base64.StdEncoding.EncodeToString([]byte(signedXML))}
	var res sendResponse
	if err := c.do(ctx, "send", http.MethodPost, "/v1/documents/send", req, &res); err != nil {
		return invoicing.SendResult{}, err
	}
	st, err := parseStatus("send", res.Status)
	if err != nil {
		return invoicing.SendResult{}, err
	}
	return invoicing.SendResult{
		Ticket:    res.Ticket,
		CdrURL:    res.CdrURL,
		XMLURL:    res.XMLURL,
		PDFURL:    res.PDFURL,
		CdrStatus: res.CdrStatus,
		Status:    st,
		Message:   res.Message,
	}, nil
}

func (c *Client) CheckStatus(ctx context.Context, ticket string) (invoicing.StatusResult, error) {
	var res statusResponse
	if err := c.do(ctx, "check", http.MethodGet, "/v1/tickets/"+url.PathEscape(ticket), nil, &res); err != nil {
		return invoicing.StatusResult{}, err
	}
	st, err := parseStatus("check", res.Status)
	if err != nil {
		return invoicing.StatusResult{}, err
	}
	return invoicing.StatusResult{Status: st, CdrURL: res.CdrURL, CdrStatus: res.CdrStatus, Message: res.Message}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &apperr.GatewayError{Op: op, Err: err}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return &apperr.GatewayError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		// timeout / koneksi putus: status di OSE tidak diketahui, aman untuk diulang
		return &apperr.GatewayError{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &apperr.GatewayError{Op: op, Retryable: true, Err: err}
	}
	if resp.StatusCode >= 300 {
		return &apperr.GatewayError{
			Op:        op,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       fmt.Errorf("http %d: %s", resp.StatusCode, errorMessage(raw)),
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &apperr.GatewayError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func parseStatus(op, s string) (invoicing.SunatStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PENDING", "IN_PROCESS":
		return invoicing.StatusPending, nil
	case "ACCEPTED", "ACEPTADO":
		return invoicing.StatusAccepted, nil
	case "REJECTED", "RECHAZADO":
		return invoicing.StatusRejected, nil
	}
	return "", &apperr.GatewayError{Op: op, Err: errors.New("unknown status " + s)}
}

func errorMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
