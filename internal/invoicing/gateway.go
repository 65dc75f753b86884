package invoicing

import "context"

type SignResult struct {
	XMLContent string
	Hash       string
}

// SendResult: either Ticket (async, poll later) or a synchronous CDR.
type SendResult struct {
	Ticket    string
	CdrURL    string
	XMLURL    string
	PDFURL    string
	CdrStatus string
	Status    SunatStatus
	Message   string
}

type StatusResult struct {
	Status    SunatStatus
	CdrURL    string
	CdrStatus string
	Message   string
}

// Gateway is the OSE billing gateway. Implementations return
// *apperr.GatewayError on failure, Retryable for timeouts and 5xx.
type Gateway interface {
	SignInvoice(ctx context.Context, inv *Invoice) (SignResult, error)
	SendToOSE(ctx context.Context, signedXML, fileName string) (SendResult, error)
	CheckStatus(ctx context.Context, ticket string) (StatusResult, error)
}
