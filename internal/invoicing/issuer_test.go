package invoicing

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sort"
	"sync"
	"testing"
	"time"
)

const companyRUC = "20100070970"

type fakeGateway struct {
	mu    sync.Mutex
	sign  func(n int) (SignResult, error)
	send  func(n int) (SendResult, error)
	check func(n int) (StatusResult, error)

	signN, sendN, checkN int
	files                []string
}

func (g *fakeGateway) SignInvoice(_ context.Context, inv *Invoice) (SignResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signN++
	if g.sign != nil {
		return g.sign(g.signN)
	}
	return SignResult{XMLContent: "<Invoice>" + inv.Number() + "</Invoice>", Hash: "hash-" + inv.Number()}, nil
}

func (g *fakeGateway) SendToOSE(_ context.Context, _ string, fileName string) (SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendN++
	g.files = append(g.files, fileName)
	if g.send != nil {
		return g.send(g.sendN)
	}
	return SendResult{Ticket: "T-1", Status: StatusPending}, nil
}

func (g *fakeGateway) CheckStatus(_ context.Context, _ string) (StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkN++
	if g.check != nil {
		return g.check(g.checkN)
	}
	return StatusResult{Status: StatusAccepted, CdrURL: "https://ose.test/cdr/1.zip", CdrStatus: "0"}, nil
}

type recordingEvents struct {
	mu  sync.Mutex
	got []SunatStatus
}

func (r *recordingEvents) InvoiceStatusChanged(_ context.Context, inv *Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, inv.SunatStatus)
	return nil
}

type harness struct {
	issuer *Issuer
	store  *MemoryStore
	gw     *fakeGateway
	events *recordingEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	engine, err := money.NewEngine(money.DefaultConfig())
	require.NoError(t, err)
	h := &harness{store: NewMemoryStore(), gw: &fakeGateway{}, events: &recordingEvents{}}
	h.issuer = &Issuer{
		Engine:      engine,
		Store:       h.store,
		Gateway:     h.gw,
		Locker:      NewMemoryLocker(),
		Events:      h.events,
		Config:      Config{CompanyRUC: companyRUC, MaxSubmitAttempts: 2},
		SignBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	return h
}

var (
	rucCustomer = orders.Customer{Name: "Comercial Andina SAC", DocType: orders.DocRUC, DocNumber: "20512345678"}
	dniCustomer = orders.Customer{Name: "Ana Quispe", DocType: orders.DocDNI, DocNumber: "45678912"}
)

func testOrder(id string, c orders.Customer) *orders.Order {
	return &orders.Order{
		ID:       id,
		Customer: c,
		Status:   orders.StatusCreated,
		Totals: money.TaxBreakdown{
			Base:     decimal.RequireFromString("169.49"),
			Tax:      decimal.RequireFromString("30.51"),
			Total:    decimal.RequireFromString("200.00"),
			Currency: money.PEN,
		},
	}
}

func quickBudget(retries uint64) backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
}

func TestCreate_DocumentTypeAndTotals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	f, err := h.issuer.Create(ctx, testOrder("o-1", rucCustomer))
	require.NoError(t, err)
	assert.Equal(t, DocFactura, f.DocType)
	assert.Equal(t, "F001", f.Series)
	assert.Equal(t, int64(1), f.Correlative)
	assert.Equal(t, StatusPending, f.SunatStatus)
	assert.Equal(t, "169.49", f.TotalGravado.StringFixed(2))
	assert.Equal(t, "30.51", f.TotalIgv.StringFixed(2))
	assert.Equal(t, "200.00", f.TotalAmount.StringFixed(2))
	require.NoError(t, f.CheckTotals())
	assert.Equal(t, "20100070970-01-F001-1.xml", f.FileName(companyRUC))
	assert.Equal(t, "F001-00000001", f.Number())

	b, err := h.issuer.Create(ctx, testOrder("o-2", dniCustomer))
	require.NoError(t, err)
	assert.Equal(t, DocBoleta, b.DocType)
	assert.Equal(t, "B001", b.Series)
	assert.Equal(t, int64(1), b.Correlative, "each series counts on its own")

	again, err := h.issuer.Create(ctx, testOrder("o-1", rucCustomer))
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID, "one invoice per order")

	cancelled := testOrder("o-3", dniCustomer)
	cancelled.Status = orders.StatusCancelled
	_, err = h.issuer.Create(ctx, cancelled)
	var ie *apperr.InvalidOperationError
	assert.True(t, errors.As(err, &ie))
}

func TestCreate_ConcurrentCorrelativesAreGapFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	got := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := h.issuer.Create(ctx, testOrder(fmt.Sprintf("o-%d", i), dniCustomer))
			if assert.NoError(t, err) {
				got[i] = inv.Correlative
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, c := range got {
		assert.Equal(t, int64(i+1), c)
	}
}

func TestIssue_AcceptedAfterPolling(t *testing.T) {
	h := newHarness(t)
	h.gw.check = func(n int) (StatusResult, error) {
		if n < 3 {
			return StatusResult{Status: StatusPending}, nil
		}
		return StatusResult{Status: StatusAccepted, CdrURL: "https://ose.test/cdr/F001-1.zip", CdrStatus: "0", Message: "La Factura ha sido aceptada"}, nil
	}

	inv, err := h.issuer.Issue(context.Background(), testOrder("o-1", rucCustomer), quickBudget(5))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, inv.SunatStatus)
	assert.Equal(t, "T-1", inv.Ticket)
	assert.Equal(t, "https://ose.test/cdr/F001-1.zip", inv.CdrURL)
	assert.NotEmpty(t, inv.XMLHash)
	assert.Equal(t, 3, h.gw.checkN)
	assert.Equal(t, []SunatStatus{StatusAccepted}, h.events.got)

	stored, err := h.store.FindByID(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, stored.SunatStatus)
}

func TestPoll_TimeoutStaysPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.check = func(int) (StatusResult, error) { return StatusResult{Status: StatusPending}, nil }

	inv, err := h.issuer.Issue(ctx, testOrder("o-1", dniCustomer), quickBudget(2))
	require.NoError(t, err, "an exhausted budget is not an error")
	assert.Equal(t, StatusPending, inv.SunatStatus)
	assert.Equal(t, 3, h.gw.checkN)

	for i := 0; i < 3; i++ {
		inv, err = h.issuer.Poll(ctx, inv.ID, quickBudget(1))
		require.NoError(t, err)
		assert.Equal(t, StatusPending, inv.SunatStatus)
	}
	assert.Equal(t, 1, h.gw.sendN, "polling never resubmits")
	assert.Empty(t, h.events.got)
}

func TestPoll_RetryableErrorsStayPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.check = func(int) (StatusResult, error) {
		return StatusResult{}, &apperr.GatewayError{Op: "check", Retryable: true, Err: context.DeadlineExceeded}
	}

	inv, err := h.issuer.Issue(ctx, testOrder("o-1", dniCustomer), quickBudget(3))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inv.SunatStatus)
	assert.NotEmpty(t, inv.Ticket)
}

func TestPoll_CallerTimeoutStaysPending(t *testing.T) {
	h := newHarness(t)
	h.gw.check = func(int) (StatusResult, error) { return StatusResult{Status: StatusPending}, nil }
	inv, err := h.issuer.Issue(context.Background(), testOrder("o-1", dniCustomer), quickBudget(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	slow := backoff.NewConstantBackOff(10 * time.Millisecond) // unbounded, only ctx stops it
	inv, err = h.issuer.Poll(ctx, inv.ID, slow)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inv.SunatStatus)
}

func TestPoll_RejectedIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.check = func(int) (StatusResult, error) {
		return StatusResult{Status: StatusRejected, CdrStatus: "2017", Message: "El numero de RUC del receptor no existe"}, nil
	}

	inv, err := h.issuer.Issue(ctx, testOrder("o-1", rucCustomer), quickBudget(1))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, inv.SunatStatus)
	assert.Equal(t, "2017", inv.CdrStatus)

	// terminal: a later poll is a no-op
	inv, err = h.issuer.Poll(ctx, inv.ID, quickBudget(1))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, inv.SunatStatus)
	assert.Equal(t, 1, h.gw.checkN)
}

func TestPoll_NonRetryableErrorSurfaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.check = func(int) (StatusResult, error) {
		return StatusResult{}, &apperr.GatewayError{Op: "check", Err: errors.New("http 401: invalid token")}
	}

	inv, err := h.issuer.Issue(ctx, testOrder("o-1", dniCustomer), quickBudget(3))
	var ge *apperr.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, 1, h.gw.checkN)

	stored, err := h.store.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.SunatStatus)
	assert.NotEmpty(t, stored.XMLHash)
	assert.Equal(t, "T-1", stored.Ticket)
}

func TestSubmit_SynchronousCDR(t *testing.T) {
	h := newHarness(t)
	h.gw.send = func(int) (SendResult, error) {
		return SendResult{Status: StatusAccepted, CdrURL: "https://ose.test/cdr/B001-1.zip", PDFURL: "https://ose.test/pdf/B001-1.pdf", CdrStatus: "0"}, nil
	}

	inv, err := h.issuer.Issue(context.Background(), testOrder("o-1", dniCustomer), quickBudget(3))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, inv.SunatStatus)
	assert.Equal(t, "https://ose.test/pdf/B001-1.pdf", inv.PDFURL)
	assert.Zero(t, h.gw.checkN)
	assert.Equal(t, []SunatStatus{StatusAccepted}, h.events.got)
}

func TestSubmit_NeverResendsAcknowledgedDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv, err := h.issuer.Create(ctx, testOrder("o-1", dniCustomer))
	require.NoError(t, err)
	_, err = h.issuer.Sign(ctx, inv.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := h.issuer.Submit(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, "T-1", got.Ticket)
	}
	assert.Equal(t, 1, h.gw.sendN)
}

func TestSubmit_FailedAttemptKeepsFieldsAndReusesFileName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.send = func(n int) (SendResult, error) {
		if n == 1 {
			return SendResult{}, &apperr.GatewayError{Op: "send", Retryable: true, Err: context.DeadlineExceeded}
		}
		return SendResult{Ticket: "T-9", Status: StatusPending}, nil
	}

	inv, err := h.issuer.Create(ctx, testOrder("o-1", rucCustomer))
	require.NoError(t, err)
	signed, err := h.issuer.Sign(ctx, inv.ID)
	require.NoError(t, err)

	_, err = h.issuer.Submit(ctx, inv.ID)
	require.True(t, apperr.IsRetryable(err))
	stored, _ := h.store.FindByID(ctx, inv.ID)
	assert.Equal(t, StatusPending, stored.SunatStatus)
	assert.Equal(t, signed.XMLHash, stored.XMLHash)
	assert.Equal(t, 1, stored.SubmitAttempts)
	assert.Empty(t, stored.Ticket)

	got, err := h.issuer.Submit(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "T-9", got.Ticket)
	assert.Equal(t, 2, got.SubmitAttempts)
	require.Len(t, h.gw.files, 2)
	assert.Equal(t, h.gw.files[0], h.gw.files[1])
	assert.Equal(t, "20100070970-01-F001-1.xml", h.gw.files[0])
}

func TestSubmit_AttemptsAreCapped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.send = func(int) (SendResult, error) {
		return SendResult{}, &apperr.GatewayError{Op: "send", Retryable: true, Err: errors.New("http 503")}
	}
	inv, err := h.issuer.Create(ctx, testOrder("o-1", dniCustomer))
	require.NoError(t, err)
	_, err = h.issuer.Sign(ctx, inv.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = h.issuer.Submit(ctx, inv.ID)
		require.Error(t, err)
	}
	_, err = h.issuer.Submit(ctx, inv.ID)
	var ie *apperr.InvalidOperationError
	assert.True(t, errors.As(err, &ie))
	assert.Equal(t, 2, h.gw.sendN)
}

func TestSubmit_RequiresSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv, err := h.issuer.Create(ctx, testOrder("o-1", dniCustomer))
	require.NoError(t, err)
	_, err = h.issuer.Submit(ctx, inv.ID)
	var ie *apperr.InvalidOperationError
	assert.True(t, errors.As(err, &ie))
	assert.Zero(t, h.gw.sendN)
}

func TestSign_RetriesRetryableFailures(t *testing.T) {
	h := newHarness(t)
	h.issuer.SignBackOff = func() backoff.BackOff { return quickBudget(3) }
	h.gw.sign = func(n int) (SignResult, error) {
		if n < 3 {
			return SignResult{}, &apperr.GatewayError{Op: "sign", Retryable: true, Err: errors.New("http 502")}
		}
		return SignResult{XMLContent: "<Invoice/>", Hash: "abc"}, nil
	}
	ctx := context.Background()
	inv, err := h.issuer.Create(ctx, testOrder("o-1", dniCustomer))
	require.NoError(t, err)

	signed, err := h.issuer.Sign(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", signed.XMLHash)
	assert.Equal(t, 3, h.gw.signN)
	assert.Equal(t, StatusPending, signed.SunatStatus)
}

func TestSign_FailureLeavesInvoiceUntouched(t *testing.T) {
	h := newHarness(t)
	h.gw.sign = func(int) (SignResult, error) {
		return SignResult{}, &apperr.GatewayError{Op: "sign", Err: errors.New("http 400: bad customer")}
	}
	ctx := context.Background()
	inv, err := h.issuer.Issue(ctx, testOrder("o-1", dniCustomer), nil)
	require.Error(t, err)
	require.NotNil(t, inv)

	stored, err := h.store.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.SunatStatus)
	assert.Empty(t, stored.XMLHash)
	assert.Zero(t, h.gw.sendN)
}

func TestVoid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.issuer.Create(ctx, testOrder("o-1", dniCustomer))
	require.NoError(t, err)
	_, err = h.issuer.Void(ctx, pending.ID, "cliente desistió")
	var ie *apperr.InvalidOperationError
	assert.True(t, errors.As(err, &ie), "PENDING cannot be voided")

	accepted, err := h.issuer.Issue(ctx, testOrder("o-2", rucCustomer), quickBudget(1))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.SunatStatus)

	_, err = h.issuer.Void(ctx, accepted.ID, "")
	assert.True(t, errors.As(err, &ie), "reason required")

	voided, err := h.issuer.Void(ctx, accepted.ID, "devolución total")
	require.NoError(t, err)
	assert.Equal(t, StatusVoided, voided.SunatStatus)
	assert.NotNil(t, voided.VoidedAt)
	assert.Equal(t, accepted.CdrURL, voided.CdrURL, "gateway fields survive the void")

	_, err = h.issuer.Void(ctx, accepted.ID, "again")
	assert.True(t, errors.As(err, &ie))
	assert.Equal(t, []SunatStatus{StatusAccepted, StatusVoided}, h.events.got)

	h.gw.check = func(int) (StatusResult, error) { return StatusResult{Status: StatusRejected}, nil }
	rejected, err := h.issuer.Issue(ctx, testOrder("o-3", dniCustomer), quickBudget(1))
	require.NoError(t, err)
	_, err = h.issuer.Void(ctx, rejected.ID, "x")
	assert.True(t, errors.As(err, &ie), "REJECTED cannot be voided")
}

func TestLockedInvoiceIsBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv, err := h.issuer.Create(ctx, testOrder("o-1", dniCustomer))
	require.NoError(t, err)

	locker := h.issuer.Locker.(*MemoryLocker)
	unlock, err := locker.TryLock(ctx, "lock:invoice:"+inv.ID, time.Minute)
	require.NoError(t, err)

	_, err = h.issuer.Sign(ctx, inv.ID)
	assert.ErrorIs(t, err, apperr.ErrBusy)
	unlock()

	_, err = h.issuer.Sign(ctx, inv.ID)
	assert.NoError(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusAccepted))
	assert.True(t, CanTransition(StatusPending, StatusRejected))
	assert.True(t, CanTransition(StatusAccepted, StatusVoided))
	assert.False(t, CanTransition(StatusAccepted, StatusPending))
	assert.False(t, CanTransition(StatusRejected, StatusPending))
	assert.False(t, CanTransition(StatusRejected, StatusVoided))
	assert.False(t, CanTransition(StatusVoided, StatusAccepted))
}

func TestParseSunatStatus(t *testing.T) {
	st, err := ParseSunatStatus("VOIDED")
	require.NoError(t, err)
	assert.Equal(t, StatusVoided, st)

	_, err = ParseSunatStatus("ANULADO")
	var ie *apperr.InvalidOperationError
	assert.True(t, errors.As(err, &ie))
}
