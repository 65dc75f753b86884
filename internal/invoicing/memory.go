package invoicing

import (
	"context"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Invoice
	byOrder map[string]string
	last    map[string]int64 // series -> correlative terakhir
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Invoice),
		byOrder: make(map[string]string),
		last:    make(map[string]int64),
	}
}

func (s *MemoryStore) Create(_ context.Context, inv *Invoice) error {
	if err := inv.CheckTotals(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byOrder[inv.OrderID]; dup {
		return apperr.ErrConflict
	}
	if _, dup := s.byID[inv.ID]; dup {
		return apperr.ErrConflict
	}
	inv.Correlative = s.last[inv.Series] + 1
	s.last[inv.Series] = inv.Correlative
	s.byID[inv.ID] = inv.clone()
	s.byOrder[inv.OrderID] = inv.ID
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return inv.clone(), nil
}

func (s *MemoryStore) FindByOrderID(ctx context.Context, orderID string) (*Invoice, error) {
	s.mu.Lock()
	id, ok := s.byOrder[orderID]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *MemoryStore) Update(_ context.Context, inv *Invoice, prev SunatStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[inv.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if cur.SunatStatus != prev {
		return apperr.ErrStaleWrite
	}
	if err := checkMove(prev, inv.SunatStatus); err != nil {
		return err
	}
	next := cur.clone()
	for _, f := range []struct {
		name     string
		dst      *string
		incoming string
	}{
		{"xml_content", &next.XMLContent, inv.XMLContent},
		{"xml_hash", &next.XMLHash, inv.XMLHash},
		{"ticket", &next.Ticket, inv.Ticket},
		{"cdr_status", &next.CdrStatus, inv.CdrStatus},
		{"cdr_url", &next.CdrURL, inv.CdrURL},
		{"xml_url", &next.XMLURL, inv.XMLURL},
		{"pdf_url", &next.PDFURL, inv.PDFURL},
	} {
		if err := setOnce(f.name, f.dst, f.incoming); err != nil {
			return err
		}
	}
	next.SunatStatus = inv.SunatStatus
	next.GatewayMessage = inv.GatewayMessage
	next.SubmitAttempts = inv.SubmitAttempts
	next.SubmittedAt = inv.SubmittedAt
	next.VoidedAt = inv.VoidedAt
	next.VoidReason = inv.VoidReason
	next.UpdatedAt = time.Now().UTC()
	s.byID[inv.ID] = next.clone()
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, updatedBefore time.Time, maxSubmitAttempts, limit int) ([]*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Invoice
	for _, inv := range s.byID {
		if inv.SunatStatus == StatusPending && !inv.UpdatedAt.After(updatedBefore) && !inv.SubmitExhausted(maxSubmitAttempts) {
			out = append(out, inv.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryLocker is the single-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, apperr.ErrBusy
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(exp) {
			delete(l.held, key)
		}
	}, nil
}
