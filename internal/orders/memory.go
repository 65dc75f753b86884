package orders

import (
	"context"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Order
	byNum map[string]string
	byExt map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Order),
		byNum: make(map[string]string),
		byExt: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byExt[o.ExternalID]; dup {
		return apperr.ErrConflict
	}
	if _, dup := s.byID[o.ID]; dup {
		return apperr.ErrConflict
	}
	cp := cloneOrder(o)
	s.byID[o.ID] = cp
	s.byNum[o.OrderNumber] = o.ID
	s.byExt[o.ExternalID] = o.ID
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) FindByNumber(ctx context.Context, number string) (*Order, error) {
	s.mu.RLock()
	id, ok := s.byNum[number]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *MemoryStore) FindByExternalID(ctx context.Context, externalID string) (*Order, error) {
	s.mu.RLock()
	id, ok := s.byExt[externalID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if o.Status != from {
		return apperr.ErrStaleWrite
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Lines = append([]Line(nil), o.Lines...)
	return &cp
}

type MemoryCatalog struct {
	mu       sync.RWMutex
	variants map[string]Variant
}

func NewMemoryCatalog(vs ...Variant) *MemoryCatalog {
	c := &MemoryCatalog{variants: make(map[string]Variant)}
	for _, v := range vs {
		c.variants[v.ID] = v
	}
	return c
}

func (c *MemoryCatalog) Put(v Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variants[v.ID] = v
}

func (c *MemoryCatalog) Variant(_ context.Context, id string) (Variant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[id]
	if !ok {
		return Variant{}, &apperr.ProductNotFoundError{Ref: id}
	}
	return v, nil
}

type MemoryIntentLog struct {
	mu      sync.Mutex
	intents map[string]*Intent
}

func NewMemoryIntentLog() *MemoryIntentLog {
	return &MemoryIntentLog{intents: make(map[string]*Intent)}
}

func (l *MemoryIntentLog) Begin(_ context.Context, in *Intent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.intents[in.ID]; dup {
		return apperr.ErrConflict
	}
	cp := *in
	cp.Lines = append([]IntentLine(nil), in.Lines...)
	l.intents[in.ID] = &cp
	return nil
}

func (l *MemoryIntentLog) Complete(_ context.Context, id, orderID string) error {
	return l.finish(id, IntentCompleted, orderID, "")
}

func (l *MemoryIntentLog) Abort(_ context.Context, id, reason string) error {
	return l.finish(id, IntentAborted, "", reason)
}

func (l *MemoryIntentLog) finish(id string, st IntentStatus, orderID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if in.Status != IntentPending {
		return nil
	}
	in.Status, in.Reason = st, reason
	if orderID != "" {
		in.OrderID = orderID
	}
	in.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *MemoryIntentLog) ListStale(_ context.Context, olderThan time.Time, limit int) ([]Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Intent
	for _, in := range l.intents {
		if in.Status == IntentPending && in.CreatedAt.Before(olderThan) {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get is used by tests and the recoverer's logging.
func (l *MemoryIntentLog) Get(id string) (Intent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return Intent{}, false
	}
	return *in, true
}
