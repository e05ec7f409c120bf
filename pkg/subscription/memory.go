package subscription

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements every repository interface of the package in
// memory, for tests and local development.
type MemoryStorage struct {
	mu        sync.RWMutex
	subs      map[uuid.UUID]*Subscription
	events    map[ledgerKey]AppliedEvent
	audit     []AuditEntry
	checkouts map[uuid.UUID]CheckoutAttempt

	// Counter rows each carry their own lock, so unrelated keys never contend.
	counters sync.Map // CounterKey -> *memCounter
}

type ledgerKey struct {
	provider Provider
	eventID  string
}

type memCounter struct {
	mu  sync.Mutex
	row UsageCounter
	set bool
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		subs:      make(map[uuid.UUID]*Subscription),
		events:    make(map[ledgerKey]AppliedEvent),
		checkouts: make(map[uuid.UUID]CheckoutAttempt),
	}
}

// Get implements SubscriptionRepository.
func (ms *MemoryStorage) Get(_ context.Context, accountID uuid.UUID) (*Subscription, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	sub, ok := ms.subs[accountID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// FindByProviderRef implements SubscriptionRepository.
func (ms *MemoryStorage) FindByProviderRef(_ context.Context, provider Provider, subscriptionID string) (*Subscription, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	for _, sub := range ms.subs {
		if sub.ProviderRef != nil && sub.ProviderRef.Provider == provider && sub.ProviderRef.SubscriptionID == subscriptionID {
			return sub.Clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

// CompareAndSwap implements SubscriptionRepository.
func (ms *MemoryStorage) CompareAndSwap(_ context.Context, next *Subscription, expectedVersion int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var stored int64
	if cur, ok := ms.subs[next.AccountID]; ok {
		stored = cur.Version
	}
	if stored != expectedVersion {
		return ErrVersionConflict
	}
	ms.subs[next.AccountID] = next.Clone()
	return nil
}

// ListForReconciliation implements SubscriptionRepository.
func (ms *MemoryStorage) ListForReconciliation(_ context.Context, q ReconcileQuery) ([]*Subscription, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*Subscription
	for _, sub := range ms.subs {
		if matchesReconcile(sub, q) {
			out = append(out, sub.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesReconcile(sub *Subscription, q ReconcileQuery) bool {
	if sub.ProviderRef == nil || sub.IsCancelled() {
		return false
	}
	switch {
	case slices.Contains(q.AmbiguousStatuses, sub.Status) && sub.UpdatedAt.Before(q.StaleBefore):
		return true
	case len(sub.LastEventAt) == 0 && len(sub.LastInvoiceAt) == 0 && sub.UpdatedAt.Before(q.CheckoutBefore):
		return true
	case !q.ResyncBefore.IsZero() && sub.UpdatedAt.Before(q.ResyncBefore):
		return true
	}
	return false
}

// Lookup implements EventLedger.
func (ms *MemoryStorage) Lookup(_ context.Context, provider Provider, eventID string) (AppliedEvent, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	ev, ok := ms.events[ledgerKey{provider, eventID}]
	return ev, ok, nil
}

// Record implements EventLedger.
func (ms *MemoryStorage) Record(_ context.Context, ev AppliedEvent) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	key := ledgerKey{ev.Provider, ev.EventID}
	if _, ok := ms.events[key]; ok {
		return ErrDuplicateEvent
	}
	ms.events[key] = ev
	return nil
}

// Append implements AuditLog.
func (ms *MemoryStorage) Append(_ context.Context, entry AuditEntry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.audit = append(ms.audit, entry)
	return nil
}

// AuditTrail returns the audit rows of an account in append order.
func (ms *MemoryStorage) AuditTrail(accountID uuid.UUID) []AuditEntry {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []AuditEntry
	for _, e := range ms.audit {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

func (ms *MemoryStorage) counter(key CounterKey) *memCounter {
	key.PeriodStart = key.PeriodStart.UTC()
	c, _ := ms.counters.LoadOrStore(key, &memCounter{})
	return c.(*memCounter)
}

// Counters returns the CounterRepository view of the storage.
func (ms *MemoryStorage) Counters() CounterRepository {
	return memoryCounters{ms: ms}
}

// memoryCounters guards every counter row with a per-key mutex.
type memoryCounters struct {
	ms *MemoryStorage
}

func (mc memoryCounters) IncrementWithin(_ context.Context, key CounterKey, amount, limitIfNew int64) (UsageCounter, bool, error) {
	c := mc.ms.counter(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		c.row = UsageCounter{Key: key, Limit: limitIfNew}
		c.set = true
	}
	if c.row.Limit != Unlimited && c.row.Used+amount > c.row.Limit {
		return c.row, false, nil
	}
	c.row.Used += amount
	c.row.Version++
	return c.row, true, nil
}

func (mc memoryCounters) Get(_ context.Context, key CounterKey) (UsageCounter, error) {
	c := mc.ms.counter(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return UsageCounter{}, ErrCounterNotFound
	}
	return c.row, nil
}

func (mc memoryCounters) Prepare(_ context.Context, key CounterKey, limit int64) error {
	c := mc.ms.counter(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		c.row = UsageCounter{Key: key, Limit: limit}
		c.set = true
		return nil
	}
	if c.row.Used == 0 {
		c.row.Limit = limit
	}
	return nil
}

// Checkouts returns the CheckoutRepository view of the storage.
func (ms *MemoryStorage) Checkouts() CheckoutRepository {
	return memoryCheckouts{ms: ms}
}

type memoryCheckouts struct {
	ms *MemoryStorage
}

func (m memoryCheckouts) Create(_ context.Context, attempt CheckoutAttempt) error {
	m.ms.mu.Lock()
	defer m.ms.mu.Unlock()
	m.ms.checkouts[attempt.ID] = attempt
	return nil
}

func (m memoryCheckouts) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]CheckoutAttempt, error) {
	m.ms.mu.RLock()
	defer m.ms.mu.RUnlock()

	var out []CheckoutAttempt
	for _, a := range m.ms.checkouts {
		if a.Status == CheckoutPending && a.CreatedAt.Before(createdBefore) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b CheckoutAttempt) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memoryCheckouts) Resolve(_ context.Context, id uuid.UUID, status CheckoutStatus, at time.Time) error {
	m.ms.mu.Lock()
	defer m.ms.mu.Unlock()
	a, ok := m.ms.checkouts[id]
	if !ok {
		return nil
	}
	a.Status = status
	a.ResolvedAt = &at
	m.ms.checkouts[id] = a
	return nil
}

var (
	_ SubscriptionRepository = (*MemoryStorage)(nil)
	_ EventLedger            = (*MemoryStorage)(nil)
	_ AuditLog               = (*MemoryStorage)(nil)
	_ CounterRepository      = memoryCounters{}
	_ CheckoutRepository     = memoryCheckouts{}
)
