package entitlement

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/plan"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// subView is the cached slice of one subscription the evaluator needs:
// its lifecycle status and the resolved plan. Usage counters are never
// cached; quota answers always read the live ledger.
type subView struct {
	ID     uuid.UUID
	Status subscription.Status
	Plan   plan.Plan
}

// customerView aggregates a customer's subscriptions for entitlement checks.
type customerView struct {
	CustomerID    string
	Subscriptions []subView
	loadedAt      time.Time
}

// live returns the customer's active subscription views.
func (v *customerView) live() []subView {
	out := make([]subView, 0, len(v.Subscriptions))
	for _, s := range v.Subscriptions {
		if s.Status == subscription.StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// viewCache is an LRU cache of customer entitlement views with a TTL bound.
// Invalidation is keyed by subscription ID because that is what lifecycle
// transitions carry; a reverse index maps each cached subscription back to
// its customer entry.
type viewCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	eviction *list.List
	bySubID  map[uuid.UUID]string
	now      func() time.Time
}

func newViewCache(capacity int, ttl time.Duration, now func() time.Time) *viewCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if now == nil {
		now = time.Now
	}
	return &viewCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		bySubID:  make(map[uuid.UUID]string),
		now:      now,
	}
}

func (c *viewCache) get(customerID string) (*customerView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[customerID]
	if !ok {
		return nil, false
	}

	view := elem.Value.(*customerView)
	if c.ttl > 0 && c.now().Sub(view.loadedAt) > c.ttl {
		c.removeLocked(elem)
		return nil, false
	}

	c.eviction.MoveToFront(elem)
	return view, true
}

func (c *viewCache) put(view *customerView) {
	c.mu.Lock()
	defer c.mu.Unlock()

	view.loadedAt = c.now()

	if elem, ok := c.items[view.CustomerID]; ok {
		c.removeLocked(elem)
	}

	elem := c.eviction.PushFront(view)
	c.items[view.CustomerID] = elem
	for _, s := range view.Subscriptions {
		c.bySubID[s.ID] = view.CustomerID
	}

	if c.eviction.Len() > c.capacity {
		if oldest := c.eviction.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
}

// invalidateSub drops the customer entry holding the given subscription.
func (c *viewCache) invalidateSub(subID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	customerID, ok := c.bySubID[subID]
	if !ok {
		return
	}
	if elem, ok := c.items[customerID]; ok {
		c.removeLocked(elem)
	}
	delete(c.bySubID, subID)
}

// removeLocked unlinks an entry and its reverse-index rows. Callers hold mu.
func (c *viewCache) removeLocked(elem *list.Element) {
	view := elem.Value.(*customerView)
	c.eviction.Remove(elem)
	delete(c.items, view.CustomerID)
	for _, s := range view.Subscriptions {
		delete(c.bySubID, s.ID)
	}
}

func (c *viewCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}
