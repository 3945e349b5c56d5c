package checkout

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ErrSessionRequired rejects purchases that do not name their checkout session.
var ErrSessionRequired = fmt.Errorf("%w: checkout session is required", ErrInvalidRequest)

// Registry hands out one Coordinator per checkout session so single-flight is
// scoped to the buyer's logical purchase rather than the whole process.
//
// Entries are reference counted and dropped when the last caller returns, so
// only sessions with a request in progress occupy memory.
type Registry struct {
	mu      sync.Mutex
	build   func(sessionKey string) *Coordinator
	entries map[string]*registryEntry
}

type registryEntry struct {
	coord *Coordinator
	refs  int
}

// NewRegistry builds coordinators over shared ports with per-session options.
func NewRegistry(reservations ReservationService, ledger PaymentLedgerService, gateway GatewayClient, opts ...Option) *Registry {
	return &Registry{
		build: func(sessionKey string) *Coordinator {
			all := append(append([]Option(nil), opts...), WithSessionKey(sessionKey))
			return NewCoordinator(reservations, ledger, gateway, all...)
		},
		entries: make(map[string]*registryEntry),
	}
}

// ExecutePurchase runs req on the session's coordinator. Concurrent calls for
// one session share a coordinator, so all but one fail with
// ErrAttemptInFlight.
func (r *Registry) ExecutePurchase(ctx context.Context, sessionKey string, req PurchaseRequest) (Outcome, error) {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return Outcome{}, ErrSessionRequired
	}
	c := r.acquire(key)
	defer r.release(key)
	return c.ExecutePurchase(ctx, req)
}

func (r *Registry) acquire(key string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &registryEntry{coord: r.build(key)}
		r.entries[key] = e
	}
	e.refs++
	return e.coord
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && !e.coord.Busy() {
		delete(r.entries, key)
	}
}

// Sessions counts sessions with a caller inside ExecutePurchase.
func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// InFlight counts sessions with an attempt in progress.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.coord.Busy() {
			n++
		}
	}
	return n
}
