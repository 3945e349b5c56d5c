package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// TransactionState is the progress snapshot dispatched after every transition.
// It is a value; stores receive copies and never share it with the coordinator.
type TransactionState struct {
	SessionKey  string          `json:"session_key"`
	AttemptID   string          `json:"attempt_id"`
	Status      AttemptStatus   `json:"status"`
	Kind        ReservationKind `json:"reservation_kind"`
	Amount      int64           `json:"amount"`
	Method      PaymentMethod   `json:"payment_method"`
	LineItems   []LineItem      `json:"line_items"`
	Buyer       Buyer           `json:"buyer"`
	HoldIDs     []string        `json:"hold_ids,omitempty"`
	GatewayRef  string          `json:"gateway_ref,omitempty"`
	FailureKind FailureKind     `json:"failure_kind,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func snapshot(sessionKey string, a *PaymentAttempt, kind FailureKind) TransactionState {
	items := make([]LineItem, len(a.Request.LineItems))
	copy(items, a.Request.LineItems)
	return TransactionState{
		SessionKey:  sessionKey,
		AttemptID:   a.ID,
		Status:      a.Status,
		Kind:        a.Request.Kind,
		Amount:      a.Request.TotalAmount,
		Method:      a.Request.Method,
		LineItems:   items,
		Buyer:       a.Request.Buyer,
		HoldIDs:     a.holdIDs(),
		GatewayRef:  a.GatewayRef,
		FailureKind: kind,
		UpdatedAt:   a.UpdatedAt,
	}
}

// StateStore holds the in-flight transaction state of a checkout session.
type StateStore interface {
	Save(ctx context.Context, state TransactionState) error
	Clear(ctx context.Context, sessionKey, attemptID string) error
}

// MemoryStateStore keeps the latest state per session in memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]TransactionState
}

// NewMemoryStateStore constructs an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]TransactionState)}
}

func (s *MemoryStateStore) Save(ctx context.Context, state TransactionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SessionKey] = state
	return nil
}

// Clear drops the session's state, but only if it still belongs to attemptID.
func (s *MemoryStateStore) Clear(ctx context.Context, sessionKey, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.states[sessionKey]; ok && cur.AttemptID == attemptID {
		delete(s.states, sessionKey)
	}
	return nil
}

// Current returns the session's in-flight state, if any.
func (s *MemoryStateStore) Current(sessionKey string) (TransactionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sessionKey]
	return state, ok
}

// MultiStateStore writes to several stores in order.
type MultiStateStore struct {
	stores []StateStore
}

// NewMultiStateStore constructs a StateStore that updates each store in sequence.
func NewMultiStateStore(stores ...StateStore) *MultiStateStore {
	return &MultiStateStore{stores: stores}
}

// Save forwards to each store, collecting errors so all stores get a chance to write.
func (m *MultiStateStore) Save(ctx context.Context, state TransactionState) error {
	var errs []error
	for _, store := range m.stores {
		if err := store.Save(ctx, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiStateStore) Clear(ctx context.Context, sessionKey, attemptID string) error {
	var errs []error
	for _, store := range m.stores {
		if err := store.Clear(ctx, sessionKey, attemptID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster pushes messages to the clients watching a session.
type Broadcaster interface {
	Broadcast(sessionKey string, msg []byte)
}

// BroadcastStateStore streams every saved state to a Broadcaster. It keeps no
// state of its own.
type BroadcastStateStore struct {
	broadcaster Broadcaster
}

// NewBroadcastStateStore constructs a store that only broadcasts.
func NewBroadcastStateStore(b Broadcaster) *BroadcastStateStore {
	return &BroadcastStateStore{broadcaster: b}
}

func (s *BroadcastStateStore) Save(ctx context.Context, state TransactionState) error {
	if s.broadcaster == nil {
		return nil
	}
	payload := struct {
		Type  string           `json:"type"`
		State TransactionState `json:"state"`
	}{
		Type:  "transaction_state",
		State: state,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.broadcaster.Broadcast(state.SessionKey, data)
	return nil
}

func (s *BroadcastStateStore) Clear(ctx context.Context, sessionKey, attemptID string) error {
	return nil
}
