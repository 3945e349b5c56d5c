package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// callLog records remote calls across fakes in the order they happen.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.list() {
		if c == name {
			n++
		}
	}
	return n
}

func (l *callLog) index(name string) int {
	for i, c := range l.list() {
		if c == name {
			return i
		}
	}
	return -1
}

type spyReservations struct {
	log        *callLog
	mu         sync.Mutex
	createErr  error
	partial    int
	releaseErr error
	seq        int
	released   []string
	created    []string
}

func (s *spyReservations) CreateHolds(ctx context.Context, kind ReservationKind, items []LineItem) ([]ReservationHold, error) {
	s.log.add("create_holds")
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(items)
	if s.createErr != nil {
		n = s.partial
	}
	holds := make([]ReservationHold, 0, n)
	for _, item := range items[:n] {
		s.seq++
		id := fmt.Sprintf("hold-%d", s.seq)
		s.created = append(s.created, id)
		holds = append(holds, ReservationHold{HoldID: id, ItemRef: item.ItemRef, Status: HoldPending, ExpiresAt: time.Now().Add(time.Minute)})
	}
	return holds, s.createErr
}

func (s *spyReservations) Release(ctx context.Context, holdIDs []string) error {
	s.log.add("release")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, holdIDs...)
	return s.releaseErr
}

func (s *spyReservations) releasedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

func (s *spyReservations) createdIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

type spyLedger struct {
	log        *callLog
	recordErr  error
	verifyErr  error
	confirmErr error
	// verifiedAmount overrides the amount the ledger reports; zero echoes
	// the gateway's paid amount.
	verifiedAmount int64
	verifiedRef    string
	confirmReq     ConfirmRequest
}

func (s *spyLedger) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	s.log.add("record_attempt")
	return s.recordErr
}

func (s *spyLedger) Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error) {
	s.log.add("verify")
	if s.verifyErr != nil {
		return VerificationResult{}, s.verifyErr
	}
	amount := req.PaidAmount
	if s.verifiedAmount != 0 {
		amount = s.verifiedAmount
	}
	ref := req.GatewayTransactionID
	if s.verifiedRef != "" {
		ref = s.verifiedRef
	}
	return VerificationResult{GatewayRef: ref, VerifiedAmount: amount, VerifiedAt: time.Now()}, nil
}

func (s *spyLedger) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationRecord, error) {
	s.log.add("confirm")
	s.confirmReq = req
	if s.confirmErr != nil {
		return ConfirmationRecord{}, s.confirmErr
	}
	return ConfirmationRecord{
		ConfirmationID: "conf-" + req.AttemptID,
		AttemptID:      req.AttemptID,
		HoldIDs:        req.HoldIDs,
		ConfirmedAt:    time.Now(),
	}, nil
}

// fakeGateway answers every session with respond. When respond is nil the
// callback is parked on sessions for the test to fire.
type fakeGateway struct {
	log        *callLog
	readyErr   error
	requestErr error
	respond    func(GatewayPayload) GatewayResult
	sessions   chan parkedSession
	payloads   []GatewayPayload
	captured   map[string]GatewayPayment
	cancelled  []string
	mu         sync.Mutex
}

type parkedSession struct {
	payload  GatewayPayload
	callback func(GatewayResult)
}

func newFakeGateway(log *callLog, respond func(GatewayPayload) GatewayResult) *fakeGateway {
	return &fakeGateway{log: log, respond: respond, sessions: make(chan parkedSession, 16), captured: make(map[string]GatewayPayment)}
}

func (g *fakeGateway) Ready(ctx context.Context) error {
	g.log.add("ready")
	return g.readyErr
}

func (g *fakeGateway) RequestPayment(ctx context.Context, payload GatewayPayload, callback func(GatewayResult)) error {
	g.log.add("request_payment")
	if g.requestErr != nil {
		return g.requestErr
	}
	g.mu.Lock()
	g.payloads = append(g.payloads, payload)
	g.mu.Unlock()
	if g.respond == nil {
		g.sessions <- parkedSession{payload: payload, callback: callback}
		return nil
	}
	res := g.respond(payload)
	if res.Success {
		g.capture(GatewayPayment{TransactionID: res.GatewayTransactionID, MerchantRef: payload.MerchantRef, Amount: res.PaidAmount, Status: "paid", Paid: true})
	}
	go callback(res)
	return nil
}

// capture stores what the gateway itself knows about a payment.
func (g *fakeGateway) capture(p GatewayPayment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured[p.TransactionID] = p
}

func (g *fakeGateway) LookupPayment(ctx context.Context, transactionID string) (GatewayPayment, error) {
	g.log.add("lookup_payment")
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.captured[transactionID]
	if !ok {
		return GatewayPayment{}, fmt.Errorf("%w: unknown transaction %s", ErrVerificationFailed, transactionID)
	}
	return p, nil
}

func (g *fakeGateway) CancelPayment(merchantRef string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, merchantRef)
}

func (g *fakeGateway) cancelledRefs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

func paid(payload GatewayPayload) GatewayResult {
	return GatewayResult{
		MerchantRef:          payload.MerchantRef,
		Success:              true,
		GatewayTransactionID: "imp_" + payload.MerchantRef,
		PaidAmount:           payload.Amount,
	}
}

func paidAmount(amount int64) func(GatewayPayload) GatewayResult {
	return func(p GatewayPayload) GatewayResult {
		res := paid(p)
		res.PaidAmount = amount
		return res
	}
}

func declined(reason string) func(GatewayPayload) GatewayResult {
	return func(p GatewayPayload) GatewayResult {
		return GatewayResult{MerchantRef: p.MerchantRef, Success: false, Reason: reason}
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type recordingStates struct {
	mu      sync.Mutex
	saved   []TransactionState
	cleared []string
}

func (s *recordingStates) Save(ctx context.Context, state TransactionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, state)
	return nil
}

func (s *recordingStates) Clear(ctx context.Context, sessionKey, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, attemptID)
	return nil
}

func (s *recordingStates) statuses() []AttemptStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AttemptStatus, 0, len(s.saved))
	for _, st := range s.saved {
		out = append(out, st.Status)
	}
	return out
}

type recordingMetrics struct {
	mu         sync.Mutex
	duplicates int
	late       int
	compFailed int
	finished   []FailureKind
}

func (m *recordingMetrics) AttemptStarted() {}

func (m *recordingMetrics) AttemptFinished(status OutcomeStatus, kind FailureKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, kind)
}

func (m *recordingMetrics) DuplicateRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates++
}

func (m *recordingMetrics) CompensationFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compFailed++
}

func (m *recordingMetrics) LateCallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.late++
}

func (m *recordingMetrics) ObserveStep(string, time.Duration, error) {}

func (m *recordingMetrics) lateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.late
}

// harness wires a coordinator over spies sharing one call log.
type harness struct {
	log      *callLog
	res      *spyReservations
	ledger   *spyLedger
	gateway  *fakeGateway
	notifier *recordingNotifier
	states   *recordingStates
	metrics  *recordingMetrics
	coord    *Coordinator
}

func newHarness(respond func(GatewayPayload) GatewayResult, opts ...Option) *harness {
	log := &callLog{}
	h := &harness{
		log:      log,
		res:      &spyReservations{log: log},
		ledger:   &spyLedger{log: log},
		gateway:  newFakeGateway(log, respond),
		notifier: &recordingNotifier{},
		states:   &recordingStates{},
		metrics:  &recordingMetrics{},
	}
	seq := 0
	base := []Option{
		WithSessionKey("sess-1"),
		WithNotifier(h.notifier),
		WithStateStore(h.states),
		WithMetrics(h.metrics),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("att-%d", seq)
		}),
	}
	h.coord = NewCoordinator(h.res, h.ledger, h.gateway, append(base, opts...)...)
	return h
}

func stayRequest() PurchaseRequest {
	return PurchaseRequest{
		Kind: KindAccommodation,
		LineItems: []LineItem{
			{ItemRef: "room-301:2024-07-01", UnitAmount: 60000},
			{ItemRef: "room-301:2024-07-02", UnitAmount: 60000},
		},
		TotalAmount: 120000,
		Buyer:       Buyer{Name: "Kim Minji", Phone: "010-1234-5678", Email: "minji@example.com"},
		Method:      MethodCard,
	}
}

var errTransport = errors.New("connection reset by peer")
