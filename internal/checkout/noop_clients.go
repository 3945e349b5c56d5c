package checkout

import "context"

// NoopStateStore discards every snapshot.
type NoopStateStore struct{}

func (NoopStateStore) Save(ctx context.Context, state TransactionState) error {
	return nil
}

func (NoopStateStore) Clear(ctx context.Context, sessionKey, attemptID string) error {
	return nil
}

// NoopNotifier drops terminal notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, n Notification) error {
	return nil
}

// NoopJournal is used when no database is configured.
type NoopJournal struct{}

func (NoopJournal) Start(ctx context.Context, attempt *PaymentAttempt) error {
	return nil
}

func (NoopJournal) AddStep(ctx context.Context, attemptID, step, status, detail string) error {
	return nil
}

func (NoopJournal) UpdateStatus(ctx context.Context, attemptID string, status AttemptStatus) error {
	return nil
}
