package main

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"voyager/cmd/server/config"
	"voyager/internal/adapters/httpapi"
	"voyager/internal/adapters/rest"
	"voyager/internal/checkout"
	checkoutdb "voyager/internal/db/checkout"
	"voyager/internal/httpclient"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

type reservationBackend interface {
	checkout.ReservationService
	checkout.HoldConfirmer
}

// backends are the saga's collaborators after reliability wrapping.
type backends struct {
	reservations checkout.ReservationService
	ledger       checkout.PaymentLedgerService
	journal      checkout.AttemptJournal
	steps        httpapi.StepReader
}

// buildBackends picks remote, Postgres or in-process implementations from
// cfg. Local ledgers verify payments through lookup; a remote ledger service
// does its own lookup. The returned cleanup closes whatever was opened.
func buildBackends(ctx context.Context, cfg config.ServicesConfig, rel checkout.ReliabilityConfig, lookup checkout.PaymentLookup, logger zerolog.Logger) (backends, func(), error) {
	var (
		b       backends
		base    reservationBackend
		remote  bool
		cleanup = func() {}
	)

	if cfg.ReservationURL != "" {
		base = rest.NewReservationClient(httpclient.New(cfg.ReservationURL, nil), logger.With().Str("component", "reservations").Logger())
		remote = true
	} else {
		logger.Warn().Msg("RESERVATION_SERVICE_URL not set; holding inventory in process")
		base = checkout.NewInMemoryReservationService(cfg.HoldTTL)
	}
	// Remote holds are not idempotent, so only in-process holds are retried.
	b.reservations = rel.WrapReservations(base, !remote)
	b.journal = checkout.NoopJournal{}

	switch {
	case cfg.DatabaseURL != "":
		db, err := openDB("pgx", cfg.DatabaseURL)
		if err != nil {
			return b, nil, err
		}
		cleanup = func() {
			if err := db.Close(); err != nil {
				logger.Warn().Err(err).Msg("close checkout db")
			}
		}
		journal, err := checkoutdb.NewAttemptJournalWithSchema(ctx, db)
		if err != nil {
			cleanup()
			return b, nil, err
		}
		ledger, err := checkoutdb.NewLedgerWithSchema(ctx, db, base, lookup)
		if err != nil {
			cleanup()
			return b, nil, err
		}
		b.journal = journal
		b.steps = journal
		b.ledger = rel.WrapLedger(ledger)
	case cfg.LedgerURL != "":
		b.ledger = rel.WrapLedger(rest.NewLedgerClient(httpclient.New(cfg.LedgerURL, nil)))
	default:
		logger.Warn().Msg("no ledger configured; recording payments in process")
		b.ledger = rel.WrapLedger(checkout.NewInMemoryLedger(base, lookup))
	}

	return b, cleanup, nil
}
