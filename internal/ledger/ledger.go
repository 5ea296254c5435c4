package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradervault/workspace-core/internal/apperrors"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/models"
	"github.com/tradervault/workspace-core/internal/models/events"
)

// Engine records cash movements and keeps the account balance consistent
// with its ledger. Each movement is one atomic read-modify-write store
// transaction; the store re-runs the transaction when the account changed
// between its read and its write, which is what prevents lost updates when
// two movements race on the same account.
type Engine struct {
	store          interfaces.Store
	pub            interfaces.EventPublisher
	log            zerolog.Logger
	overdraftGuard bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithOverdraftGuard makes withdrawals that would drive the balance negative
// fail with ErrInsufficientFunds. Without it the engine is permissive and
// overdraft prevention is the caller's concern.
func WithOverdraftGuard() Option {
	return func(e *Engine) { e.overdraftGuard = true }
}

func New(store interfaces.Store, pub interfaces.EventPublisher, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		pub:   pub,
		log:   log.With().Str("component", "ledger").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecordMovement applies one cash movement to an account and returns the new
// balance. DEPOSIT and WITHDRAWAL require a positive magnitude; ADJUSTMENT
// takes its signed amount as given. The ledger entry and the balance write
// commit in the same transaction; entries are immutable once committed.
func (e *Engine) RecordMovement(ctx context.Context, accountID, userID string, m models.Movement) (decimal.Decimal, error) {
	if !m.Type.Valid() {
		return decimal.Zero, apperrors.Validation("type", fmt.Sprintf("unknown movement type %q", m.Type))
	}
	if m.Type != models.MovementAdjustment && m.Amount.Sign() <= 0 {
		return decimal.Zero, apperrors.Validation("amount", "must be positive for deposits and withdrawals")
	}
	date := m.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	var (
		committed models.LedgerEntry
		balance   decimal.Decimal
	)
	err := e.store.RunTx(ctx, func(tx interfaces.Tx) error {
		account, err := tx.GetAccount(accountID)
		if err != nil {
			return err
		}

		entry := models.LedgerEntry{
			ID:          ulid.Make().String(),
			AccountID:   accountID,
			UserID:      userID,
			Type:        m.Type,
			Amount:      m.Amount,
			Description: m.Description,
			Date:        date,
		}

		newBalance := account.Balance.Add(entry.Signed())
		if e.overdraftGuard && m.Type == models.MovementWithdrawal && newBalance.Sign() < 0 {
			return fmt.Errorf("withdrawal of %s exceeds balance %s: %w",
				m.Amount.String(), account.Balance.String(), apperrors.ErrInsufficientFunds)
		}

		account.Balance = newBalance
		account.UpdatedAt = time.Now().UTC()
		if err := tx.AppendEntry(entry); err != nil {
			return err
		}
		if err := tx.PutAccount(account); err != nil {
			return err
		}

		committed = entry
		balance = newBalance
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	e.publishRecorded(ctx, committed, balance)
	return balance, nil
}

// Ledger returns the account's entries ordered by date descending.
func (e *Engine) Ledger(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	return e.store.EntriesByAccount(ctx, accountID)
}

// Balance is a point read of the cached balance field. It is weaker than a
// just-settled transaction read and is meant for display.
func (e *Engine) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

func (e *Engine) publishRecorded(ctx context.Context, entry models.LedgerEntry, balance decimal.Decimal) {
	ev := events.MovementRecorded{
		EntryID:    entry.ID,
		AccountID:  entry.AccountID,
		UserID:     entry.UserID,
		Type:       string(entry.Type),
		Amount:     entry.Amount,
		NewBalance: balance,
		OccurredAt: time.Now().UTC(),
	}
	if err := e.pub.Publish(ctx, "movement_recorded", ev); err != nil {
		e.log.Warn().Err(err).Str("entry_id", entry.ID).Msg("publish movement_recorded failed")
	}
}
