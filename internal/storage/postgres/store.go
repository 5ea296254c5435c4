package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tradervault/workspace-core/internal/apperrors"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/models"
)

// maxTxAttempts bounds serialization-failure retries per transaction.
const maxTxAttempts = 10

// Store is a Postgres-backed implementation of interfaces.Store. Atomicity
// and conflict retry come from SERIALIZABLE transactions: when Postgres
// aborts a transaction with a serialization failure the whole transaction
// function is re-run, which gives the same lost-update protection as the
// in-memory store's revision checks.
//
// Store does not implement interfaces.ChangeFeed; deployments needing
// real-time fan-out pair it with the Kafka publisher.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema returns the DDL this store expects. Kept here so the migration is
// versioned with the code that depends on it.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	owner_id        TEXT NOT NULL,
	members         JSONB NOT NULL DEFAULT '{}',
	balance         NUMERIC NOT NULL DEFAULT 0,
	initial_balance NUMERIC NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS profiles (
	uid                TEXT PRIMARY KEY,
	email              TEXT NOT NULL,
	active_account_id  TEXT NOT NULL DEFAULT '',
	joined_account_ids JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	amount      NUMERIC NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	date        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_date
	ON ledger_entries (account_id, date DESC);
`
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// RunTx runs fn inside one SERIALIZABLE transaction, retrying the whole
// function on serialization failure.
func (s *Store) RunTx(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		dbTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin: %v: %w", err, apperrors.ErrPersistence)
		}
		t := &tx{ctx: ctx, tx: dbTx}
		if err := fn(t); err != nil {
			dbTx.Rollback()
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := dbTx.Commit(); err != nil {
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit: %v: %w", err, apperrors.ErrPersistence)
		}
		return nil
	}
	return fmt.Errorf("serialization retries exhausted: %v: %w", lastErr, apperrors.ErrPersistence)
}

type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) GetAccount(id string) (*models.Account, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT id, name, owner_id, members, balance, initial_balance, currency, created_at, updated_at
		FROM accounts WHERE id = $1`, id)
	return scanAccount(row, id)
}

func (t *tx) PutAccount(a *models.Account) error {
	members, err := json.Marshal(a.Members)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO accounts (id, name, owner_id, members, balance, initial_balance, currency, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			members = EXCLUDED.members,
			balance = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.OwnerID, members, a.Balance, a.InitialBalance, a.Currency, a.CreatedAt, a.UpdatedAt)
	return err
}

func (t *tx) GetProfile(uid string) (*models.UserProfile, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT uid, email, active_account_id, joined_account_ids
		FROM profiles WHERE uid = $1`, uid)
	return scanProfile(row, uid)
}

func (t *tx) PutProfile(p *models.UserProfile) error {
	joined, err := json.Marshal(p.JoinedAccountIDs)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO profiles (uid, email, active_account_id, joined_account_ids)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (uid) DO UPDATE SET
			email = EXCLUDED.email,
			active_account_id = EXCLUDED.active_account_id,
			joined_account_ids = EXCLUDED.joined_account_ids`,
		p.UID, p.Email, p.ActiveAccountID, joined)
	return err
}

func (t *tx) AppendEntry(e models.LedgerEntry) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_entries (id, account_id, user_id, type, amount, description, date)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.AccountID, e.UserID, string(e.Type), e.Amount, e.Description, e.Date)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, id string) (*models.Account, error) {
	var a models.Account
	var members []byte
	err := row.Scan(&a.ID, &a.Name, &a.OwnerID, &members, &a.Balance, &a.InitialBalance, &a.Currency, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(members, &a.Members); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanProfile(row rowScanner, uid string) (*models.UserProfile, error) {
	var p models.UserProfile
	var joined []byte
	err := row.Scan(&p.UID, &p.Email, &p.ActiveAccountID, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", uid, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(joined, &p.JoinedAccountIDs); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, members, balance, initial_balance, currency, created_at, updated_at
		FROM accounts WHERE id = $1`, id)
	return scanAccount(row, id)
}

func (s *Store) AccountsByIDs(ctx context.Context, ids []string) ([]*models.Account, error) {
	if len(ids) > interfaces.BatchLimit {
		return nil, apperrors.Validation("ids", fmt.Sprintf("batch of %d exceeds limit %d", len(ids), interfaces.BatchLimit))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, members, balance, initial_balance, currency, created_at, updated_at
		FROM accounts WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, uid string) (*models.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uid, email, active_account_id, joined_account_ids
		FROM profiles WHERE uid = $1`, uid)
	return scanProfile(row, uid)
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, user_id, type, amount, description, date
		FROM ledger_entries WHERE account_id = $1
		ORDER BY date DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var typ string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.UserID, &typ, &e.Amount, &e.Description, &e.Date); err != nil {
			return nil, err
		}
		e.Type = models.MovementType(typ)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ interfaces.Store = (*Store)(nil)
