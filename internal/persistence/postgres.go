package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custodyledger/internal/ledger"
	"custodyledger/internal/money"
)

// PostgresLedgerStore implements ledger.Store on Postgres. The snapshot row
// lock (SELECT ... FOR UPDATE) is the per-account serialization point: the
// read, sufficiency check, entry append and snapshot update all happen under
// it in one transaction.
type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

func (s *PostgresLedgerStore) ApplyChange(ctx context.Context, req ledger.ChangeRequest) (*ledger.Entry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Ensure the snapshot row exists so FOR UPDATE has something to lock.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balance_snapshots (account_id, asset, balance, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (account_id, asset) DO NOTHING
	`, req.AccountID, string(req.Asset)); err != nil {
		return nil, mapPgError(err)
	}

	var current money.Amount
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM balance_snapshots
		WHERE account_id = $1 AND asset = $2
		FOR UPDATE
	`, req.AccountID, string(req.Asset)).Scan(&current)
	if err != nil {
		return nil, mapPgError(err)
	}

	newBalance := current.Add(req.Change)
	if req.RequireSufficient && newBalance.IsNegative() {
		return nil, fmt.Errorf("%w: have %s, change %s", ledger.ErrInsufficientBalance, current, req.Change)
	}

	entry := ledger.Entry{
		ID:             uuid.New(),
		AccountID:      req.AccountID,
		SettlementTxID: req.SettlementTxID,
		Asset:          req.Asset,
		Change:         req.Change,
		BalanceAfter:   newBalance,
		Kind:           req.Kind,
		Metadata:       req.Metadata,
		CreatedAt:      time.Now().UTC(),
	}

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var settlementTxID interface{}
	if req.SettlementTxID != nil {
		settlementTxID = *req.SettlementTxID
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, account_id, settlement_tx_id, asset, change, balance_after, kind, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.AccountID, settlementTxID, string(entry.Asset),
		entry.Change, entry.BalanceAfter, string(entry.Kind), metadata, entry.CreatedAt,
	); err != nil {
		return nil, mapPgError(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balance_snapshots SET balance = $3, updated_at = NOW()
		WHERE account_id = $1 AND asset = $2
	`, entry.AccountID, string(entry.Asset), entry.BalanceAfter); err != nil {
		return nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}

	return &entry, nil
}

func (s *PostgresLedgerStore) SnapshotBalance(ctx context.Context, accountID uuid.UUID, asset ledger.Asset) (money.Amount, error) {
	var balance money.Amount
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM balance_snapshots
		WHERE account_id = $1 AND asset = $2
	`, accountID, string(asset)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return money.Zero(), nil
	}
	if err != nil {
		return money.Zero(), mapPgError(err)
	}
	return balance, nil
}

func (s *PostgresLedgerStore) SumChanges(ctx context.Context, accountID uuid.UUID, asset ledger.Asset) (money.Amount, error) {
	var sum money.Amount
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(change), 0) FROM ledger_entries
		WHERE account_id = $1 AND asset = $2
	`, accountID, string(asset)).Scan(&sum)
	if err != nil {
		return money.Zero(), mapPgError(err)
	}
	return sum, nil
}

func (s *PostgresLedgerStore) EntriesByAccount(ctx context.Context, accountID uuid.UUID, asset ledger.Asset) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, settlement_tx_id, asset, change, balance_after, kind, metadata, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND asset = $2
		ORDER BY created_at, id
	`, accountID, string(asset))
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e              ledger.Entry
			settlementTxID uuid.NullUUID
			assetStr       string
			kindStr        string
			metadata       []byte
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &settlementTxID, &assetStr,
			&e.Change, &e.BalanceAfter, &kindStr, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if settlementTxID.Valid {
			id := settlementTxID.UUID
			e.SettlementTxID = &id
		}
		e.Asset = ledger.Asset(assetStr)
		e.Kind = ledger.Kind(kindStr)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal entry metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AggregateSnapshotTotal sums all snapshot balances for one asset. Used by
// the reconciliation job to compare against the custodian vault balance.
func (s *PostgresLedgerStore) AggregateSnapshotTotal(ctx context.Context, asset ledger.Asset) (money.Amount, error) {
	var total money.Amount
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM balance_snapshots WHERE asset = $1
	`, string(asset)).Scan(&total)
	if err != nil {
		return money.Zero(), mapPgError(err)
	}
	return total, nil
}

// mapPgError translates serialization and deadlock failures into
// ledger.ErrConflict so the service can retry the logical operation.
func mapPgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ledger.ErrConflict, pqErr.Message)
		}
	}
	return err
}

// PostgresDirectory implements accounts.Directory against the accounts table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *PostgresDirectory) List(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
