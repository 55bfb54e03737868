package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"custodyledger/internal/ledger"
	"custodyledger/internal/settlement"
)

// PostgresTxStore implements settlement.TxStore. Idempotent lookups ride
// on the unique index over reference_id and the index over external_tx_id.
type PostgresTxStore struct {
	db *sql.DB
}

func NewPostgresTxStore(db *sql.DB) *PostgresTxStore {
	return &PostgresTxStore{db: db}
}

const settlementTxColumns = `
	id, account_id, kind, amount, asset, external_address,
	external_tx_id, reference_id, status, fee_amount, metadata,
	created_at, updated_at`

func (s *PostgresTxStore) Create(ctx context.Context, tx *settlement.Transaction) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal tx metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_transactions (`+settlementTxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tx.ID, tx.AccountID, string(tx.Kind), tx.Amount, string(tx.Asset),
		nullString(tx.ExternalAddress), nullString(tx.ExternalTxID),
		nullString(tx.ReferenceID), string(tx.Status), tx.FeeAmount,
		metadata, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (s *PostgresTxStore) Get(ctx context.Context, id uuid.UUID) (*settlement.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+settlementTxColumns+` FROM settlement_transactions WHERE id = $1
	`, id)
	return scanTx(row)
}

func (s *PostgresTxStore) GetByReference(ctx context.Context, referenceID string) (*settlement.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+settlementTxColumns+` FROM settlement_transactions WHERE reference_id = $1
	`, referenceID)
	return scanTx(row)
}

func (s *PostgresTxStore) GetByExternalTxID(ctx context.Context, externalTxID string) (*settlement.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+settlementTxColumns+` FROM settlement_transactions WHERE external_tx_id = $1
	`, externalTxID)
	return scanTx(row)
}

// Update is a compare-and-swap on status: the write lands only if the row
// still carries the status the caller observed. Concurrent webhook
// redeliveries (the sender re-signs each attempt, so the ingestion gate
// cannot pair them) race here instead, and exactly one transition wins.
func (s *PostgresTxStore) Update(ctx context.Context, tx *settlement.Transaction, prev settlement.Status) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal tx metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_transactions
		SET amount = $2, external_address = $3, external_tx_id = $4,
		    status = $5, fee_amount = $6, metadata = $7, updated_at = $8
		WHERE id = $1 AND status = $9
	`, tx.ID, tx.Amount, nullString(tx.ExternalAddress),
		nullString(tx.ExternalTxID), string(tx.Status), tx.FeeAmount,
		metadata, tx.UpdatedAt, string(prev),
	)
	if err != nil {
		return mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `
			SELECT status FROM settlement_transactions WHERE id = $1
		`, tx.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return settlement.ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: transaction %s is %s, not %s",
			settlement.ErrAlreadyProcessed, tx.ID, current, prev)
	}
	return nil
}

func (s *PostgresTxStore) ListByStatus(ctx context.Context, kind settlement.TxKind, status settlement.Status) ([]settlement.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+settlementTxColumns+` FROM settlement_transactions
		WHERE kind = $1 AND status = $2
		ORDER BY created_at
	`, string(kind), string(status))
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []settlement.Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *PostgresTxStore) Totals(ctx context.Context) ([]settlement.KindTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COALESCE(SUM(amount), 0), COUNT(*)
		FROM settlement_transactions
		WHERE status IN ('confirmed', 'completed')
		GROUP BY kind
		ORDER BY kind
	`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []settlement.KindTotal
	for rows.Next() {
		var (
			kindStr string
			agg     settlement.KindTotal
		)
		if err := rows.Scan(&kindStr, &agg.Total, &agg.Count); err != nil {
			return nil, err
		}
		agg.Kind = settlement.TxKind(kindStr)
		out = append(out, agg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(row rowScanner) (*settlement.Transaction, error) {
	var (
		tx              settlement.Transaction
		kindStr         string
		assetStr        string
		statusStr       string
		externalAddress sql.NullString
		externalTxID    sql.NullString
		referenceID     sql.NullString
		metadata        []byte
	)
	err := row.Scan(&tx.ID, &tx.AccountID, &kindStr, &tx.Amount, &assetStr,
		&externalAddress, &externalTxID, &referenceID, &statusStr,
		&tx.FeeAmount, &metadata, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Kind = settlement.TxKind(kindStr)
	tx.Asset = ledger.Asset(assetStr)
	tx.Status = settlement.Status(statusStr)
	tx.ExternalAddress = externalAddress.String
	tx.ExternalTxID = externalTxID.String
	tx.ReferenceID = referenceID.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal tx metadata: %w", err)
		}
	}
	return &tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
