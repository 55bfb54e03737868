package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"custodyledger/internal/money"
)

var (
	// ErrAccountNotFound means the account id does not exist in the directory.
	ErrAccountNotFound = errors.New("account not found")

	// ErrConflict means a concurrent writer was detected. The caller must
	// retry the whole logical operation, not just the write.
	ErrConflict = errors.New("concurrent ledger write conflict")

	// ErrInsufficientBalance means a checked debit would take the balance
	// below zero. No mutation occurs.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ChangeRequest describes one balance mutation.
type ChangeRequest struct {
	AccountID      uuid.UUID
	Asset          Asset
	Change         money.Amount
	Kind           Kind
	Metadata       map[string]string
	SettlementTxID *uuid.UUID

	// RequireSufficient makes the store reject the change with
	// ErrInsufficientBalance when the resulting balance would be negative.
	// The check runs under the same per-account serialization as the write,
	// so a concurrent request cannot pass the check against a balance the
	// other is about to consume.
	RequireSufficient bool
}

// Store is the persistence boundary for entries and snapshots.
//
// ApplyChange is the single atomic unit: read the snapshot, compute the new
// balance, append the entry with BalanceAfter, write the snapshot, all or
// nothing, serialized per account+asset. Implementations report a detected
// concurrent writer as ErrConflict.
type Store interface {
	ApplyChange(ctx context.Context, req ChangeRequest) (*Entry, error)
	SnapshotBalance(ctx context.Context, accountID uuid.UUID, asset Asset) (money.Amount, error)
	SumChanges(ctx context.Context, accountID uuid.UUID, asset Asset) (money.Amount, error)
	EntriesByAccount(ctx context.Context, accountID uuid.UUID, asset Asset) ([]Entry, error)
}
