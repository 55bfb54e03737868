package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"custodyledger/internal/ledger"
	"custodyledger/internal/money"
)

var (
	// ErrTransactionNotFound means no settlement transaction matches the
	// given id or reference.
	ErrTransactionNotFound = errors.New("settlement transaction not found")

	// ErrAlreadyProcessed means the transaction has reached a state from
	// which the requested transition is not allowed.
	ErrAlreadyProcessed = errors.New("settlement transaction already processed")

	// ErrValidation covers bad request input: non-positive amounts,
	// missing destination address.
	ErrValidation = errors.New("invalid settlement request")
)

// TxKind is the operation class of a settlement transaction.
type TxKind string

const (
	TxKindDeposit    TxKind = "btc_deposit"
	TxKindWithdrawal TxKind = "btc_withdrawal"
)

// Status is the lifecycle state of a settlement transaction.
// The happy path is pending -> confirmed/approved -> completed; failed and
// rejected are alternate terminal states. Terminal transactions are kept
// forever for audit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		switch next {
		case StatusConfirmed, StatusApproved, StatusCompleted, StatusRejected, StatusFailed:
			return true
		}
	case StatusConfirmed:
		switch next {
		case StatusCompleted, StatusFailed:
			return true
		}
	case StatusApproved:
		switch next {
		case StatusCompleted, StatusRejected, StatusFailed:
			return true
		}
	}
	return false
}

// Transaction is one externally-settled operation. It is created pending,
// advanced by admin action and by verified webhook events, and never
// deleted. Balance effects are NOT stored here; they live in the ledger as
// entries referencing this transaction's id.
type Transaction struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	Kind            TxKind
	Amount          money.Amount
	Asset           ledger.Asset
	ExternalAddress string
	ExternalTxID    string
	ReferenceID     string
	Status          Status
	FeeAmount       money.Amount
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// KindTotal is an aggregate over settlement transactions, for admin stats.
type KindTotal struct {
	Kind  TxKind
	Total money.Amount
	Count int
}

// TxStore persists settlement transactions, with idempotent lookup by
// reference id and external transaction id.
type TxStore interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByReference(ctx context.Context, referenceID string) (*Transaction, error)
	GetByExternalTxID(ctx context.Context, externalTxID string) (*Transaction, error)

	// Update writes tx only if the stored row still has status prev, the
	// status the caller read before deciding on the transition. A stale
	// prev returns ErrAlreadyProcessed, so two concurrent actors cannot
	// both land the same transition.
	Update(ctx context.Context, tx *Transaction, prev Status) error
	ListByStatus(ctx context.Context, kind TxKind, status Status) ([]Transaction, error)
	Totals(ctx context.Context) ([]KindTotal, error)
}
