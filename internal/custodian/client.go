package custodian

import (
	"context"
	"errors"

	"custodyledger/internal/money"
)

var (
	// ErrUnavailable marks an ambiguous outcome: timeout, transport failure
	// or a 5xx from the settlement network. The call may or may not have
	// taken effect; callers must leave their state unchanged and surface
	// the ambiguity for manual follow-up.
	ErrUnavailable = errors.New("custodian unavailable")

	// ErrRejected marks an explicit failure response: the network reports
	// the operation did not and will not execute.
	ErrRejected = errors.New("custodian rejected request")
)

// DepositReference is the normalized result of a deposit-address request.
// The network returns differently-named fields across API versions; the
// HTTP client maps them all onto this one shape.
type DepositReference struct {
	Address     string
	ReferenceID string
}

// WithdrawalResult is the normalized result of a withdrawal execution.
type WithdrawalResult struct {
	ExternalTxID string
}

// ExchangeResult is the normalized result of a currency exchange.
type ExchangeResult struct {
	FilledAmount money.Amount
	ReferenceID  string
}

// Client is the external settlement network boundary. Every call carries a
// referenceID generated once per logical operation (the settlement
// transaction id), making retries idempotent on the network side.
type Client interface {
	CreateDepositReference(ctx context.Context, asset, accountLabel string) (*DepositReference, error)
	ExecuteWithdrawal(ctx context.Context, asset string, amount money.Amount, destination, referenceID string) (*WithdrawalResult, error)
	ExecuteExchange(ctx context.Context, side, sourceAsset, targetAsset string, amount money.Amount, referenceID string) (*ExchangeResult, error)
	VaultBalance(ctx context.Context, asset string) (money.Amount, error)
}
