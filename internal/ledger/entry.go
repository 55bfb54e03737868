package ledger

import (
	"time"

	"github.com/google/uuid"

	"custodyledger/internal/money"
)

// Asset identifies a balance-carrying asset. The platform holds exactly
// two: the fiat settlement currency and BTC.
type Asset string

const (
	AssetFiat Asset = "USD"
	AssetBTC  Asset = "BTC"
)

// ParseAsset maps an asset string to a known Asset.
func ParseAsset(s string) (Asset, bool) {
	switch Asset(s) {
	case AssetFiat, AssetBTC:
		return Asset(s), true
	}
	return "", false
}

// Kind classifies the balance-affecting event recorded by an entry.
type Kind string

const (
	KindDeposit          Kind = "deposit"
	KindWithdrawal       Kind = "withdrawal"
	KindFee              Kind = "fee"
	KindAdjustment       Kind = "adjustment"
	KindReward           Kind = "reward"
	KindInternal         Kind = "internal"
	KindBuy              Kind = "buy"
	KindWithdrawalRefund Kind = "withdrawal_refund"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindFee, KindAdjustment,
		KindReward, KindInternal, KindBuy, KindWithdrawalRefund:
		return true
	}
	return false
}

// Entry is one immutable balance-affecting record. Entries are append-only:
// once written with its BalanceAfter they are never updated. For one
// account+asset, the sum of Change over all entries equals the current
// snapshot balance at every quiescent point.
type Entry struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	SettlementTxID *uuid.UUID
	Asset          Asset
	Change         money.Amount
	BalanceAfter   money.Amount
	Kind           Kind
	Metadata       map[string]string
	CreatedAt      time.Time
}

// Snapshot is the cached current balance for one account+asset, owned
// exclusively by the ledger Service. It is derived state: authoritative
// only because every mutation updates it together with the entry append.
type Snapshot struct {
	AccountID uuid.UUID
	Asset     Asset
	Balance   money.Amount
	UpdatedAt time.Time
}
