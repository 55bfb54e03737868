package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodyledger/internal/ledger"
	"custodyledger/internal/money"
)

// MemoryLedgerStore is an in-memory ledger.Store for tests and local runs.
// Serialization is a mutex per account+asset, mirroring the row lock the
// Postgres store takes on the snapshot row.
type MemoryLedgerStore struct {
	mu        sync.Mutex // protects the maps themselves
	locks     map[balanceKey]*sync.Mutex
	snapshots map[balanceKey]money.Amount
	entries   map[balanceKey][]ledger.Entry
}

type balanceKey struct {
	accountID uuid.UUID
	asset     ledger.Asset
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		locks:     make(map[balanceKey]*sync.Mutex),
		snapshots: make(map[balanceKey]money.Amount),
		entries:   make(map[balanceKey][]ledger.Entry),
	}
}

func (m *MemoryLedgerStore) lockFor(key balanceKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[key]; !ok {
		m.locks[key] = &sync.Mutex{}
	}
	return m.locks[key]
}

func (m *MemoryLedgerStore) ApplyChange(_ context.Context, req ledger.ChangeRequest) (*ledger.Entry, error) {
	key := balanceKey{accountID: req.AccountID, asset: req.Asset}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	current := m.snapshots[key]
	m.mu.Unlock()

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

	m.mu.Lock()
	m.snapshots[key] = newBalance
	m.entries[key] = append(m.entries[key], entry)
	m.mu.Unlock()

	return &entry, nil
}

func (m *MemoryLedgerStore) SnapshotBalance(_ context.Context, accountID uuid.UUID, asset ledger.Asset) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[balanceKey{accountID: accountID, asset: asset}], nil
}

func (m *MemoryLedgerStore) SumChanges(_ context.Context, accountID uuid.UUID, asset ledger.Asset) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := money.Zero()
	for _, e := range m.entries[balanceKey{accountID: accountID, asset: asset}] {
		sum = sum.Add(e.Change)
	}
	return sum, nil
}

func (m *MemoryLedgerStore) EntriesByAccount(_ context.Context, accountID uuid.UUID, asset ledger.Asset) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.entries[balanceKey{accountID: accountID, asset: asset}]
	out := make([]ledger.Entry, len(src))
	copy(out, src)
	return out, nil
}

// AggregateSnapshotTotal sums snapshot balances across all accounts for
// one asset.
func (m *MemoryLedgerStore) AggregateSnapshotTotal(_ context.Context, asset ledger.Asset) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := money.Zero()
	for key, balance := range m.snapshots {
		if key.asset == asset {
			total = total.Add(balance)
		}
	}
	return total, nil
}

// SetSnapshot overwrites a snapshot balance without a ledger entry.
// Test-only hook for constructing drift scenarios.
func (m *MemoryLedgerStore) SetSnapshot(accountID uuid.UUID, asset ledger.Asset, balance money.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[balanceKey{accountID: accountID, asset: asset}] = balance
}
