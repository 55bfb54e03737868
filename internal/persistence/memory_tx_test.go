package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"custodyledger/internal/ledger"
	"custodyledger/internal/money"
	"custodyledger/internal/settlement"
)

func newTx(kind settlement.TxKind, status settlement.Status, amount string) *settlement.Transaction {
	now := time.Now().UTC()
	return &settlement.Transaction{
		ID:          uuid.New(),
		AccountID:   uuid.New(),
		Kind:        kind,
		Amount:      money.MustFromString(amount),
		Asset:       ledger.AssetBTC,
		ReferenceID: "ref-" + uuid.NewString(),
		Status:      status,
		FeeAmount:   money.Zero(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryTxStoreLookups(t *testing.T) {
	s := NewMemoryTxStore()
	ctx := context.Background()

	tx := newTx(settlement.TxKindDeposit, settlement.StatusPending, "1.00000000")
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ReferenceID != tx.ReferenceID {
		t.Fatalf("got %+v", got)
	}

	if _, err := s.GetByReference(ctx, tx.ReferenceID); err != nil {
		t.Fatalf("get by reference: %v", err)
	}
	if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, settlement.ErrTransactionNotFound) {
		t.Fatalf("missing id err = %v, want ErrTransactionNotFound", err)
	}
	if _, err := s.GetByReference(ctx, "nope"); !errors.Is(err, settlement.ErrTransactionNotFound) {
		t.Fatalf("missing ref err = %v, want ErrTransactionNotFound", err)
	}
}

func TestMemoryTxStoreDuplicateReference(t *testing.T) {
	s := NewMemoryTxStore()
	ctx := context.Background()

	a := newTx(settlement.TxKindDeposit, settlement.StatusPending, "1")
	b := newTx(settlement.TxKindDeposit, settlement.StatusPending, "2")
	b.ReferenceID = a.ReferenceID

	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.Create(ctx, b); err == nil {
		t.Fatal("duplicate reference id accepted")
	}
}

func TestMemoryTxStoreUpdateReindexesExternalID(t *testing.T) {
	s := NewMemoryTxStore()
	ctx := context.Background()

	tx := newTx(settlement.TxKindWithdrawal, settlement.StatusApproved, "0.50000000")
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}

	tx.Status = settlement.StatusCompleted
	tx.ExternalTxID = "cust-77"
	if err := s.Update(ctx, tx, settlement.StatusApproved); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetByExternalTxID(ctx, "cust-77")
	if err != nil {
		t.Fatalf("get by external id: %v", err)
	}
	if got.ID != tx.ID || got.Status != settlement.StatusCompleted {
		t.Fatalf("got %+v", got)
	}
}

func TestMemoryTxStoreUpdateStatusGuard(t *testing.T) {
	s := NewMemoryTxStore()
	ctx := context.Background()

	tx := newTx(settlement.TxKindDeposit, settlement.StatusPending, "1")
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}

	won := newTx(settlement.TxKindDeposit, settlement.StatusConfirmed, "1")
	won.ID = tx.ID
	if err := s.Update(ctx, won, settlement.StatusPending); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// A second actor that also read pending loses: the row moved on.
	lost := newTx(settlement.TxKindDeposit, settlement.StatusConfirmed, "2")
	lost.ID = tx.ID
	if err := s.Update(ctx, lost, settlement.StatusPending); !errors.Is(err, settlement.ErrAlreadyProcessed) {
		t.Fatalf("stale update err = %v, want ErrAlreadyProcessed", err)
	}

	got, _ := s.Get(ctx, tx.ID)
	if got.Amount.String() != "1.00000000" {
		t.Fatalf("losing update overwrote the row: %+v", got)
	}

	missing := newTx(settlement.TxKindDeposit, settlement.StatusPending, "1")
	if err := s.Update(ctx, missing, settlement.StatusPending); !errors.Is(err, settlement.ErrTransactionNotFound) {
		t.Fatalf("missing row err = %v, want ErrTransactionNotFound", err)
	}
}

func TestMemoryTxStoreReturnsCopies(t *testing.T) {
	s := NewMemoryTxStore()
	ctx := context.Background()

	tx := newTx(settlement.TxKindDeposit, settlement.StatusPending, "1")
	tx.Metadata = map[string]string{"k": "v"}
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := s.Get(ctx, tx.ID)
	got.Status = settlement.StatusFailed
	got.Metadata["k"] = "mutated"

	again, _ := s.Get(ctx, tx.ID)
	if again.Status != settlement.StatusPending || again.Metadata["k"] != "v" {
		t.Fatalf("store state leaked through returned value: %+v", again)
	}
}

func TestMemoryTxStoreListByStatus(t *testing.T) {
	s := NewMemoryTxStore()
	ctx := context.Background()

	older := newTx(settlement.TxKindWithdrawal, settlement.StatusPending, "0.1")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := newTx(settlement.TxKindWithdrawal, settlement.StatusPending, "0.2")
	done := newTx(settlement.TxKindWithdrawal, settlement.StatusCompleted, "0.3")
	deposit := newTx(settlement.TxKindDeposit, settlement.StatusPending, "0.4")

	for _, tx := range []*settlement.Transaction{newer, older, done, deposit} {
		if err := s.Create(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	list, err := s.ListByStatus(ctx, settlement.TxKindWithdrawal, settlement.StatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("%d pending withdrawals, want 2", len(list))
	}
	if list[0].ID != older.ID || list[1].ID != newer.ID {
		t.Fatal("list not ordered by creation time")
	}
}

func TestMemoryTxStoreTotals(t *testing.T) {
	s := NewMemoryTxStore()
	ctx := context.Background()

	completed := newTx(settlement.TxKindDeposit, settlement.StatusCompleted, "1.00000000")
	confirmed := newTx(settlement.TxKindDeposit, settlement.StatusConfirmed, "0.50000000")
	pending := newTx(settlement.TxKindDeposit, settlement.StatusPending, "9.00000000")
	failed := newTx(settlement.TxKindWithdrawal, settlement.StatusFailed, "3.00000000")

	for _, tx := range []*settlement.Transaction{completed, confirmed, pending, failed} {
		if err := s.Create(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	totals, err := s.Totals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if len(totals) != 1 {
		t.Fatalf("%d kinds, want 1 (only settled volume counts)", len(totals))
	}
	if totals[0].Kind != settlement.TxKindDeposit || totals[0].Count != 2 {
		t.Fatalf("totals = %+v", totals[0])
	}
	if totals[0].Total.String() != "1.50000000" {
		t.Fatalf("total = %s, want 1.50000000", totals[0].Total)
	}
}
