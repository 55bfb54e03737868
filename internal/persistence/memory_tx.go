package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"custodyledger/internal/settlement"
)

// MemoryTxStore is the in-process settlement transaction store used by
// tests and local development.
type MemoryTxStore struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*settlement.Transaction
	byRef      map[string]uuid.UUID
	byExternal map[string]uuid.UUID
}

func NewMemoryTxStore() *MemoryTxStore {
	return &MemoryTxStore{
		byID:       make(map[uuid.UUID]*settlement.Transaction),
		byRef:      make(map[string]uuid.UUID),
		byExternal: make(map[string]uuid.UUID),
	}
}

func (s *MemoryTxStore) Create(ctx context.Context, tx *settlement.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if tx.ReferenceID != "" {
		if _, exists := s.byRef[tx.ReferenceID]; exists {
			return fmt.Errorf("reference %q already exists", tx.ReferenceID)
		}
	}

	cp := cloneTx(tx)
	s.byID[tx.ID] = cp
	if tx.ReferenceID != "" {
		s.byRef[tx.ReferenceID] = tx.ID
	}
	if tx.ExternalTxID != "" {
		s.byExternal[tx.ExternalTxID] = tx.ID
	}
	return nil
}

func (s *MemoryTxStore) Get(ctx context.Context, id uuid.UUID) (*settlement.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byID[id]
	if !ok {
		return nil, settlement.ErrTransactionNotFound
	}
	return cloneTx(tx), nil
}

func (s *MemoryTxStore) GetByReference(ctx context.Context, referenceID string) (*settlement.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[referenceID]
	if !ok {
		return nil, settlement.ErrTransactionNotFound
	}
	return cloneTx(s.byID[id]), nil
}

func (s *MemoryTxStore) GetByExternalTxID(ctx context.Context, externalTxID string) (*settlement.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalTxID]
	if !ok {
		return nil, settlement.ErrTransactionNotFound
	}
	return cloneTx(s.byID[id]), nil
}

func (s *MemoryTxStore) Update(ctx context.Context, tx *settlement.Transaction, prevStatus settlement.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[tx.ID]
	if !ok {
		return settlement.ErrTransactionNotFound
	}
	if prev.Status != prevStatus {
		return fmt.Errorf("%w: transaction %s is %s, not %s",
			settlement.ErrAlreadyProcessed, tx.ID, prev.Status, prevStatus)
	}
	if prev.ExternalTxID != "" && prev.ExternalTxID != tx.ExternalTxID {
		delete(s.byExternal, prev.ExternalTxID)
	}
	cp := cloneTx(tx)
	s.byID[tx.ID] = cp
	if tx.ExternalTxID != "" {
		s.byExternal[tx.ExternalTxID] = tx.ID
	}
	return nil
}

func (s *MemoryTxStore) ListByStatus(ctx context.Context, kind settlement.TxKind, status settlement.Status) ([]settlement.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []settlement.Transaction
	for _, tx := range s.byID {
		if tx.Kind == kind && tx.Status == status {
			out = append(out, *cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryTxStore) Totals(ctx context.Context) ([]settlement.KindTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKind := make(map[settlement.TxKind]*settlement.KindTotal)
	for _, tx := range s.byID {
		if tx.Status != settlement.StatusCompleted && tx.Status != settlement.StatusConfirmed {
			continue
		}
		agg, ok := byKind[tx.Kind]
		if !ok {
			agg = &settlement.KindTotal{Kind: tx.Kind}
			byKind[tx.Kind] = agg
		}
		agg.Count++
		agg.Total = agg.Total.Add(tx.Amount)
	}

	out := make([]settlement.KindTotal, 0, len(byKind))
	for _, agg := range byKind {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func cloneTx(tx *settlement.Transaction) *settlement.Transaction {
	cp := *tx
	if tx.Metadata != nil {
		cp.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
