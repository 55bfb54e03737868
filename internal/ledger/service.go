package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"custodyledger/internal/accounts"
	"custodyledger/internal/money"
	"custodyledger/internal/observability"
)

// conflictRetries bounds internal retries of a conflicted write. Beyond
// this the conflict surfaces to the caller, who must restart the whole
// logical operation (including any sufficiency check).
const conflictRetries = 3

// Service is the Account Ledger Service: the only component permitted to
// mutate a balance snapshot. Every mutation appends an entry and updates
// the snapshot as one atomic unit inside the store.
type Service struct {
	store     Store
	directory accounts.Directory
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewService(store Store, directory accounts.Directory, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:     store,
		directory: directory,
		log:       log,
		metrics:   metrics,
	}
}

// RecordChange validates and applies one balance mutation. The change may
// be positive or negative; zero is permitted only for internal marker
// entries. Sufficiency is NOT enforced unless req.RequireSufficient is set;
// callers that debit must set it so the check and the write share the
// store's per-account serialization.
func (s *Service) RecordChange(ctx context.Context, req ChangeRequest) (*Entry, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entry kind %q", money.ErrInvalidAmount, req.Kind)
	}
	if _, ok := ParseAsset(string(req.Asset)); !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", money.ErrInvalidAmount, req.Asset)
	}
	if req.Change.IsZero() && req.Kind != KindInternal {
		return nil, fmt.Errorf("%w: zero change for kind %q", money.ErrInvalidAmount, req.Kind)
	}

	exists, err := s.directory.Exists(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	if !exists {
		if s.metrics != nil {
			s.metrics.LedgerWriteErrors.WithLabelValues("account_not_found").Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
	}

	start := time.Now()
	var entry *Entry

	for attempt := 0; ; attempt++ {
		entry, err = s.store.ApplyChange(ctx, req)
		if err == nil {
			break
		}
		if errors.Is(err, ErrConflict) && attempt < conflictRetries {
			if s.metrics != nil {
				s.metrics.LedgerConflictRetry.Inc()
			}
			s.log.Warn().
				Str("account_id", req.AccountID.String()).
				Str("asset", string(req.Asset)).
				Int("attempt", attempt+1).
				Msg("ledger write conflict, retrying")
			continue
		}
		s.logWriteFailure(req, err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.LedgerEntriesWritten.WithLabelValues(string(req.Asset), string(req.Kind)).Inc()
		s.metrics.LedgerWriteDuration.WithLabelValues(string(req.Asset)).Observe(time.Since(start).Seconds())
	}

	s.log.Info().
		Str("entry_id", entry.ID.String()).
		Str("account_id", req.AccountID.String()).
		Str("asset", string(req.Asset)).
		Str("change", req.Change.String()).
		Str("balance_after", entry.BalanceAfter.String()).
		Str("kind", string(req.Kind)).
		Msg("ledger entry recorded")

	return entry, nil
}

// Balance returns the current snapshot balance for one account+asset.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID, asset Asset) (money.Amount, error) {
	exists, err := s.directory.Exists(ctx, accountID)
	if err != nil {
		return money.Zero(), fmt.Errorf("account lookup: %w", err)
	}
	if !exists {
		return money.Zero(), fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return s.store.SnapshotBalance(ctx, accountID, asset)
}

// Balances returns both asset balances for an account.
func (s *Service) Balances(ctx context.Context, accountID uuid.UUID) (fiat, btc money.Amount, err error) {
	fiat, err = s.Balance(ctx, accountID, AssetFiat)
	if err != nil {
		return money.Zero(), money.Zero(), err
	}
	btc, err = s.store.SnapshotBalance(ctx, accountID, AssetBTC)
	if err != nil {
		return money.Zero(), money.Zero(), err
	}
	return fiat, btc, nil
}

// Entries lists an account's ledger entries for one asset, oldest first.
func (s *Service) Entries(ctx context.Context, accountID uuid.UUID, asset Asset) ([]Entry, error) {
	return s.store.EntriesByAccount(ctx, accountID, asset)
}

func (s *Service) logWriteFailure(req ChangeRequest, err error) {
	reason := "store"
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, ErrConflict):
		reason = "conflict"
	case errors.Is(err, ErrAccountNotFound):
		reason = "account_not_found"
	}
	if s.metrics != nil {
		s.metrics.LedgerWriteErrors.WithLabelValues(reason).Inc()
	}

	// Enough context for manual reconciliation of the failed mutation.
	evt := s.log.Error().
		Str("account_id", req.AccountID.String()).
		Str("asset", string(req.Asset)).
		Str("change", req.Change.String()).
		Str("kind", string(req.Kind))
	if req.SettlementTxID != nil {
		evt = evt.Str("settlement_tx_id", req.SettlementTxID.String())
	}
	if corr, ok := req.Metadata["correlation_id"]; ok {
		evt = evt.Str("correlation_id", corr)
	}
	evt.Err(err).Msg("ledger mutation failed")
}
