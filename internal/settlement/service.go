package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"custodyledger/internal/custodian"
	"custodyledger/internal/ingestion"
	"custodyledger/internal/ledger"
	"custodyledger/internal/money"
	"custodyledger/internal/observability"
	"custodyledger/internal/pricefeed"
)

// Service drives settlement transactions through their lifecycle. Every
// balance effect goes through the ledger service exactly once per logical
// effect; replayed transitions are detected on transaction status and
// suppressed.
type Service struct {
	ledger           *ledger.Service
	txs              TxStore
	custodian        custodian.Client
	prices           pricefeed.Source
	houseAccountID   uuid.UUID
	approvalRequired bool
	emitter          *ingestion.Emitter
	log              zerolog.Logger
	metrics          *observability.Metrics
}

type Config struct {
	// HouseAccountID receives withdrawal fee credits.
	HouseAccountID uuid.UUID

	// ApprovalRequired keeps new withdrawals pending until an admin
	// approves; otherwise they are created approved.
	ApprovalRequired bool
}

func NewService(
	ledgerSvc *ledger.Service,
	txs TxStore,
	cust custodian.Client,
	prices pricefeed.Source,
	cfg Config,
	emitter *ingestion.Emitter,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		ledger:           ledgerSvc,
		txs:              txs,
		custodian:        cust,
		prices:           prices,
		houseAccountID:   cfg.HouseAccountID,
		approvalRequired: cfg.ApprovalRequired,
		emitter:          emitter,
		log:              log,
		metrics:          metrics,
	}
}

// CreateDeposit issues a deposit address/reference with the custodian and
// records a pending deposit transaction. No balance effect yet: funds are
// credited only when a verified confirmation webhook arrives.
func (s *Service) CreateDeposit(ctx context.Context, accountID uuid.UUID) (*Transaction, error) {
	label := "acct-" + accountID.String()
	ref, err := s.custodian.CreateDepositReference(ctx, string(ledger.AssetBTC), label)
	if err != nil {
		return nil, fmt.Errorf("create deposit reference: %w", err)
	}

	tx := &Transaction{
		ID:              uuid.New(),
		AccountID:       accountID,
		Kind:            TxKindDeposit,
		Amount:          money.Zero(),
		Asset:           ledger.AssetBTC,
		ExternalAddress: ref.Address,
		ReferenceID:     ref.ReferenceID,
		Status:          StatusPending,
		Metadata:        map[string]string{"account_label": label},
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create deposit tx: %w", err)
	}

	s.transition(tx, StatusPending)
	s.emit("deposit_pending", tx)
	return tx, nil
}

// ConfirmDeposit credits a deposit once, driven by a verified webhook
// reporting funds received at a reference. Re-delivery for a reference
// that is already confirmed or completed is a no-op, never a double
// credit.
func (s *Service) ConfirmDeposit(ctx context.Context, referenceID string, amount money.Amount, externalTxID string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount %s", ErrValidation, amount)
	}

	tx, err := s.txs.GetByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	if tx.Kind != TxKindDeposit {
		// Withdrawal reference ids are shared with the custodian, so a
		// verified sender can legitimately hold one. It never credits.
		return nil, fmt.Errorf("%w: %s is not a deposit", ErrValidation, tx.ID)
	}

	if tx.Status == StatusConfirmed || tx.Status == StatusCompleted {
		s.log.Info().
			Str("tx_id", tx.ID.String()).
			Str("reference_id", referenceID).
			Msg("duplicate deposit confirmation suppressed")
		return tx, nil
	}
	if !tx.Status.CanTransitionTo(StatusConfirmed) {
		return nil, fmt.Errorf("%w: deposit %s is %s", ErrAlreadyProcessed, tx.ID, tx.Status)
	}

	// Claim the transition before crediting. Two deliveries with distinct
	// signatures both pass the ingestion gate; the status swap makes the
	// second one lose here, before it can touch the balance.
	prev := tx.Status
	tx.Status = StatusConfirmed
	tx.Amount = amount
	tx.ExternalTxID = externalTxID
	tx.UpdatedAt = time.Now().UTC()
	if err := s.txs.Update(ctx, tx, prev); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			current, getErr := s.txs.GetByReference(ctx, referenceID)
			if getErr == nil && (current.Status == StatusConfirmed || current.Status == StatusCompleted) {
				s.log.Info().
					Str("tx_id", current.ID.String()).
					Str("reference_id", referenceID).
					Msg("concurrent deposit confirmation suppressed")
				return current, nil
			}
		}
		return nil, fmt.Errorf("claim deposit confirmation: %w", err)
	}

	txID := tx.ID
	if _, err := s.ledger.RecordChange(ctx, ledger.ChangeRequest{
		AccountID:      tx.AccountID,
		Asset:          ledger.AssetBTC,
		Change:         amount,
		Kind:           ledger.KindDeposit,
		SettlementTxID: &txID,
		Metadata: map[string]string{
			"reference_id":   referenceID,
			"external_tx_id": externalTxID,
		},
	}); err != nil {
		// Release the claim so the sender's redelivery can credit.
		tx.Status = prev
		tx.Amount = money.Zero()
		tx.ExternalTxID = ""
		tx.UpdatedAt = time.Now().UTC()
		if revertErr := s.txs.Update(ctx, tx, StatusConfirmed); revertErr != nil {
			s.log.Error().
				Str("tx_id", tx.ID.String()).
				Err(revertErr).
				Msg("failed to release deposit confirmation claim")
		}
		return nil, fmt.Errorf("credit deposit: %w", err)
	}

	s.transition(tx, StatusConfirmed)
	s.emit("deposit_confirmed", tx)
	return tx, nil
}

// RequestWithdrawal reserves funds for a withdrawal. The full amount is
// debited immediately, before any external transfer, so it cannot be
// double-spent while approval is outstanding. A tiered fee on the USD
// value is credited to the house account.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID uuid.UUID, amount money.Amount, destination string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal amount %s", ErrValidation, amount)
	}
	if destination == "" {
		return nil, fmt.Errorf("%w: destination address required", ErrValidation)
	}

	quote, err := s.prices.SpotPrice(ctx, "BTC-USD")
	if err != nil {
		return nil, fmt.Errorf("spot price for fee tier: %w", err)
	}
	usdValue := amount.MulRate(quote.Price)
	fee, rate := WithdrawalFee(amount, quote.Price)
	net := amount.Sub(fee)

	status := StatusPending
	if !s.approvalRequired {
		status = StatusApproved
	}

	tx := &Transaction{
		ID:              uuid.New(),
		AccountID:       accountID,
		Kind:            TxKindWithdrawal,
		Amount:          amount,
		Asset:           ledger.AssetBTC,
		ExternalAddress: destination,
		Status:          status,
		FeeAmount:       fee,
		Metadata: map[string]string{
			"fee_rate":  rate.String(),
			"usd_value": usdValue.String(),
			"net":       net.String(),
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if quote.Stale {
		tx.Metadata["price_stale"] = "true"
	}
	tx.ReferenceID = tx.ID.String()

	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create withdrawal tx: %w", err)
	}

	// Debit reservation: sufficiency is checked under the same per-account
	// serialization as the write, closing the overdraft race.
	txID := tx.ID
	_, err = s.ledger.RecordChange(ctx, ledger.ChangeRequest{
		AccountID:         accountID,
		Asset:             ledger.AssetBTC,
		Change:            amount.Neg(),
		Kind:              ledger.KindWithdrawal,
		SettlementTxID:    &txID,
		RequireSufficient: true,
		Metadata: map[string]string{
			"stage":       "requested",
			"destination": destination,
			"fee":         fee.String(),
			"fee_rate":    rate.String(),
			"usd_value":   usdValue.String(),
		},
	})
	if err != nil {
		tx.Status = StatusFailed
		tx.Metadata["failure"] = err.Error()
		tx.UpdatedAt = time.Now().UTC()
		if updateErr := s.txs.Update(ctx, tx, status); updateErr != nil {
			s.log.Error().Str("tx_id", tx.ID.String()).Err(updateErr).Msg("failed to mark withdrawal failed")
		}
		s.transition(tx, StatusFailed)
		return nil, err
	}

	if fee.IsPositive() {
		if _, err := s.ledger.RecordChange(ctx, ledger.ChangeRequest{
			AccountID:      s.houseAccountID,
			Asset:          ledger.AssetBTC,
			Change:         fee,
			Kind:           ledger.KindFee,
			SettlementTxID: &txID,
			Metadata: map[string]string{
				"from_account": accountID.String(),
				"fee_rate":     rate.String(),
				"usd_value":    usdValue.String(),
			},
		}); err != nil {
			// Principal is debited but no fee reached the house account.
			// The flag below stays unset, so a later rejection refunds the
			// principal without clawing back a fee that never landed.
			return nil, fmt.Errorf("credit fee: %w", err)
		}

		tx.Metadata["fee_credited"] = "true"
		tx.UpdatedAt = time.Now().UTC()
		if err := s.txs.Update(ctx, tx, status); err != nil {
			s.log.Error().Str("tx_id", tx.ID.String()).Err(err).Msg("failed to record fee credit flag")
		}
	}

	s.transition(tx, status)
	s.emit("withdrawal_requested", tx)
	return tx, nil
}

// ApproveWithdrawal executes the external transfer for a withdrawal. On
// success the transaction completes and stores the external transaction
// id. An explicit rejection from the network rolls the debit back. An
// ambiguous outcome (timeout, 5xx) leaves the transaction exactly where it
// was: the same reference id makes a later retry idempotent on the
// network side, and guessing would corrupt the ledger.
func (s *Service) ApproveWithdrawal(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	tx, err := s.txs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Kind != TxKindWithdrawal {
		return nil, fmt.Errorf("%w: %s is not a withdrawal", ErrValidation, id)
	}
	if !tx.Status.CanTransitionTo(StatusCompleted) {
		return nil, fmt.Errorf("%w: withdrawal %s is %s", ErrAlreadyProcessed, id, tx.Status)
	}

	// Claim the transition before the external call. A concurrent reject
	// now fails its own status swap instead of refunding a withdrawal
	// whose transfer is already in flight.
	prev := tx.Status
	tx.Status = StatusCompleted
	tx.UpdatedAt = time.Now().UTC()
	if err := s.txs.Update(ctx, tx, prev); err != nil {
		return nil, fmt.Errorf("claim withdrawal: %w", err)
	}

	net := tx.Amount.Sub(tx.FeeAmount)
	result, err := s.custodian.ExecuteWithdrawal(ctx, string(tx.Asset), net, tx.ExternalAddress, tx.ReferenceID)
	switch {
	case errors.Is(err, custodian.ErrRejected):
		// Explicit failure: the transfer will not happen; compensate now.
		return s.applyRejection(ctx, tx, StatusCompleted, "custodian rejected: "+err.Error())
	case err != nil:
		if s.metrics != nil {
			s.metrics.SettlementAmbiguous.Inc()
		}
		// Release the claim: an ambiguous outcome leaves the transaction
		// exactly where it was, retryable under the same reference id.
		tx.Status = prev
		tx.UpdatedAt = time.Now().UTC()
		if revertErr := s.txs.Update(ctx, tx, StatusCompleted); revertErr != nil {
			s.log.Error().Str("tx_id", tx.ID.String()).Err(revertErr).Msg("failed to release withdrawal claim")
		}
		s.log.Error().
			Str("tx_id", tx.ID.String()).
			Str("account_id", tx.AccountID.String()).
			Str("amount", tx.Amount.String()).
			Err(err).
			Msg("withdrawal outcome ambiguous, left pending for manual follow-up")
		return nil, fmt.Errorf("execute withdrawal: %w", err)
	}

	tx.Status = StatusCompleted
	tx.ExternalTxID = result.ExternalTxID
	tx.UpdatedAt = time.Now().UTC()
	if err := s.txs.Update(ctx, tx, StatusCompleted); err != nil {
		return nil, fmt.Errorf("update withdrawal tx: %w", err)
	}

	// Zero-change marker: the user was already debited at request time;
	// this records the external send against the ledger trail.
	txID := tx.ID
	if _, err := s.ledger.RecordChange(ctx, ledger.ChangeRequest{
		AccountID:      tx.AccountID,
		Asset:          tx.Asset,
		Change:         money.Zero(),
		Kind:           ledger.KindInternal,
		SettlementTxID: &txID,
		Metadata: map[string]string{
			"stage":          "sent",
			"external_tx_id": result.ExternalTxID,
		},
	}); err != nil {
		s.log.Error().Str("tx_id", tx.ID.String()).Err(err).Msg("failed to record withdrawal send marker")
	}

	s.transition(tx, StatusCompleted)
	s.emit("withdrawal_completed", tx)
	return tx, nil
}

// RejectWithdrawal is the admin rejection path: the transaction is closed
// and the reserved funds are returned.
func (s *Service) RejectWithdrawal(ctx context.Context, id uuid.UUID, reason string) (*Transaction, error) {
	tx, err := s.txs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Kind != TxKindWithdrawal {
		return nil, fmt.Errorf("%w: %s is not a withdrawal", ErrValidation, id)
	}
	if tx.Status == StatusCompleted || tx.Status == StatusRejected {
		return nil, fmt.Errorf("%w: withdrawal %s is %s", ErrAlreadyProcessed, id, tx.Status)
	}
	if reason == "" {
		reason = "rejected by admin"
	}
	return s.applyRejection(ctx, tx, tx.Status, reason)
}

// applyRejection transitions to rejected and compensates: the principal
// debit is reversed in full, and the fee credit is clawed back from the
// house account so the account ends exactly where it started. prev is the
// status the caller observed; losing that status swap means another actor
// already moved the transaction, and nothing is refunded.
func (s *Service) applyRejection(ctx context.Context, tx *Transaction, prev Status, reason string) (*Transaction, error) {
	tx.Status = StatusRejected
	if tx.Metadata == nil {
		tx.Metadata = map[string]string{}
	}
	tx.Metadata["reject_reason"] = reason
	tx.UpdatedAt = time.Now().UTC()
	if err := s.txs.Update(ctx, tx, prev); err != nil {
		return nil, fmt.Errorf("update withdrawal tx: %w", err)
	}

	txID := tx.ID
	if _, err := s.ledger.RecordChange(ctx, ledger.ChangeRequest{
		AccountID:      tx.AccountID,
		Asset:          tx.Asset,
		Change:         tx.Amount,
		Kind:           ledger.KindWithdrawalRefund,
		SettlementTxID: &txID,
		Metadata: map[string]string{
			"original_tx": tx.ID.String(),
			"reason":      reason,
		},
	}); err != nil {
		return nil, fmt.Errorf("refund withdrawal: %w", err)
	}

	// Reverse the fee only if its credit actually landed. A withdrawal can
	// be left with FeeAmount set but no house credit when the fee write
	// failed after the principal debit.
	if tx.FeeAmount.IsPositive() && tx.Metadata["fee_credited"] == "true" {
		if _, err := s.ledger.RecordChange(ctx, ledger.ChangeRequest{
			AccountID:      s.houseAccountID,
			Asset:          tx.Asset,
			Change:         tx.FeeAmount.Neg(),
			Kind:           ledger.KindFee,
			SettlementTxID: &txID,
			Metadata: map[string]string{
				"original_tx": tx.ID.String(),
				"reversal":    "true",
				"reason":      reason,
			},
		}); err != nil {
			return nil, fmt.Errorf("reverse fee: %w", err)
		}
	}

	s.transition(tx, StatusRejected)
	s.emit("withdrawal_rejected", tx)
	return tx, nil
}

// CompleteWithdrawal marks an executed withdrawal completed, driven by a
// verified webhook referencing the external transaction id. Idempotent.
func (s *Service) CompleteWithdrawal(ctx context.Context, externalRef string) (*Transaction, error) {
	tx, err := s.txs.GetByExternalTxID(ctx, externalRef)
	if errors.Is(err, ErrTransactionNotFound) {
		// Some deliveries reference our own transaction id instead.
		if id, parseErr := uuid.Parse(externalRef); parseErr == nil {
			tx, err = s.txs.Get(ctx, id)
		}
	}
	if err != nil {
		return nil, err
	}
	if tx.Kind != TxKindWithdrawal {
		// The uuid fallback above would otherwise let a completion event
		// close a pending deposit and suppress its real confirmation.
		return nil, fmt.Errorf("%w: %s is not a withdrawal", ErrValidation, tx.ID)
	}

	if tx.Status == StatusCompleted {
		return tx, nil
	}
	if !tx.Status.CanTransitionTo(StatusCompleted) {
		return nil, fmt.Errorf("%w: withdrawal %s is %s", ErrAlreadyProcessed, tx.ID, tx.Status)
	}

	prev := tx.Status
	tx.Status = StatusCompleted
	tx.UpdatedAt = time.Now().UTC()
	if err := s.txs.Update(ctx, tx, prev); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			current, getErr := s.txs.Get(ctx, tx.ID)
			if getErr == nil && current.Status == StatusCompleted {
				return current, nil
			}
		}
		return nil, err
	}

	s.transition(tx, StatusCompleted)
	s.emit("withdrawal_completed", tx)
	return tx, nil
}

// PurchaseBTC converts fiat to BTC. The fiat debit happens first, under
// the same sufficiency serialization as withdrawals; BTC is credited only
// when the exchange reports a nonzero fill. If the exchange fails after
// the debit, the transaction stays recoverable with the debit intact:
// debited funds are never silently dropped.
func (s *Service) PurchaseBTC(ctx context.Context, accountID uuid.UUID, usdAmount money.Amount) (*Transaction, error) {
	if !usdAmount.IsPositive() {
		return nil, fmt.Errorf("%w: purchase amount %s", ErrValidation, usdAmount)
	}

	tx := &Transaction{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      TxKindDeposit,
		Amount:    money.Zero(),
		Asset:     ledger.AssetBTC,
		Status:    StatusPending,
		Metadata:  map[string]string{"usd_amount": usdAmount.String()},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	tx.ReferenceID = "buy-" + tx.ID.String()
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create purchase tx: %w", err)
	}

	txID := tx.ID
	_, err := s.ledger.RecordChange(ctx, ledger.ChangeRequest{
		AccountID:         accountID,
		Asset:             ledger.AssetFiat,
		Change:            usdAmount.Neg(),
		Kind:              ledger.KindBuy,
		SettlementTxID:    &txID,
		RequireSufficient: true,
		Metadata: map[string]string{
			"stage":        "requested",
			"reference_id": tx.ReferenceID,
		},
	})
	if err != nil {
		tx.Status = StatusFailed
		tx.Metadata["failure"] = err.Error()
		tx.UpdatedAt = time.Now().UTC()
		if updateErr := s.txs.Update(ctx, tx, StatusPending); updateErr != nil {
			s.log.Error().Str("tx_id", tx.ID.String()).Err(updateErr).Msg("failed to mark purchase failed")
		}
		s.transition(tx, StatusFailed)
		return nil, err
	}

	result, err := s.custodian.ExecuteExchange(ctx, "buy", string(ledger.AssetFiat), string(ledger.AssetBTC), usdAmount, tx.ReferenceID)
	if err != nil {
		// Debit stays in place either way: an explicit rejection closes the
		// transaction as failed, an ambiguous outcome leaves it pending.
		// Manual reconciliation resolves both against the paired debit entry.
		tx.Metadata["exchange_error"] = err.Error()
		if errors.Is(err, custodian.ErrRejected) {
			tx.Status = StatusFailed
		} else if s.metrics != nil {
			s.metrics.SettlementAmbiguous.Inc()
		}
		tx.UpdatedAt = time.Now().UTC()
		if updateErr := s.txs.Update(ctx, tx, StatusPending); updateErr != nil {
			s.log.Error().Str("tx_id", tx.ID.String()).Err(updateErr).Msg("failed to record exchange failure")
		}
		s.log.Error().
			Str("tx_id", tx.ID.String()).
			Str("account_id", accountID.String()).
			Str("usd_amount", usdAmount.String()).
			Err(err).
			Msg("exchange failed after fiat debit, left for manual reconciliation")
		s.transition(tx, tx.Status)
		return nil, fmt.Errorf("execute exchange: %w", err)
	}

	if result.FilledAmount.IsPositive() {
		if _, err := s.ledger.RecordChange(ctx, ledger.ChangeRequest{
			AccountID:      accountID,
			Asset:          ledger.AssetBTC,
			Change:         result.FilledAmount,
			Kind:           ledger.KindBuy,
			SettlementTxID: &txID,
			Metadata: map[string]string{
				"stage":        "filled",
				"reference_id": result.ReferenceID,
			},
		}); err != nil {
			return nil, fmt.Errorf("credit purchase: %w", err)
		}
		tx.Amount = result.FilledAmount
		tx.Status = StatusConfirmed
	}
	// filled == 0 without error: order accepted but not yet executed;
	// stays pending until a confirmation webhook credits it.

	tx.UpdatedAt = time.Now().UTC()
	if err := s.txs.Update(ctx, tx, StatusPending); err != nil {
		return nil, fmt.Errorf("update purchase tx: %w", err)
	}

	s.transition(tx, tx.Status)
	s.emit("purchase_"+string(tx.Status), tx)
	return tx, nil
}

// Get returns one settlement transaction.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return s.txs.Get(ctx, id)
}

// PendingWithdrawals lists withdrawals awaiting admin action.
func (s *Service) PendingWithdrawals(ctx context.Context) ([]Transaction, error) {
	return s.txs.ListByStatus(ctx, TxKindWithdrawal, StatusPending)
}

// Totals aggregates settled volume per transaction kind.
func (s *Service) Totals(ctx context.Context) ([]KindTotal, error) {
	return s.txs.Totals(ctx)
}

func (s *Service) transition(tx *Transaction, to Status) {
	if s.metrics != nil {
		s.metrics.SettlementTransitions.WithLabelValues(string(tx.Kind), string(to)).Inc()
	}
}

func (s *Service) emit(eventType string, tx *Transaction) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ingestion.PublishableEvent{
		EventType:     eventType,
		AccountID:     tx.AccountID.String(),
		TransactionID: tx.ID.String(),
		Asset:         string(tx.Asset),
		Amount:        tx.Amount.String(),
		Status:        string(tx.Status),
	})
}
