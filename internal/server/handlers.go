package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"custodyledger/internal/custodian"
	"custodyledger/internal/ledger"
	"custodyledger/internal/money"
	"custodyledger/internal/pricefeed"
	"custodyledger/internal/reconcile"
	"custodyledger/internal/settlement"
)

// PriceSource is the slice of the price feed the API exposes.
type PriceSource interface {
	SpotPrice(ctx context.Context, pair string) (pricefeed.Quote, error)
}

type apiHandler struct {
	ledger     *ledger.Service
	settlement *settlement.Service
	reconciler *reconcile.Job
	prices     PriceSource
	log        zerolog.Logger
}

type balancesResponse struct {
	AccountID string       `json:"account_id"`
	Fiat      money.Amount `json:"usd_balance"`
	BTC       money.Amount `json:"btc_balance"`
}

func (h *apiHandler) getBalances(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	fiat, btc, err := h.ledger.Balances(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balancesResponse{
		AccountID: accountID.String(),
		Fiat:      fiat,
		BTC:       btc,
	})
}

type entryResponse struct {
	ID             string            `json:"id"`
	SettlementTxID string            `json:"settlement_tx_id,omitempty"`
	Asset          string            `json:"asset"`
	Change         money.Amount      `json:"change"`
	BalanceAfter   money.Amount      `json:"balance_after"`
	Kind           string            `json:"kind"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (h *apiHandler) listEntries(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	asset, ok := ledger.ParseAsset(r.URL.Query().Get("asset"))
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errBody("unknown asset"))
		return
	}

	entries, err := h.ledger.Entries(r.Context(), accountID, asset)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp := entryResponse{
			ID:           e.ID.String(),
			Asset:        string(e.Asset),
			Change:       e.Change,
			BalanceAfter: e.BalanceAfter,
			Kind:         string(e.Kind),
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt,
		}
		if e.SettlementTxID != nil {
			resp.SettlementTxID = e.SettlementTxID.String()
		}
		out = append(out, resp)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

func (h *apiHandler) createDepositAddress(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	tx, err := h.settlement.CreateDeposit(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txResponse(tx))
}

type withdrawalRequest struct {
	Amount      money.Amount `json:"amount"`
	Destination string       `json:"destination"`
}

func (h *apiHandler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.settlement.RequestWithdrawal(r.Context(), accountID, req.Amount, req.Destination)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txResponse(tx))
}

type purchaseRequest struct {
	USDAmount money.Amount `json:"usd_amount"`
}

func (h *apiHandler) purchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.settlement.PurchaseBTC(r.Context(), accountID, req.USDAmount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txResponse(tx))
}

func (h *apiHandler) getTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := h.txID(w, r)
	if !ok {
		return
	}
	tx, err := h.settlement.Get(r.Context(), txID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txResponse(tx))
}

func (h *apiHandler) approveWithdrawal(w http.ResponseWriter, r *http.Request) {
	txID, ok := h.txID(w, r)
	if !ok {
		return
	}
	tx, err := h.settlement.ApproveWithdrawal(r.Context(), txID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txResponse(tx))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *apiHandler) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	txID, ok := h.txID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}

	tx, err := h.settlement.RejectWithdrawal(r.Context(), txID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txResponse(tx))
}

func (h *apiHandler) getPrice(w http.ResponseWriter, r *http.Request) {
	pair := chi.URLParam(r, "pair")
	quote, err := h.prices.SpotPrice(r.Context(), pair)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pair":  pair,
		"price": quote.Price,
		"stale": quote.Stale,
	})
}

func (h *apiHandler) adminStats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.settlement.Totals(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	pending, err := h.settlement.PendingWithdrawals(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	type kindTotal struct {
		Kind  string       `json:"kind"`
		Total money.Amount `json:"total"`
		Count int          `json:"count"`
	}
	outTotals := make([]kindTotal, 0, len(totals))
	for _, t := range totals {
		outTotals = append(outTotals, kindTotal{Kind: string(t.Kind), Total: t.Total, Count: t.Count})
	}
	outPending := make([]map[string]interface{}, 0, len(pending))
	for i := range pending {
		outPending = append(outPending, txResponse(&pending[i]))
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"settled_totals":      outTotals,
		"pending_withdrawals": outPending,
	})
}

func (h *apiHandler) runReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	if r.Header.Get("Accept") == "text/csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		if err := report.WriteCSV(w); err != nil {
			h.log.Error().Err(err).Msg("write reconcile csv")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_at":           report.RunAt,
		"accounts_checked": report.AccountsChecked,
		"findings":         report.Findings,
		"vault":            report.Vault,
		"vault_error":      report.VaultError,
		"clean":            report.Clean(),
	})
}

func txResponse(tx *settlement.Transaction) map[string]interface{} {
	out := map[string]interface{}{
		"id":         tx.ID.String(),
		"account_id": tx.AccountID.String(),
		"kind":       string(tx.Kind),
		"amount":     tx.Amount,
		"asset":      string(tx.Asset),
		"status":     string(tx.Status),
		"fee_amount": tx.FeeAmount,
		"created_at": tx.CreatedAt,
		"updated_at": tx.UpdatedAt,
	}
	if tx.ExternalAddress != "" {
		out["external_address"] = tx.ExternalAddress
	}
	if tx.ExternalTxID != "" {
		out["external_tx_id"] = tx.ExternalTxID
	}
	if tx.ReferenceID != "" {
		out["reference_id"] = tx.ReferenceID
	}
	if len(tx.Metadata) > 0 {
		out["metadata"] = tx.Metadata
	}
	return out
}

func (h *apiHandler) accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errBody("invalid account id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *apiHandler) txID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "txID"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errBody("invalid transaction id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *apiHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errBody("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// writeError maps the domain error taxonomy onto HTTP statuses. External
// ambiguity maps to 502 so callers know the outcome is unresolved, not
// rolled back.
func (h *apiHandler) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, settlement.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, settlement.ErrTransactionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, settlement.ErrAlreadyProcessed):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, custodian.ErrRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, custodian.ErrUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, pricefeed.ErrPriceUnavailable):
		status = http.StatusServiceUnavailable
	default:
		h.log.Error().Err(err).Msg("request failed")
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, errBody(err.Error()))
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("encode response")
	}
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
