package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"custodyledger/internal/money"
	"custodyledger/internal/observability"
	"custodyledger/internal/settlement"
)

// Request headers carrying the gate inputs. Same scheme the outbound
// custodian client signs with.
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderTimestamp = "X-TIMESTAMP"
	HeaderSignature = "X-SIGNATURE"
)

const maxBodyBytes = 1 << 20

// notification is the union of the delivery shapes the custodian sends.
// Field names vary between event versions; alternates are collapsed when
// decoding.
type notification struct {
	EventType    string `json:"event_type"`
	PaymentType  string `json:"payment_type"`
	ReferenceID  string `json:"reference_id"`
	Address      string `json:"deposit_address"`
	Amount       string `json:"amount"`
	TxHash       string `json:"transaction_hash"`
	ExternalTxID string `json:"transaction_id"`
	WithdrawalID string `json:"withdrawal_id"`
}

func (n notification) event() string {
	if n.EventType != "" {
		return n.EventType
	}
	return n.PaymentType
}

func (n notification) depositReference() string {
	if n.ReferenceID != "" {
		return n.ReferenceID
	}
	return n.Address
}

func (n notification) externalRef() string {
	switch {
	case n.ExternalTxID != "":
		return n.ExternalTxID
	case n.WithdrawalID != "":
		return n.WithdrawalID
	default:
		return n.TxHash
	}
}

// Handler terminates custodian webhooks: gate first, then dispatch into
// the settlement service. Deliveries that reference nothing we know are
// acknowledged with 200 so the sender stops retrying; the gate has already
// authenticated them, and redelivery would never start matching.
type Handler struct {
	gate       *Gate
	settlement *settlement.Service
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewHandler(gate *Gate, svc *settlement.Service, log zerolog.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{gate: gate, settlement: svc, log: log, metrics: metrics}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	err = h.gate.Verify(
		r.Header.Get(HeaderAPIKey),
		r.Header.Get(HeaderTimestamp),
		r.Header.Get(HeaderSignature),
		body,
	)
	if err != nil {
		h.rejected(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.WebhookAccepted.Inc()
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		h.log.Warn().Err(err).Msg("webhook body is not valid JSON")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	h.dispatch(w, r, n, r.Header.Get(HeaderSignature))
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, n notification, signature string) {
	log := h.log.With().Str("event_type", n.event()).Logger()

	switch n.event() {
	case "wallet_deposit", "deposit_confirmed":
		amount, err := money.FromString(n.Amount)
		if err != nil {
			log.Warn().Str("amount", n.Amount).Msg("deposit notification with bad amount")
			http.Error(w, "invalid amount", http.StatusBadRequest)
			return
		}
		tx, err := h.settlement.ConfirmDeposit(r.Context(), n.depositReference(), amount, n.externalRef())
		if errors.Is(err, settlement.ErrTransactionNotFound) {
			log.Info().Str("reference_id", n.depositReference()).Msg("no matching deposit, acknowledged")
			h.ack(w)
			return
		}
		if err != nil {
			h.dispatchError(w, log, err, signature)
			return
		}
		log.Info().Str("tx_id", tx.ID.String()).Str("amount", amount.String()).Msg("deposit confirmed")
		h.ack(w)

	case "withdrawal_completed", "withdrawal_finalized":
		tx, err := h.settlement.CompleteWithdrawal(r.Context(), n.externalRef())
		if errors.Is(err, settlement.ErrTransactionNotFound) {
			log.Info().Str("external_ref", n.externalRef()).Msg("no matching withdrawal, acknowledged")
			h.ack(w)
			return
		}
		if err != nil {
			h.dispatchError(w, log, err, signature)
			return
		}
		log.Info().Str("tx_id", tx.ID.String()).Msg("withdrawal completed")
		h.ack(w)

	default:
		log.Info().Msg("unhandled webhook event, acknowledged")
		h.ack(w)
	}
}

func (h *Handler) dispatchError(w http.ResponseWriter, log zerolog.Logger, err error, signature string) {
	if errors.Is(err, settlement.ErrValidation) || errors.Is(err, settlement.ErrAlreadyProcessed) {
		log.Warn().Err(err).Msg("webhook rejected by settlement rules")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	log.Error().Err(err).Msg("webhook processing failed")
	// Release the replay mark so the sender's unchanged redelivery is not
	// suppressed as a duplicate; settlement idempotency keeps the retry
	// from double-crediting.
	h.gate.Forget(signature)
	http.Error(w, "processing failed", http.StatusInternalServerError)
}

func (h *Handler) rejected(w http.ResponseWriter, err error) {
	reason := "invalid_signature"
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, ErrMissingCredentials):
		reason = "credentials"
	case errors.Is(err, ErrStaleNotification):
		reason = "stale"
	case errors.Is(err, ErrDuplicateNotification):
		reason = "duplicate"
		// A duplicate is not an attack: the first delivery was processed.
		// Acknowledge so the sender stops redelivering.
		if h.metrics != nil {
			h.metrics.WebhookReplays.Inc()
		}
		h.log.Info().Msg("duplicate webhook delivery suppressed")
		h.ack(w)
		return
	}

	if h.metrics != nil {
		h.metrics.WebhookRejected.WithLabelValues(reason).Inc()
	}
	h.log.Warn().Str("reason", reason).Err(err).Msg("webhook rejected")
	http.Error(w, "unauthorized", status)
}

func (h *Handler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
