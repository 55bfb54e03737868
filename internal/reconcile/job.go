package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"custodyledger/internal/accounts"
	"custodyledger/internal/custodian"
	"custodyledger/internal/ledger"
	"custodyledger/internal/money"
	"custodyledger/internal/observability"
)

// Tolerance is one unit at the ledger's precision. A delta at or above it
// is drift; entries and snapshots are exact decimals, so anything nonzero
// clears this bar.
var Tolerance = money.MustFromString("0.00000001")

// Store is the read surface the job audits.
type Store interface {
	SumChanges(ctx context.Context, accountID uuid.UUID, asset ledger.Asset) (money.Amount, error)
	SnapshotBalance(ctx context.Context, accountID uuid.UUID, asset ledger.Asset) (money.Amount, error)
	AggregateSnapshotTotal(ctx context.Context, asset ledger.Asset) (money.Amount, error)
}

// Finding is one account+asset whose snapshot disagrees with the replayed
// entry sum. Delta is snapshot minus sum: positive means the snapshot
// claims more than the entries support.
type Finding struct {
	AccountID uuid.UUID
	Asset     ledger.Asset
	LedgerSum money.Amount
	Snapshot  money.Amount
	Delta     money.Amount
}

// VaultCheck compares the aggregate of all snapshot balances for an asset
// against the custodian's reported vault balance.
type VaultCheck struct {
	Asset       ledger.Asset
	LedgerTotal money.Amount
	VaultTotal  money.Amount
	Delta       money.Amount
	Drifted     bool
}

// Report is the outcome of one reconciliation run.
type Report struct {
	RunAt           time.Time
	AccountsChecked int
	Findings        []Finding
	Vault           *VaultCheck

	// VaultError is set when the custodian could not be reached. The run
	// still completes: internal consistency does not depend on the
	// custodian being up.
	VaultError string
}

// Clean reports whether the run found no drift anywhere.
func (r *Report) Clean() bool {
	return len(r.Findings) == 0 && (r.Vault == nil || !r.Vault.Drifted)
}

// Job replays every account's entries and compares the result to the
// stored snapshot, then checks the aggregate against the custodian vault.
// It is read-only: findings are reported, never auto-corrected.
type Job struct {
	store     Store
	directory accounts.Directory
	custodian custodian.Client
	assets    []ledger.Asset
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewJob(store Store, directory accounts.Directory, cust custodian.Client, log zerolog.Logger, metrics *observability.Metrics) *Job {
	return &Job{
		store:     store,
		directory: directory,
		custodian: cust,
		assets:    []ledger.Asset{ledger.AssetFiat, ledger.AssetBTC},
		log:       log,
		metrics:   metrics,
	}
}

func (j *Job) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunAt: time.Now().UTC()}
	driftTotal := money.Zero()

	ids, err := j.directory.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.AccountsChecked++

		for _, asset := range j.assets {
			sum, err := j.store.SumChanges(ctx, id, asset)
			if err != nil {
				return nil, fmt.Errorf("sum entries for %s/%s: %w", id, asset, err)
			}
			snapshot, err := j.store.SnapshotBalance(ctx, id, asset)
			if err != nil {
				return nil, fmt.Errorf("snapshot for %s/%s: %w", id, asset, err)
			}

			delta := snapshot.Sub(sum)
			if delta.Abs().LessThan(Tolerance) {
				continue
			}

			report.Findings = append(report.Findings, Finding{
				AccountID: id,
				Asset:     asset,
				LedgerSum: sum,
				Snapshot:  snapshot,
				Delta:     delta,
			})
			driftTotal = driftTotal.Add(delta.Abs())
			j.log.Warn().
				Str("account_id", id.String()).
				Str("asset", string(asset)).
				Str("ledger_sum", sum.String()).
				Str("snapshot", snapshot.String()).
				Str("delta", delta.String()).
				Msg("snapshot drift detected")
		}
	}

	j.checkVault(ctx, report)

	if j.metrics != nil {
		j.metrics.ReconcileRuns.Inc()
		j.metrics.ReconcileAccounts.Set(float64(report.AccountsChecked))
		j.metrics.ReconcileDriftedAccs.Set(float64(len(report.Findings)))
		f, _ := driftTotal.Decimal().Float64()
		j.metrics.ReconcileDriftTotal.Set(f)
	}

	j.log.Info().
		Int("accounts", report.AccountsChecked).
		Int("findings", len(report.Findings)).
		Bool("clean", report.Clean()).
		Msg("reconciliation run complete")
	return report, nil
}

// checkVault compares the aggregate BTC snapshot total to the custodian
// vault. Custodian unavailability is recorded, not fatal.
func (j *Job) checkVault(ctx context.Context, report *Report) {
	total, err := j.store.AggregateSnapshotTotal(ctx, ledger.AssetBTC)
	if err != nil {
		report.VaultError = fmt.Sprintf("aggregate snapshot total: %v", err)
		return
	}

	vault, err := j.custodian.VaultBalance(ctx, string(ledger.AssetBTC))
	if err != nil {
		report.VaultError = err.Error()
		j.log.Warn().Err(err).Msg("vault balance unavailable, skipping aggregate check")
		return
	}

	delta := vault.Sub(total)
	report.Vault = &VaultCheck{
		Asset:       ledger.AssetBTC,
		LedgerTotal: total,
		VaultTotal:  vault,
		Delta:       delta,
		Drifted:     !delta.Abs().LessThan(Tolerance),
	}
	if report.Vault.Drifted {
		j.log.Warn().
			Str("ledger_total", total.String()).
			Str("vault_total", vault.String()).
			Str("delta", delta.String()).
			Msg("vault drift detected")
	}
}
