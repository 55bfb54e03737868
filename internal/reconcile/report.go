package reconcile

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// WriteCSV renders the report in the operations handoff format: one row
// per drifted account, one row for the vault check, and a trailing
// summary row. Amounts are the canonical 8-digit strings, never floats.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{
		"record_type", "account_id", "asset", "ledger_sum", "snapshot", "delta",
	}); err != nil {
		return err
	}

	for _, f := range r.Findings {
		if err := cw.Write([]string{
			"account_drift",
			f.AccountID.String(),
			string(f.Asset),
			f.LedgerSum.String(),
			f.Snapshot.String(),
			f.Delta.String(),
		}); err != nil {
			return err
		}
	}

	switch {
	case r.VaultError != "":
		if err := cw.Write([]string{"vault_check_skipped", "", "", "", "", r.VaultError}); err != nil {
			return err
		}
	case r.Vault != nil:
		status := "vault_ok"
		if r.Vault.Drifted {
			status = "vault_drift"
		}
		if err := cw.Write([]string{
			status,
			"",
			string(r.Vault.Asset),
			r.Vault.LedgerTotal.String(),
			r.Vault.VaultTotal.String(),
			r.Vault.Delta.String(),
		}); err != nil {
			return err
		}
	}

	if err := cw.Write([]string{
		"summary",
		fmt.Sprintf("accounts=%d", r.AccountsChecked),
		fmt.Sprintf("findings=%d", len(r.Findings)),
		fmt.Sprintf("clean=%t", r.Clean()),
		r.RunAt.Format(time.RFC3339),
		"",
	}); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}
