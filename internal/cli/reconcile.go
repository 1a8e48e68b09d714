package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/wattex/wattexd/internal/di"
)

var reconcileOutput string

// reconcileCmd represents the reconcile command group
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Maintenance sweeps over the configured store",
}

var reconcileExpiredCmd = &cobra.Command{
	Use:   "expired",
	Short: "Expire lapsed escrow holds and refund the buyers",
	Long: `Runs one escrow-expiry sweep: every blocked hold past its deadline is
refunded at the bank and the buyer's balance restored. The daemon runs
the same sweep on a timer; this command is for catch-up after downtime.

Example:
    wattexd reconcile expired
    wattexd reconcile expired -o sweep.json`,
	RunE: runReconcileExpired,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileExpiredCmd)

	reconcileExpiredCmd.Flags().StringVarP(&reconcileOutput, "output", "o", "", "output file for the result (JSON)")
}

// expiryReport is the JSON shape of one reconcile run.
type expiryReport struct {
	Expired int       `json:"expired"`
	SweptAt time.Time `json:"swept_at"`
}

func runReconcileExpired(cmd *cobra.Command, args []string) error {
	return withProvider(func(ctx context.Context, p *di.Provider) error {
		esc, err := p.Escrow()
		if err != nil {
			return err
		}
		expired, err := esc.ReconcileExpired(ctx)
		if err != nil {
			return err
		}
		return emitJSON(expiryReport{Expired: expired, SweptAt: time.Now().UTC()}, reconcileOutput)
	})
}
