package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/di"
	"github.com/wattex/wattexd/internal/domain"
)

var (
	// trade place flags
	tradeBuyer string
	tradeOffer string
	tradeQty   int64
	tradeHours int

	// trade status flags
	tradeTxn   string
	tradeOrder string

	// shared output flag
	tradeOutput string
)

// tradeCmd represents the trade command group
var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Operational trade commands",
	Long: `Place, inspect and settle trades against the configured store. These
commands wire the same engines the daemon runs, so they work with or
without a daemon as long as nothing else holds the embedded stores.`,
}

var tradePlaceCmd = &cobra.Command{
	Use:   "place",
	Short: "Place a trade end to end",
	Long: `Place runs the whole buyer flow in one shot: discover the catalog,
select an offer, claim blocks and confirm with funds escrowed. Without
--offer the matcher picks the best offer for the criteria.

Example:
    wattexd trade place --buyer user-1 --qty 3
    wattexd trade place --buyer user-1 --offer offer-9 --qty 2 -o trade.json`,
	RunE: runTradePlace,
}

var tradeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current order state for a transaction",
	Long: `Status asks the provider platform for the order as it stands.

Example:
    wattexd trade status --txn txn-01jx...
    wattexd trade status --txn txn-01jx... --order order-01jx...`,
	RunE: runTradeStatus,
}

var tradeVerifyCmd = &cobra.Command{
	Use:   "verify [order-id]",
	Short: "Verify delivery for one order and settle it",
	Long: `Verify settles a single order on demand instead of waiting for the
verifier sweep: the oracle is consulted, escrow is released or refunded
and trust is updated. The delivery window must already be over.

Example:
    wattexd trade verify order-01jx...`,
	Args: cobra.ExactArgs(1),
	RunE: runTradeVerify,
}

func init() {
	rootCmd.AddCommand(tradeCmd)
	tradeCmd.AddCommand(tradePlaceCmd)
	tradeCmd.AddCommand(tradeStatusCmd)
	tradeCmd.AddCommand(tradeVerifyCmd)

	tradePlaceCmd.Flags().StringVar(&tradeBuyer, "buyer", "", "buyer user id (required)")
	tradePlaceCmd.Flags().StringVar(&tradeOffer, "offer", "", "offer id, empty lets the matcher pick")
	tradePlaceCmd.Flags().Int64Var(&tradeQty, "qty", 1, "blocks to buy")
	tradePlaceCmd.Flags().IntVar(&tradeHours, "window-hours", 24, "how far ahead to accept delivery windows")
	tradePlaceCmd.Flags().StringVarP(&tradeOutput, "output", "o", "", "output file for the result (JSON)")

	tradeStatusCmd.Flags().StringVar(&tradeTxn, "txn", "", "transaction id (required)")
	tradeStatusCmd.Flags().StringVar(&tradeOrder, "order", "", "order id, empty resolves the transaction's order")
	tradeStatusCmd.Flags().StringVarP(&tradeOutput, "output", "o", "", "output file for the result (JSON)")

	tradeVerifyCmd.Flags().StringVarP(&tradeOutput, "output", "o", "", "output file for the result (JSON)")
}

// withProvider loads the config, wires the service graph and hands it to fn,
// releasing every opened resource afterwards. Ctrl-C cancels the context.
func withProvider(fn func(ctx context.Context, p *di.Provider) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := di.NewProvider(di.New(), cfg, logger)
	provider.RegisterAll()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("cleanup failed")
		}
	}()

	return fn(ctx, provider)
}

func runTradePlace(cmd *cobra.Command, args []string) error {
	if tradeBuyer == "" {
		return fmt.Errorf("--buyer is required")
	}
	if tradeQty <= 0 {
		return fmt.Errorf("--qty must be positive")
	}

	return withProvider(func(ctx context.Context, p *di.Provider) error {
		bap, err := p.BAP()
		if err != nil {
			return err
		}
		now := time.Now()
		out, err := bap.PlaceTrade(ctx, coordinator.TradeParams{
			BuyerID: tradeBuyer,
			OfferID: tradeOffer,
			Criteria: domain.DiscoveryCriteria{
				RequestedQty: tradeQty,
				RequestedWindow: domain.TimeWindow{
					Start: now,
					End:   now.Add(time.Duration(tradeHours) * time.Hour),
				},
			},
		})
		if err != nil {
			return err
		}
		return emitJSON(out, tradeOutput)
	})
}

func runTradeStatus(cmd *cobra.Command, args []string) error {
	if tradeTxn == "" {
		return fmt.Errorf("--txn is required")
	}

	return withProvider(func(ctx context.Context, p *di.Provider) error {
		bap, err := p.BAP()
		if err != nil {
			return err
		}
		order, err := bap.Status(ctx, tradeTxn, tradeOrder)
		if err != nil {
			return err
		}
		return emitJSON(order, tradeOutput)
	})
}

func runTradeVerify(cmd *cobra.Command, args []string) error {
	orderID := args[0]

	return withProvider(func(ctx context.Context, p *di.Provider) error {
		ver, err := p.Verifier()
		if err != nil {
			return err
		}
		if err := ver.VerifyOrder(ctx, orderID); err != nil {
			return err
		}
		store, err := p.Store()
		if err != nil {
			return err
		}
		order, err := store.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		return emitJSON(order, tradeOutput)
	})
}
