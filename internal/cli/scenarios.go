package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wattex/wattexd/internal/scenarios"
)

var (
	scenarioList   bool
	scenarioOutput string
)

// scenariosCmd represents the scenarios command
var scenariosCmd = &cobra.Command{
	Use:   "scenarios [name]",
	Short: "Run the audit scenario suite",
	Long: `Scenarios drives complete trade flows against a throwaway in-process
node: SQLite in memory, an embedded key-value store in a temp directory,
the mock bank rail and a scripted delivery oracle. Each scenario reports
every step it took and the command exits non-zero when any step fails.

Without arguments the whole suite runs; naming one scenario runs just it.

Example:
    wattexd scenarios
    wattexd scenarios replay
    wattexd scenarios --list
    wattexd scenarios -o reports.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScenarios,
}

func init() {
	rootCmd.AddCommand(scenariosCmd)

	scenariosCmd.Flags().BoolVar(&scenarioList, "list", false, "list the available scenarios instead of running them")
	scenariosCmd.Flags().StringVarP(&scenarioOutput, "output", "o", "", "output file for the reports (JSON)")
}

func runScenarios(cmd *cobra.Command, args []string) error {
	if scenarioList {
		return emitJSON(scenarios.List(), scenarioOutput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reports []scenarios.Report
	if len(args) == 1 {
		rep, err := scenarios.Run(ctx, args[0])
		if err != nil {
			return fmt.Errorf("%w (available: %s)", err, strings.Join(scenarios.Names(), ", "))
		}
		reports = []scenarios.Report{*rep}
	} else {
		var err error
		reports, err = scenarios.RunAll(ctx)
		if err != nil {
			return err
		}
	}

	if err := emitJSON(reports, scenarioOutput); err != nil {
		return err
	}

	failed := 0
	for i := range reports {
		if !reports[i].Passed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(reports))
	}
	return nil
}
