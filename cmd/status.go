package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JulienPeloton/Spectractor/internal/store"
)

var (
	statusDataDir string
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show chain completeness for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDataDir, "data", "data", "Data directory for run artifacts")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]
	dir := filepath.Join(statusDataDir, "runs", runID)

	config, err := store.LoadRunConfig(dir)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s: %d chain(s) x %d steps (burn-in %d, exploration %d)\n",
		config.RunID, config.Chains, config.Steps, config.BurnIn, config.ExplorationTime)

	complete := 0
	for id := 0; id < config.Chains; id++ {
		n, err := store.CountChainRows(dir, id, len(config.Params))
		if err != nil {
			fmt.Printf("  chain %d: %v\n", id, err)
			continue
		}
		state := "incomplete"
		if n >= config.Steps {
			state = "complete"
			complete++
		}
		fmt.Printf("  chain %d: %d/%d rows (%s)\n", id, n, config.Steps, state)
	}

	if complete == config.Chains {
		fmt.Println("All chains complete; run is finished.")
	} else {
		fmt.Printf("%d/%d chains complete; re-run to resume.\n", complete, config.Chains)
	}
	return nil
}
