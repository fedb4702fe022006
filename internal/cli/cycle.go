package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
)

func init() {
	rootCmd.AddCommand(cycleCmd)
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one plateau detection cycle",
	Long: `Check whether the active pool has plateaued and spawn fresh candidate
variants if it has.

Schedule it from cron on its own interval, non-overlapping with itself:
  30 2 * * * ngk cycle --db /var/lib/nudgekit/nudgekit.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
			result, err := eng.Detector.RunCycle(context.Background())
			if err != nil {
				return fmt.Errorf("cycle failed: %w", err)
			}

			if result.PlateauDetected {
				fmt.Printf("Plateau detected (gap %.3f over %d samples): spawned %d variant(s)\n",
					result.TopTwoGap, result.TotalSamples, result.NewVariants)
			} else {
				fmt.Printf("No plateau (gap %.3f, %d samples)\n", result.TopTwoGap, result.TotalSamples)
			}
			return nil
		})
	},
}
