package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile expired observation windows",
	Long: `Resolve every pending selection whose attribution window has passed
as a non-conversion.

Idempotent and safe to re-run; schedule it from cron every few hours:
  0 */4 * * * ngk sweep --db /var/lib/nudgekit/nudgekit.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
			expired, err := eng.Observer.ReconcileExpired(context.Background())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("Expired %d window(s)\n", expired)
			return nil
		})
	},
}
