package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
	"github.com/nudgekit/nudgekit/internal/store"
)

func init() {
	rootCmd.AddCommand(retireCmd)
}

var retireCmd = &cobra.Command{
	Use:   "retire <variant-id>",
	Short: "Retire a variant",
	Long: `Retire a variant so it stops being selectable.

Retirement is a status flag, not deletion: the variant's history stays
queryable and its counters are preserved for audit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		variantID := args[0]

		return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
			ctx := context.Background()

			err := eng.Store.UpdateVariantStatus(ctx, variantID, store.StatusRetired)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("variant not found: %s", variantID)
			}
			if err != nil {
				return fmt.Errorf("failed to retire variant: %w", err)
			}

			fmt.Printf("Retired variant %s\n", variantID)
			return nil
		})
	},
}
