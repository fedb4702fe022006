package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
	"github.com/nudgekit/nudgekit/internal/store"
)

func init() {
	rootCmd.AddCommand(newListCmd())
}

func newListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List variants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
				ctx := context.Background()

				var variants []*store.Variant
				var err error
				if status != "" {
					variants, err = eng.Store.ListVariantsByStatus(ctx, store.VariantStatus(status))
				} else {
					variants, err = eng.Store.ListVariants(ctx)
				}
				if err != nil {
					return fmt.Errorf("failed to list variants: %w", err)
				}

				if len(variants) == 0 {
					fmt.Println("No variants. Run 'ngk seed' to create some.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tSUCCESS\tFAILURE\tTEXT")
				for _, v := range variants {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
						v.ID, v.Status, v.SuccessCount, v.FailureCount, truncate(v.Text, 60))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, candidate, retired)")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
