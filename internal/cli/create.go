package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
	"github.com/nudgekit/nudgekit/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		text      string
		candidate bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new variant",
		Long: `Create a new content variant.

Examples:
  ngk create --text "What would you build first with this?"
  ngk create --text "Anyone else hit this problem?" --candidate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text = strings.TrimSpace(text)
			if text == "" {
				return fmt.Errorf("variant text must not be empty")
			}

			status := store.StatusActive
			if candidate {
				status = store.StatusCandidate
			}

			return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
				v, err := eng.Store.CreateVariant(context.Background(), text, status, "")
				if err != nil {
					return fmt.Errorf("failed to create variant: %w", err)
				}
				fmt.Printf("Created variant %s (%s)\n", v.ID, v.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&text, "text", "t", "", "variant template text (required)")
	cmd.Flags().BoolVar(&candidate, "candidate", false, "create as candidate instead of active")
	cmd.MarkFlagRequired("text")

	return cmd
}
