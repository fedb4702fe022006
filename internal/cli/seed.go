package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
	"github.com/nudgekit/nudgekit/internal/store"
)

func init() {
	rootCmd.AddCommand(seedCmd)
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Interactively create the initial variant pool",
	Long: `Walk through creating the initial active variants.

The selector needs at least one active variant before it can serve
selections; two or more are needed before the learning loop does anything
useful. Enter an empty line to finish.`,
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
		ctx := context.Background()

		existing, err := eng.Store.ListVariantsByStatus(ctx, store.StatusActive)
		if err != nil {
			return fmt.Errorf("failed to list variants: %w", err)
		}
		if len(existing) > 0 {
			fmt.Printf("Pool already has %d active variant(s).\n\n", len(existing))
		}

		created := 0
		for {
			prompt := promptui.Prompt{
				Label: fmt.Sprintf("Variant %d text (empty to finish)", created+1),
			}
			text, err := prompt.Run()
			if err != nil {
				return fmt.Errorf("prompt aborted: %w", err)
			}
			text = strings.TrimSpace(text)
			if text == "" {
				break
			}

			v, err := eng.Store.CreateVariant(ctx, text, store.StatusActive, "")
			if err != nil {
				return fmt.Errorf("failed to create variant: %w", err)
			}
			fmt.Printf("  created %s\n", v.ID)
			created++
		}

		if created+len(existing) < 2 {
			fmt.Println("\nWarning: fewer than 2 active variants; selection will be trivial.")
		}
		fmt.Printf("\nSeeded %d variant(s).\n", created)
		return nil
	})
}
