package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
	"github.com/nudgekit/nudgekit/internal/stats"
	"github.com/nudgekit/nudgekit/internal/store"
)

func init() {
	rootCmd.AddCommand(newResultsCmd())
}

func newResultsCmd() *cobra.Command {
	var segmentKey string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show variant performance",
		Long: `Show posterior means with 95% credible intervals for active variants,
ranked best first.

With --segment, show the segment's ranked view (the ranking that biases
selection for that population) instead of the global posteriors.

Examples:
  ngk results
  ngk results --segment "fintech:senior:builder"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
				ctx := context.Background()
				if segmentKey != "" {
					return printSegmentResults(ctx, eng, segmentKey, cfg.Segment.MinSamples)
				}
				return printGlobalResults(ctx, eng)
			})
		},
	}

	cmd.Flags().StringVarP(&segmentKey, "segment", "s", "", "segment key to inspect")
	return cmd
}

func printGlobalResults(ctx context.Context, eng *engine.Engine) error {
	variants, err := eng.Store.ListVariantsByStatus(ctx, store.StatusActive)
	if err != nil {
		return fmt.Errorf("failed to list variants: %w", err)
	}
	if len(variants) == 0 {
		fmt.Println("No active variants.")
		return nil
	}

	sort.Slice(variants, func(i, j int) bool {
		mi, mj := variants[i].PosteriorMean(), variants[j].PosteriorMean()
		if mi != mj {
			return mi > mj
		}
		return variants[i].ID < variants[j].ID
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tID\tSAMPLES\tPOSTERIOR\t95% CI\tTEXT")
	for i, v := range variants {
		lower, upper := stats.CredibleInterval(v.SuccessCount, v.FailureCount, 0.95)
		fmt.Fprintf(w, "%d\t%s\t%d\t%.3f\t[%.3f, %.3f]\t%s\n",
			i+1, v.ID, v.Samples(), v.PosteriorMean(), lower, upper, truncate(v.Text, 48))
	}
	return w.Flush()
}

func printSegmentResults(ctx context.Context, eng *engine.Engine, segmentKey string, minSamples int) error {
	model, err := eng.Aggregator.Ranking(ctx, segmentKey)
	if err != nil {
		return fmt.Errorf("failed to load segment ranking: %w", err)
	}

	fmt.Printf("Segment %s: %d resolved sample(s)\n", model.SegmentKey, model.SampleCount)
	if model.SampleCount < minSamples {
		fmt.Printf("Below the minimum of %d samples: no selection bias applied (cold start).\n", minSamples)
	}
	if len(model.Ranked) == 0 {
		fmt.Println("No resolved outcomes yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tVARIANT\tRATE")
	for i, rv := range model.Ranked {
		fmt.Fprintf(w, "%d\t%s\t%.3f\n", i+1, rv.VariantID, rv.Rate)
	}
	return w.Flush()
}
