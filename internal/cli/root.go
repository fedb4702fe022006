package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "ngk",
	Short: "nudgekit - a self-optimizing variant-selection engine",
	Long: `nudgekit decides which content variant to present per user
interaction, learns from delayed conversion outcomes, and regenerates its
candidate pool when learning stalls. Single Go binary, embedded SQLite.

Start with 'ngk seed' to create the initial variant pool, then 'ngk serve'.
Schedule 'ngk sweep' and 'ngk cycle' (or the /jobs endpoints) from cron.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("NUDGE_DB_PATH", ""), "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("NUDGE_CONFIG", ""), "path to YAML config file")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
