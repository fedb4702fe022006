package cli

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
	"github.com/nudgekit/nudgekit/internal/server"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the nudgekit HTTP server.

The server provides:
  - POST /api/select  and  POST /api/convert for collaborating services
  - POST /jobs/sweep  and  POST /jobs/cycle (token-protected job triggers)
  - GET  /health      and  GET /metrics

Example:
  ngk serve --port 8080`,
	RunE: runServe,
}

func init() {
	defaultPort := 0
	if p := os.Getenv("NUDGE_SERVER_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			defaultPort = parsed
		}
	}

	serveCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
		listenPort := cfg.Server.Port
		if port != 0 {
			listenPort = port
		}
		srv := server.New(eng, listenPort, cfg.Server.TokenFile)
		return srv.Start()
	})
}
