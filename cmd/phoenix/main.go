// Command phoenix runs the MEV-boost relay operational-integrity service:
// demotion scanning, missed-slot reconciliation, builder promotion, and
// freshness watching, all behind a single health and metrics endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ultrasoundmoney/phoenix/internal/config"
	"github.com/ultrasoundmoney/phoenix/internal/procctx"
	"github.com/ultrasoundmoney/phoenix/internal/supervisor"
	"github.com/ultrasoundmoney/phoenix/utils/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "phoenix",
	Short: "phoenix is the operational-integrity sidecar for a mev-boost relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServe() error {
	logging.ConfigureSlog(logLevel)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("phoenix: load config: %w", err)
	}

	ctx := procctx.Get()
	return supervisor.Run(ctx, cfg)
}
