package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gwi.com/report-studio/internal/app"
	"gwi.com/report-studio/internal/config"
)

var (
	verbose bool
	rootCmd = &cobra.Command{
		Use:   "reportctl",
		Short: "Manage saved reports from the command line",
		Long: `reportctl works directly against the report store configured for the
server (STORE_DRIVER, DATABASE_URL, BADGER_PATH) and the configured data source.

  reportctl list
  reportctl show 3 --out report.html
  reportctl run 3 --param region=Asia --param start_date=2024-05-01`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show service logs")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(tokenCmd)
}

func initConfig() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if !verbose {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(os.Stderr)
	}
	config.LoadConfig()
}

// openApp wires the services. Seeding is left to the seed command.
func openApp(ctx context.Context) (*app.App, error) {
	cfg := config.AppConfig
	cfg.SeedReports = false
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open report store: %w", err)
	}
	return a, nil
}
