// Command paymentsctl runs reconciliation jobs against the configured store
// without starting the HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "paymentsctl",
		Short:         "Operator tools for payment reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Directory holding config.yaml")

	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(repairCmd(&configPath))
	rootCmd.AddCommand(statusCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
