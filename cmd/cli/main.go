package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inferloop/dptrain/cmd/cli/commands"
	"github.com/inferloop/dptrain/pkg/constants"
)

func main() {
	global := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   constants.AppName,
		Short: "Differentially private logistic regression trainer",
		Long: `A command-line interface for training binary logistic regression models
with DP-SGD under an (epsilon, delta) privacy budget, and for calibrating
the noise such a run would need.`,
		Version:       constants.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&global.ConfigFile, "config", "", "config file (default is $HOME/.dptrain/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&global.Verbose, "verbose", "v", false, "verbose output")

	// Add commands
	rootCmd.AddCommand(commands.NewTrainCmd(global))
	rootCmd.AddCommand(commands.NewCalibrateCmd(global))
	rootCmd.AddCommand(commands.NewVersionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Execute
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
