package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"txflow/pkg/classify"
	"txflow/pkg/execute"
	"txflow/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "txflow",
	Short: "Quote, prepare and submit multi-chain EVM transaction sequences",
	Long: `txflow asks a quote/prepare backend for the transactions behind a swap or
named action, then signs and submits them in order, switching the wallet
between networks as needed.

Examples:
  txflow swap 1 ETH to USDC --from-chain ethereum --to-chain base
  txflow action unstake --chain arbitrum --param validator=0xabc...
  txflow status 0x1234...abcd --chain base --rpc --watch
  txflow chains`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		// the config file is read later by each command; env applies from the start
		_ = viper.BindEnv("log_level", "TXFLOW_LOG_LEVEL")
		level := viper.GetString("log_level")
		if verbose {
			level = "debug"
		}
		logging.Setup(level, jsonOutput)
		if jsonOutput {
			color.NoColor = true
		}
	},
}

// Execute runs the root command. An interrupt cancels the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Expose Prometheus metrics on this address while running")

	_ = viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
}

func printError(err error) {
	var execErr *execute.ExecutionError
	if errors.As(err, &execErr) {
		printCompleted(execErr.Completed)
		fmt.Printf("\nStopped at transaction %d", execErr.FailedIndex+1)
		if execErr.FailedStep != "" {
			fmt.Printf(" (%s)", execErr.FailedStep)
		}
		fmt.Println(".")
		err = execErr.Err
	}

	var ce *classify.ClassifiedError
	if errors.As(err, &ce) {
		fmt.Println()
		color.Red("%s", ce.Title)
		fmt.Printf("  %s\n", ce.Message)
		switch {
		case ce.NeedsFunds:
			color.Yellow("  Add funds to your wallet and try again.")
		case ce.Outcome() == classify.OutcomeMaybeSubmitted:
			color.Yellow("  Do not resend until the transaction shows up or your wallet's pending queue clears.")
		case ce.Outcome() == classify.OutcomeCancelled:
			color.Yellow("  Nothing else was sent.")
		case ce.Outcome() == classify.OutcomeRetryable:
			color.Yellow("  This is usually temporary. Try again in a moment.")
		}
		fmt.Println()
		return
	}

	fmt.Printf("\nError: %v\n\n", err)
}

func printSuccess(message string) {
	fmt.Printf("\n%s\n\n", message)
}
