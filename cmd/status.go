package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"txflow/pkg/retry"
	"txflow/pkg/types"
)

var (
	statusChain   string
	statusRPC     bool
	watchStatus   bool
	watchInterval int
)

var statusCmd = &cobra.Command{
	Use:   "status <tx-hash>",
	Short: "Check the status of a submitted transaction",
	Long: `Check the status of a submitted transaction, either through the backend's
status endpoint or directly on chain with --rpc.

Examples:
  txflow status 0x1234...abcd --chain base
  txflow status 0x1234...abcd --chain base --rpc
  txflow status 0x1234...abcd --chain 42161 --watch --interval 10`,
	Args: cobra.ExactArgs(1),
	Run:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusChain, "chain", "", "Chain name or id the transaction was sent on (REQUIRED)")
	statusCmd.Flags().BoolVar(&statusRPC, "rpc", false, "Read the receipt from the chain instead of the backend")
	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Watch status updates continuously")
	statusCmd.Flags().IntVar(&watchInterval, "interval", 5, "Polling interval in seconds (when watching)")
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	hash := args[0]
	jsonOutput, _ := cmd.Flags().GetBool("json")

	e, err := newEngine(ctx)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer e.Close()

	target, err := e.lookupChain("chain", statusChain)
	if err != nil {
		printError(err)
		e.exit(1)
	}

	fetch := func(ctx context.Context) (*types.TxStatus, error) {
		return retry.DoValue(ctx, retry.Default(), func(ctx context.Context) (*types.TxStatus, error) {
			return e.backend.Status(ctx, hash, target.ID)
		})
	}
	if statusRPC {
		fetch = func(ctx context.Context) (*types.TxStatus, error) {
			return receiptStatus(ctx, e, hash, target.ID)
		}
	}

	if watchStatus {
		watchTxStatus(ctx, fetch, target.Name, jsonOutput)
		return
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Checking status..."
		s.Start()
	}
	status, err := fetch(ctx)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(err)
		e.exit(1)
	}
	displayStatus(status, target.Name, jsonOutput)
}

// receiptStatus reads the transaction receipt from the chain. A missing
// receipt means the transaction is still pending.
func receiptStatus(ctx context.Context, e *engine, hash string, chainID types.ChainID) (*types.TxStatus, error) {
	status := &types.TxStatus{Hash: hash, ChainID: chainID, Status: "pending"}

	receipt, err := e.resolver.Receipt(ctx, chainID, hash)
	if errors.Is(err, ethereum.NotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}

	status.BlockNumber = receipt.BlockNumber.Uint64()
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		status.Status = "success"
	} else {
		status.Status = "failed"
		status.Message = "transaction reverted"
	}
	return status, nil
}

func watchTxStatus(ctx context.Context, fetch func(context.Context) (*types.TxStatus, error), network string, jsonOutput bool) {
	if !jsonOutput {
		fmt.Printf("Watching transaction status (polling every %d seconds)...\n", watchInterval)
		fmt.Println("Press Ctrl+C to stop")
	}

	ticker := time.NewTicker(time.Duration(watchInterval) * time.Second)
	defer ticker.Stop()

	for {
		status, err := fetch(ctx)
		if err != nil {
			color.Red("Error: %v", err)
		} else {
			displayStatus(status, network, jsonOutput)
			if isFinalStatus(status.Status) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func isFinalStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "SUCCESS", "COMPLETED", "CONFIRMED", "FAILED", "REFUNDED", "REVERTED":
		return true
	}
	return false
}

func displayStatus(status *types.TxStatus, network string, jsonOutput bool) {
	if jsonOutput {
		jsonData, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(jsonData))
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                     TRANSACTION STATUS")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Transaction:     %s\n", color.CyanString(status.Hash))
	fmt.Printf("  Network:         %s\n", network)
	fmt.Printf("  Status:          %s\n", getColoredStatus(status.Status))
	if status.BlockNumber > 0 {
		fmt.Printf("  Block:           %d\n", status.BlockNumber)
	}
	if status.Confirmations > 0 {
		fmt.Printf("  Confirmations:   %d\n", status.Confirmations)
	}
	if status.Message != "" {
		fmt.Printf("  Details:         %s\n", status.Message)
	}

	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func getColoredStatus(status string) string {
	status = strings.ToUpper(status)

	switch status {
	case "SUCCESS", "COMPLETED", "CONFIRMED":
		return color.GreenString(status)
	case "PENDING_DEPOSIT", "PENDING", "PROCESSING", "KNOWN_DEPOSIT_TX":
		return color.YellowString(status)
	case "FAILED", "REFUNDED", "REVERTED":
		return color.RedString(status)
	case "INCOMPLETE_DEPOSIT":
		return color.MagentaString(status)
	default:
		return status
	}
}
