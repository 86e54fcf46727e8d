package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"txflow/pkg/execute"
	"txflow/pkg/parser"
	"txflow/pkg/types"
)

var (
	fromChain     string
	toChain       string
	senderAddr    string
	recipientAddr string
	noConfirm     bool
)

var swapCmd = &cobra.Command{
	Use:   "swap <amount> <source-token> to <dest-token>",
	Short: "Quote and execute a token swap",
	Long: `Quote a swap, then sign and submit every transaction the backend prepares
for it. Cross-chain swaps may need several transactions on different networks;
the wallet is switched between them automatically.

Examples:
  # Same-chain swap
  txflow swap 0.5 ETH to USDC --from-chain ethereum --to-chain ethereum

  # Cross-chain swap to another recipient
  txflow swap 100 USDC to ETH --from-chain arbitrum --to-chain base --recipient 0x123...

  # Skip the confirmation prompt
  txflow swap 1 ETH to USDC --from-chain 1 --to-chain 8453 --yes`,
	Args: cobra.MinimumNArgs(1),
	Run:  runSwap,
}

func init() {
	rootCmd.AddCommand(swapCmd)

	swapCmd.Flags().StringVar(&fromChain, "from-chain", "", "Source chain name or id (REQUIRED)")
	swapCmd.Flags().StringVar(&toChain, "to-chain", "", "Destination chain name or id (REQUIRED)")
	swapCmd.Flags().StringVar(&senderAddr, "sender", "", "Sender address (defaults to the wallet account)")
	swapCmd.Flags().StringVar(&recipientAddr, "recipient", "", "Recipient address (defaults to the sender)")
	swapCmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")
}

func runSwap(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	swapReq, err := parser.ParseSwapCommand(strings.Join(args, " "))
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	e, err := newEngine(ctx)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer e.Close()

	source, err := e.lookupChain("from-chain", fromChain)
	if err != nil {
		printError(err)
		e.exit(1)
	}
	dest, err := e.lookupChain("to-chain", toChain)
	if err != nil {
		printError(err)
		e.exit(1)
	}
	swapReq.SourceChain = source.ID
	swapReq.DestChain = dest.ID
	swapReq.Recipient = recipientAddr

	onEvent := printEvent
	if jsonOutput {
		onEvent = nil
	}
	if err := e.withSigner(ctx, source.ID, onEvent); err != nil {
		printError(err)
		e.exit(1)
	}

	if swapReq.SenderAddress, err = e.sender(ctx, senderAddr); err != nil {
		printError(err)
		e.exit(1)
	}

	if err := parser.ValidateSwapRequest(swapReq); err != nil || !execute.CanSubmit(*swapReq) {
		printError(execute.ErrCannotSubmit)
		e.exit(1)
	}

	// Get quote with spinner
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Fetching quote..."
		s.Start()
	}

	quote, err := e.pipeline.Quote(ctx, *swapReq)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(err)
		e.exit(1)
	}

	if !jsonOutput {
		displayQuote(quote, swapReq, source.Name, dest.Name)
	}

	if !noConfirm && !e.cfg.AutoConfirm && !jsonOutput {
		if !confirm("Proceed with swap?") {
			fmt.Println("\nSwap cancelled.")
			e.exit(0)
		}
	}

	if !jsonOutput {
		fmt.Println()
	}
	results, err := e.pipeline.Execute(ctx, *swapReq, quote)
	if err != nil {
		if jsonOutput {
			printJSONFailure(err)
		} else {
			printError(err)
		}
		e.exit(1)
	}

	if jsonOutput {
		output := map[string]interface{}{
			"quote_id":      quote.ID,
			"source_amount": swapReq.Amount,
			"source_token":  swapReq.SourceToken,
			"dest_amount":   quote.EstimatedOutput,
			"dest_token":    swapReq.DestToken,
			"transactions":  results,
			"status":        "submitted",
		}
		jsonData, _ := json.MarshalIndent(output, "", "  ")
		fmt.Println(string(jsonData))
		return
	}

	printCompleted(results)
	printSuccess(color.GreenString("Swap submitted."))
	if quote.DepositAddress != "" {
		fmt.Println("You can monitor the swap status using:")
		color.Cyan("  txflow status %s --chain %d\n", quote.DepositAddress, swapReq.SourceChain)
	} else if len(results) > 0 {
		last := results[len(results)-1]
		fmt.Println("You can monitor the last transaction using:")
		color.Cyan("  txflow status %s --chain %d --rpc\n", last.TxHash, last.ChainID)
	}
}

func displayQuote(quote *types.Quote, swapReq *types.QuoteRequest, sourceName, destName string) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	color.Green("                     SWAP QUOTE")
	fmt.Println(strings.Repeat("=", 60))

	amountIn := quote.InputAmount
	if amountIn == "" {
		amountIn = swapReq.Amount
	}
	fmt.Printf("\n  From:              %s %s\n", amountIn, color.YellowString(swapReq.SourceToken))
	fmt.Printf("  To:                ~%s %s\n", quote.EstimatedOutput, color.YellowString(swapReq.DestToken))
	fmt.Printf("  Source Chain:      %s\n", sourceName)
	fmt.Printf("  Destination Chain: %s\n", destName)
	if d := quote.EstimatedDuration(); d > 0 {
		fmt.Printf("  Estimated Time:    %s\n", d)
	}
	if quote.DepositAddress != "" {
		fmt.Printf("  Deposit Address:   %s\n", color.CyanString(quote.DepositAddress))
	}
	for _, fee := range quote.Fees {
		line := fmt.Sprintf("%s %s", fee.Amount, fee.Token)
		if fee.USD != "" {
			line += fmt.Sprintf(" ($%s)", fee.USD)
		}
		fmt.Printf("  Fee (%s):%s%s\n", fee.Name, strings.Repeat(" ", max(1, 12-len(fee.Name))), strings.TrimSpace(line))
	}

	fmt.Println("\n" + strings.Repeat("=", 60) + "\n")
}

func printCompleted(results []types.TxResult) {
	if len(results) == 0 {
		return
	}
	fmt.Println()
	for i, r := range results {
		label := r.Step
		if label == "" {
			label = "transaction"
		}
		fmt.Printf("  %d. %-12s chain %-8d %s\n", i+1, label, r.ChainID, color.CyanString(r.TxHash))
	}
}

func printJSONFailure(err error) {
	output := map[string]interface{}{
		"status": "failed",
		"error":  err.Error(),
	}
	var execErr *execute.ExecutionError
	if errors.As(err, &execErr) {
		output["transactions"] = execErr.Completed
		output["failed_index"] = execErr.FailedIndex
		output["category"] = execErr.Err.Category
		output["code"] = execErr.Err.Code
		output["outcome"] = execErr.Err.Outcome()
	}
	jsonData, _ := json.MarshalIndent(output, "", "  ")
	fmt.Println(string(jsonData))
}

func confirm(prompt string) bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("\n%s (y/N): ", prompt)

	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
