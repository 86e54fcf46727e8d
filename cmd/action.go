package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"txflow/pkg/execute"
	"txflow/pkg/types"
)

var (
	actionChain  string
	actionSender string
	actionParams map[string]string
	actionYes    bool
)

var actionCmd = &cobra.Command{
	Use:   "action <name>",
	Short: "Run a named backend action such as stake, unstake or claim",
	Long: `Ask the backend for the transactions of a named action and submit them.
If the backend first needs a token approval, the approval is submitted, then
the action is requested once more and submitted.

Examples:
  txflow action claim --chain arbitrum
  txflow action unstake --chain base --param amount=1000000 --param validator=0xabc...`,
	Args: cobra.ExactArgs(1),
	Run:  runAction,
}

func init() {
	rootCmd.AddCommand(actionCmd)

	actionCmd.Flags().StringVar(&actionChain, "chain", "", "Chain name or id (REQUIRED)")
	actionCmd.Flags().StringVar(&actionSender, "sender", "", "Sender address (defaults to the wallet account)")
	actionCmd.Flags().StringToStringVar(&actionParams, "param", nil, "Action parameter as key=value (repeatable)")
	actionCmd.Flags().BoolVarP(&actionYes, "yes", "y", false, "Skip confirmation prompt")
}

func runAction(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	e, err := newEngine(ctx)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer e.Close()

	target, err := e.lookupChain("chain", actionChain)
	if err != nil {
		printError(err)
		e.exit(1)
	}

	onEvent := printEvent
	if jsonOutput {
		onEvent = nil
	}
	if err := e.withSigner(ctx, target.ID, onEvent); err != nil {
		printError(err)
		e.exit(1)
	}

	sender, err := e.sender(ctx, actionSender)
	if err != nil {
		printError(err)
		e.exit(1)
	}

	req := types.ActionRequest{
		Action:  args[0],
		ChainID: target.ID,
		Sender:  sender,
		Params:  actionParams,
	}

	if !actionYes && !e.cfg.AutoConfirm && !jsonOutput {
		fmt.Printf("\n  Action:  %s\n  Chain:   %s\n  Sender:  %s\n", color.YellowString(req.Action), target.Name, sender)
		if !confirm("Proceed?") {
			fmt.Println("\nAction cancelled.")
			e.exit(0)
		}
	}

	if !jsonOutput {
		fmt.Println()
	}
	res, err := e.pipeline.RunAction(ctx, req)
	if err != nil {
		if jsonOutput {
			printJSONFailure(err)
		} else {
			printError(err)
			if res != nil && res.State == execute.StateActionRequested && len(res.Approval) > 0 {
				color.Yellow("The approval was submitted. Run the action again once it is confirmed.\n")
			}
		}
		e.exit(1)
	}

	if jsonOutput {
		output := map[string]interface{}{
			"action":       req.Action,
			"state":        res.State,
			"approval":     res.Approval,
			"transactions": res.Action,
		}
		jsonData, _ := json.MarshalIndent(output, "", "  ")
		fmt.Println(string(jsonData))
		return
	}

	printCompleted(res.Results())
	printSuccess(color.GreenString("Action %s submitted.", req.Action))
}
