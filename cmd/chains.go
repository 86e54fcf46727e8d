package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"txflow/pkg/chain"
)

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List the known EVM networks",
	Long: `List the networks txflow can switch a wallet to. Entries come from the
built-in list, the chains_file and rpc_urls settings.

Examples:
  txflow chains
  txflow chains --json`,
	Args: cobra.NoArgs,
	Run:  runChains,
}

func init() {
	rootCmd.AddCommand(chainsCmd)
}

func runChains(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	e, err := newEngine(cmd.Context())
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer e.Close()

	chains := e.registry.All()
	if jsonOutput {
		payload := make([]chain.AddChainParams, 0, len(chains))
		for _, d := range chains {
			payload = append(payload, d.AddChainParams())
		}
		jsonData, _ := json.MarshalIndent(payload, "", "  ")
		fmt.Println(string(jsonData))
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	color.Green("                                KNOWN CHAINS")
	fmt.Println(strings.Repeat("=", 80) + "\n")

	for _, d := range chains {
		rpc := color.HiBlackString("no rpc")
		if len(d.RPCURLs) > 0 {
			rpc = color.HiBlackString(d.RPCURLs[0])
		}
		fee := ""
		if d.LowFee {
			fee = color.CyanString(" low-fee")
		}
		fmt.Printf("  %-8d %-8s %-22s %s%s\n", d.ID, d.ID.Hex(), color.YellowString(d.Name), rpc, fee)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Printf("\nTotal: %d chains\n\n", len(chains))
}
