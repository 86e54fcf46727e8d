package parser

import (
	"fmt"
	"regexp"
	"strings"

	"txflow/pkg/types"
)

var swapPattern = regexp.MustCompile(`(?i)^(?:swap\s+)?(\d+(?:\.\d+)?)\s+(\S+)\s+to\s+(\S+)$`)

// ParseSwapCommand parses a natural language swap command
// Examples:
//   - "swap 1 ETH to USDC"
//   - "1.5 eth to usdt"
//   - "100 USDC to 0xdAC17F958D2ee523a2206206994597C13D831ec7"
func ParseSwapCommand(command string) (*types.QuoteRequest, error) {
	command = strings.Join(strings.Fields(command), " ")

	matches := swapPattern.FindStringSubmatch(command)
	if matches == nil {
		return nil, fmt.Errorf("invalid swap command format. Expected: 'swap <amount> <token> to <token>' (e.g., 'swap 1 ETH to USDC')")
	}

	return &types.QuoteRequest{
		Amount:      matches[1],
		SourceToken: NormalizeTokenSymbol(matches[2]),
		DestToken:   NormalizeTokenSymbol(matches[3]),
	}, nil
}

// ValidateSwapRequest validates that a swap request has all required fields
func ValidateSwapRequest(req *types.QuoteRequest) error {
	if req.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	if req.SourceToken == "" {
		return fmt.Errorf("source token is required")
	}
	if req.DestToken == "" {
		return fmt.Errorf("destination token is required")
	}
	if req.SourceChain <= 0 {
		return fmt.Errorf("source chain is required")
	}
	if req.DestChain <= 0 {
		return fmt.Errorf("destination chain is required")
	}
	return nil
}

// NormalizeTokenSymbol upper-cases symbols. Contract addresses are kept as given.
func NormalizeTokenSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if strings.HasPrefix(symbol, "0x") || strings.HasPrefix(symbol, "0X") {
		return symbol
	}
	symbol = strings.ToUpper(symbol)

	aliases := map[string]string{
		"WETH":   "ETH",
		"USDC.E": "USDC",
	}
	if normalized, exists := aliases[symbol]; exists {
		return normalized
	}
	return symbol
}
