// Package chain holds EVM network descriptors and derives per-chain
// gas parameters and nonces.
package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"txflow/pkg/types"
)

// NativeCurrency describes a chain's gas token
type NativeCurrency struct {
	Name     string `yaml:"name" json:"name"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals int    `yaml:"decimals" json:"decimals"`
}

// Descriptor is the well-known description of one EVM network
type Descriptor struct {
	ID           types.ChainID  `yaml:"id"`
	Name         string         `yaml:"name"`
	Aliases      []string       `yaml:"aliases"`
	Native       NativeCurrency `yaml:"native_currency"`
	RPCURLs      []string       `yaml:"rpc_urls"`
	ExplorerURLs []string       `yaml:"explorer_urls"`
	LowFee       bool           `yaml:"low_fee"`
}

// AddChainParams is the wallet_addEthereumChain payload
type AddChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

// AddChainParams renders the descriptor for an add-chain request
func (d Descriptor) AddChainParams() AddChainParams {
	return AddChainParams{
		ChainID:           d.ID.Hex(),
		ChainName:         d.Name,
		NativeCurrency:    d.Native,
		RPCURLs:           d.RPCURLs,
		BlockExplorerURLs: d.ExplorerURLs,
	}
}

func eth(name string) NativeCurrency {
	return NativeCurrency{Name: name, Symbol: "ETH", Decimals: 18}
}

var wellKnown = []Descriptor{
	{ID: 1, Name: "Ethereum", Aliases: []string{"eth", "mainnet"}, Native: eth("Ether"), RPCURLs: []string{"https://eth.llamarpc.com"}, ExplorerURLs: []string{"https://etherscan.io"}},
	{ID: 10, Name: "OP Mainnet", Aliases: []string{"optimism", "op"}, Native: eth("Ether"), RPCURLs: []string{"https://mainnet.optimism.io"}, ExplorerURLs: []string{"https://optimistic.etherscan.io"}, LowFee: true},
	{ID: 56, Name: "BNB Smart Chain", Aliases: []string{"bsc", "bnb"}, Native: NativeCurrency{Name: "BNB", Symbol: "BNB", Decimals: 18}, RPCURLs: []string{"https://bsc-dataseed.bnbchain.org"}, ExplorerURLs: []string{"https://bscscan.com"}},
	{ID: 137, Name: "Polygon", Aliases: []string{"matic", "pol"}, Native: NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18}, RPCURLs: []string{"https://polygon-rpc.com"}, ExplorerURLs: []string{"https://polygonscan.com"}},
	{ID: 324, Name: "zkSync Era", Aliases: []string{"zksync"}, Native: eth("Ether"), RPCURLs: []string{"https://mainnet.era.zksync.io"}, ExplorerURLs: []string{"https://explorer.zksync.io"}, LowFee: true},
	{ID: 8453, Name: "Base", Native: eth("Ether"), RPCURLs: []string{"https://mainnet.base.org"}, ExplorerURLs: []string{"https://basescan.org"}, LowFee: true},
	{ID: 42161, Name: "Arbitrum One", Aliases: []string{"arbitrum", "arb"}, Native: eth("Ether"), RPCURLs: []string{"https://arb1.arbitrum.io/rpc"}, ExplorerURLs: []string{"https://arbiscan.io"}, LowFee: true},
	{ID: 43114, Name: "Avalanche C-Chain", Aliases: []string{"avalanche", "avax"}, Native: NativeCurrency{Name: "Avalanche", Symbol: "AVAX", Decimals: 18}, RPCURLs: []string{"https://api.avax.network/ext/bc/C/rpc"}, ExplorerURLs: []string{"https://snowtrace.io"}},
	{ID: 59144, Name: "Linea", Native: eth("Linea Ether"), RPCURLs: []string{"https://rpc.linea.build"}, ExplorerURLs: []string{"https://lineascan.build"}, LowFee: true},
	{ID: 534352, Name: "Scroll", Native: eth("Ether"), RPCURLs: []string{"https://rpc.scroll.io"}, ExplorerURLs: []string{"https://scrollscan.com"}, LowFee: true},
	{ID: 11155111, Name: "Sepolia", Native: eth("Sepolia Ether"), RPCURLs: []string{"https://rpc.sepolia.org"}, ExplorerURLs: []string{"https://sepolia.etherscan.io"}},
}

// Registry is the set of chains the engine knows how to reach
type Registry struct {
	mu     sync.RWMutex
	chains map[types.ChainID]Descriptor
}

// NewRegistry returns a registry seeded with the well-known networks
func NewRegistry() *Registry {
	r := &Registry{chains: make(map[types.ChainID]Descriptor, len(wellKnown))}
	for _, d := range wellKnown {
		r.chains[d.ID] = d
	}
	return r
}

// Definitions models the chains YAML file
type Definitions struct {
	Chains map[string]Descriptor `yaml:"chains"`
}

// LoadRegistry seeds the well-known networks and applies the YAML file at path.
// An empty path yields the well-known set only.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if strings.TrimSpace(path) == "" {
		return r, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains file: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse chains file: %w", err)
	}

	for slug, d := range defs.Chains {
		if d.ID <= 0 {
			return nil, fmt.Errorf("chain %q: missing id", slug)
		}
		d.Aliases = append(d.Aliases, slug)
		r.Merge(d)
	}
	return r, nil
}

// Merge adds a descriptor or overlays the non-empty fields onto an existing one
func (r *Registry) Merge(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.chains[d.ID]
	if !ok {
		if d.Name == "" {
			d.Name = "Chain " + d.ID.String()
		}
		r.chains[d.ID] = d
		return
	}

	if d.Name != "" {
		existing.Name = d.Name
	}
	if d.Native.Symbol != "" {
		existing.Native = d.Native
	}
	if len(d.RPCURLs) > 0 {
		existing.RPCURLs = d.RPCURLs
	}
	if len(d.ExplorerURLs) > 0 {
		existing.ExplorerURLs = d.ExplorerURLs
	}
	existing.Aliases = append(existing.Aliases, d.Aliases...)
	existing.LowFee = existing.LowFee || d.LowFee
	r.chains[d.ID] = existing
}

// SetRPC puts url in front of the chain's RPC endpoints
func (r *Registry) SetRPC(id types.ChainID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.chains[id]
	if !ok {
		d = Descriptor{ID: id, Name: "Chain " + id.String(), Native: eth("Ether")}
	}
	urls := []string{url}
	for _, u := range d.RPCURLs {
		if u != url {
			urls = append(urls, u)
		}
	}
	d.RPCURLs = urls
	r.chains[id] = d
}

// Get returns the descriptor for id
func (r *Registry) Get(id types.ChainID) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.chains[id]
	return d, ok
}

// Name returns a human name for id, even for unknown chains
func (r *Registry) Name(id types.ChainID) string {
	if d, ok := r.Get(id); ok && d.Name != "" {
		return d.Name
	}
	return "chain " + id.String()
}

// Lookup resolves a chain by numeric id, hex id, name or alias
func (r *Registry) Lookup(key string) (Descriptor, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Descriptor{}, fmt.Errorf("chain is required")
	}

	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "0x") || isDigits(key) {
		id, err := types.ParseChainID(key)
		if err != nil {
			return Descriptor{}, err
		}
		if d, ok := r.Get(id); ok {
			return d, nil
		}
		return Descriptor{ID: id, Name: "Chain " + id.String()}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.chains {
		if strings.ToLower(d.Name) == lower {
			return d, nil
		}
		for _, alias := range d.Aliases {
			if strings.ToLower(alias) == lower {
				return d, nil
			}
		}
	}
	return Descriptor{}, fmt.Errorf("unknown chain '%s'", key)
}

// All returns every known chain ordered by id
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.chains))
	for _, d := range r.chains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
