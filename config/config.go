package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"txflow/pkg/types"
)

// Backend modes
const (
	BackendHTTP     = "http"
	BackendOneClick = "oneclick"
)

// Signer modes
const (
	SignerLocal = "local"
	SignerRPC   = "rpc"
)

// SignerConfig selects how transactions are signed
type SignerConfig struct {
	Mode       string
	PrivateKey string
	RPCURL     string
}

// Config holds the application configuration
type Config struct {
	Backend  string
	BaseURL  string
	APIKey   string
	JWTToken string

	QuoteTimeout   time.Duration
	PrepareTimeout time.Duration
	StatusTimeout  time.Duration
	RPCTimeout     time.Duration
	HTTPRetries    int

	QuoteInterval time.Duration
	SwitchDelay   time.Duration
	SettleDelay   time.Duration

	ChainsFile string
	RPCURLs    map[types.ChainID]string

	Signer SignerConfig

	LogLevel     string
	MetricsAddr  string
	OTelEndpoint string
	AutoConfirm  bool
}

var globalConfig *Config

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendHTTP)
	v.SetDefault("base_url", "")
	v.SetDefault("quote_timeout", 15*time.Second)
	v.SetDefault("prepare_timeout", 30*time.Second)
	v.SetDefault("status_timeout", 8*time.Second)
	v.SetDefault("rpc_timeout", 5*time.Second)
	v.SetDefault("http_retries", 2)
	v.SetDefault("quote_interval", 250*time.Millisecond)
	v.SetDefault("switch_delay", 750*time.Millisecond)
	v.SetDefault("settle_delay", 4*time.Second)
	v.SetDefault("signer.mode", SignerLocal)
	v.SetDefault("log_level", "info")
}

// Load reads configuration from environment variables and config file
func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetConfigName(".txflow")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	SetDefaults(v)

	// TXFLOW_SIGNER_PRIVATE_KEY maps to signer.private_key
	v.SetEnvPrefix("TXFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional
	_ = v.ReadInConfig()

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}

	globalConfig = cfg
	return cfg, nil
}

// FromViper builds and validates a Config from v
func FromViper(v *viper.Viper) (*Config, error) {
	rpcURLs, err := parseRPCURLs(v.GetStringMapString("rpc_urls"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Backend:        strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		BaseURL:        strings.TrimRight(v.GetString("base_url"), "/"),
		APIKey:         v.GetString("api_key"),
		JWTToken:       v.GetString("jwt_token"),
		QuoteTimeout:   v.GetDuration("quote_timeout"),
		PrepareTimeout: v.GetDuration("prepare_timeout"),
		StatusTimeout:  v.GetDuration("status_timeout"),
		RPCTimeout:     v.GetDuration("rpc_timeout"),
		HTTPRetries:    v.GetInt("http_retries"),
		QuoteInterval:  v.GetDuration("quote_interval"),
		SwitchDelay:    v.GetDuration("switch_delay"),
		SettleDelay:    v.GetDuration("settle_delay"),
		ChainsFile:     v.GetString("chains_file"),
		RPCURLs:        rpcURLs,
		Signer: SignerConfig{
			Mode:       strings.ToLower(strings.TrimSpace(v.GetString("signer.mode"))),
			PrivateKey: v.GetString("signer.private_key"),
			RPCURL:     v.GetString("signer.rpc_url"),
		},
		LogLevel:     v.GetString("log_level"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		AutoConfirm:  v.GetBool("auto_confirm"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings required by the selected backend
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.BaseURL == "" {
			return fmt.Errorf("base URL not found. Please set TXFLOW_BASE_URL environment variable or base_url in .txflow.yaml")
		}
	case BackendOneClick:
		if c.JWTToken == "" {
			return fmt.Errorf("JWT token not found. Please set TXFLOW_JWT_TOKEN environment variable or jwt_token in .txflow.yaml")
		}
	default:
		return fmt.Errorf("unknown backend %q (expected %q or %q)", c.Backend, BackendHTTP, BackendOneClick)
	}

	if c.HTTPRetries < 0 {
		return fmt.Errorf("http_retries must not be negative")
	}
	return nil
}

// ValidateSigner checks the settings of the selected signer mode.
// Only commands that submit transactions need a signer.
func (c *Config) ValidateSigner() error {
	switch c.Signer.Mode {
	case SignerLocal:
		if c.Signer.PrivateKey == "" {
			return fmt.Errorf("private key not found. Please set TXFLOW_SIGNER_PRIVATE_KEY environment variable")
		}
	case SignerRPC:
		if c.Signer.RPCURL == "" {
			return fmt.Errorf("wallet RPC URL not found. Please set TXFLOW_SIGNER_RPC_URL environment variable")
		}
	default:
		return fmt.Errorf("unknown signer mode %q (expected %q or %q)", c.Signer.Mode, SignerLocal, SignerRPC)
	}
	return nil
}

func parseRPCURLs(raw map[string]string) (map[types.ChainID]string, error) {
	urls := make(map[types.ChainID]string, len(raw))
	for key, url := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid chain id %q in rpc_urls", key)
		}
		urls[types.ChainID(id)] = url
	}
	return urls, nil
}

// Get returns the global configuration
func Get() *Config {
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		return cfg
	}
	return globalConfig
}

// Set updates the global configuration
func Set(cfg *Config) {
	globalConfig = cfg
}
