package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"

	"txflow/config"
	"txflow/pkg/chain"
	"txflow/pkg/client"
	"txflow/pkg/execute"
	"txflow/pkg/metrics"
	"txflow/pkg/signer"
	"txflow/pkg/telemetry"
	"txflow/pkg/types"
)

// engine is everything a command needs to talk to the backend and the chains
type engine struct {
	cfg      *config.Config
	registry *chain.Registry
	resolver *chain.Resolver
	backend  client.Backend
	signer   signer.Signer
	pipeline *execute.Pipeline

	closers []func()
}

// newEngine loads configuration and builds the backend and chain access.
// The signer and pipeline are only built by withSigner.
func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	registry, err := chain.LoadRegistry(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}
	for id, url := range cfg.RPCURLs {
		registry.SetRPC(id, url)
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:      cfg,
		registry: registry,
		resolver: chain.NewResolver(registry, chain.WithTimeout(cfg.RPCTimeout)),
		backend:  backend,
	}
	e.startTelemetry(ctx)
	return e, nil
}

func newBackend(cfg *config.Config) (client.Backend, error) {
	timeouts := client.Timeouts{
		Quote:   cfg.QuoteTimeout,
		Prepare: cfg.PrepareTimeout,
		Status:  cfg.StatusTimeout,
	}

	switch cfg.Backend {
	case config.BackendOneClick:
		return client.NewOneClickBackend(cfg.JWTToken,
			client.WithOneClickBaseURL(cfg.BaseURL),
			client.WithOneClickTimeouts(timeouts),
		)
	default:
		return client.NewHTTPBackend(cfg.BaseURL,
			client.WithAPIKey(cfg.APIKey),
			client.WithRetries(cfg.HTTPRetries),
			client.WithTimeouts(timeouts),
		), nil
	}
}

func (e *engine) startTelemetry(ctx context.Context) {
	e.closers = append(e.closers, telemetry.InitTracer(e.cfg.OTelEndpoint))

	if e.cfg.MetricsAddr == "" {
		return
	}
	metrics.Register()
	metricsCtx, cancel := context.WithCancel(ctx)
	e.closers = append(e.closers, cancel)
	go func() {
		if err := metrics.Serve(metricsCtx, e.cfg.MetricsAddr); err != nil {
			log.Error().Err(err).Str("component", "metrics").Str("addr", e.cfg.MetricsAddr).Msg("metrics server failed")
		}
	}()
}

// withSigner connects the configured wallet, starting on initial, and builds
// the execution pipeline. onEvent receives driver progress.
func (e *engine) withSigner(ctx context.Context, initial types.ChainID, onEvent func(execute.Event)) error {
	if err := e.cfg.ValidateSigner(); err != nil {
		return err
	}

	switch e.cfg.Signer.Mode {
	case config.SignerRPC:
		s, err := signer.DialRPC(ctx, e.cfg.Signer.RPCURL)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, s.Close)
		e.signer = s
	default:
		s, err := signer.NewLocalSigner(e.cfg.Signer.PrivateKey, e.registry, initial)
		if err != nil {
			return err
		}
		e.signer = s
	}

	driver := execute.NewDriver(e.signer, e.resolver, e.registry,
		execute.WithSwitchDelay(e.cfg.SwitchDelay),
		execute.WithEvents(onEvent),
	)
	e.pipeline = execute.NewPipeline(e.backend, driver,
		execute.WithQuoteInterval(e.cfg.QuoteInterval),
		execute.WithSettleDelay(e.cfg.SettleDelay),
	)
	return nil
}

// sender returns the explicit address or the wallet's account
func (e *engine) sender(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	addr, err := e.signer.Address(ctx)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func (e *engine) lookupChain(flag, value string) (chain.Descriptor, error) {
	if value == "" {
		return chain.Descriptor{}, fmt.Errorf("--%s is required", flag)
	}
	return e.registry.Lookup(value)
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// exit closes the engine before exiting; os.Exit skips deferred calls
func (e *engine) exit(code int) {
	e.Close()
	os.Exit(code)
}

// printEvent renders driver progress for the terminal
func printEvent(ev execute.Event) {
	position := fmt.Sprintf("[%d/%d]", ev.Index+1, ev.Total)
	switch ev.Kind {
	case execute.EventSwitching:
		color.Yellow("%s Switching wallet to %s...", position, ev.Network)
	case execute.EventSubmitting:
		label := ev.Step
		if label == "" {
			label = "transaction"
		}
		fmt.Printf("%s Submitting %s on %s...\n", position, label, ev.Network)
	case execute.EventSubmitted:
		color.Green("%s Submitted %s", position, ev.TxHash)
	case execute.EventRecovered:
		color.Green("%s Submitted %s (recovered from wallet error)", position, ev.TxHash)
	case execute.EventFailed:
		if ev.Err != nil {
			color.Red("%s Failed: %s", position, ev.Err.Title)
		}
	}
}
