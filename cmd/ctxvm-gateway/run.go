package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/contextvm/ctxvm-go/gateway"
	"github.com/contextvm/ctxvm-go/metrics"
	"github.com/contextvm/ctxvm-go/payments"
	"github.com/contextvm/ctxvm-go/payments/lnbits"
	"github.com/contextvm/ctxvm-go/payments/nwc"
	"github.com/contextvm/ctxvm-go/payments/zap"
	"github.com/contextvm/ctxvm-go/relay"
	"github.com/contextvm/ctxvm-go/signer"
	"github.com/contextvm/ctxvm-go/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	log := newLogger()
	slog.SetDefault(log)

	cfg, err := LoadConfig(flagConfig, flagEnvFile)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.MCP.Command == "" {
		return errors.New("config: mcp.command is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sig, err := signer.NewPrivateKeySigner(cfg.Gateway.PrivateKey)
	if err != nil {
		return err
	}
	pubkey, err := sig.GetPublicKey(ctx)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	var met *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		reg = prometheus.NewRegistry()
		met = metrics.New(reg)
	}

	pool := relay.NewPool(cfg.Gateway.Relays,
		relay.WithLogger(log),
		relay.WithMetrics(met))

	mode, err := cfg.Gateway.encryptionMode()
	if err != nil {
		return err
	}

	// The gateway does not exist yet when the server transport is built, so
	// the eviction hook resolves it late.
	var gwRef atomic.Pointer[gateway.Gateway]

	serverOpts := []transport.ServerOption{
		transport.WithServerLogger(log),
		transport.WithServerInfo(transport.ServerInfo{
			Name:    cfg.Gateway.Name,
			Version: cfg.Gateway.Version,
			About:   cfg.Gateway.About,
			Website: cfg.Gateway.Website,
			Picture: cfg.Gateway.Picture,
		}),
		transport.WithServerEncryption(mode),
		transport.WithOnSessionEvicted(func(clientPubkey string) {
			if g := gwRef.Load(); g != nil {
				g.TerminateClient(clientPubkey)
			}
		}),
	}
	if cfg.Gateway.Public {
		serverOpts = append(serverOpts, transport.WithPublicServer())
	}
	if len(cfg.Gateway.AllowedPubkeys) > 0 {
		serverOpts = append(serverOpts, transport.WithAllowedPubkeys(cfg.Gateway.AllowedPubkeys))
	}
	if refs := cfg.Gateway.exclusions(); len(refs) > 0 {
		serverOpts = append(serverOpts, transport.WithExcludedCapabilities(refs))
	}
	if cfg.Gateway.SessionTimeout.Duration > 0 {
		serverOpts = append(serverOpts, transport.WithSessionTimeout(cfg.Gateway.SessionTimeout.Duration))
	}
	if len(cfg.Payments.Priced) > 0 {
		prices := make([]transport.CapabilityPrice, 0, len(cfg.Payments.Priced))
		for _, p := range cfg.Payments.Priced {
			prices = append(prices, transport.CapabilityPrice{Method: p.Method, Name: p.Name, Amount: p.Amount})
		}
		serverOpts = append(serverOpts, transport.WithCapabilityPrices(prices))
	}

	srv := transport.NewServerTransport(sig, pool, serverOpts...)

	stdio := mcptransport.NewStdio(cfg.MCP.Command, cfg.MCP.Env, cfg.MCP.Args...)
	gwOpts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithBackend(gateway.NewMCPBackend(stdio, log)),
	}

	if len(cfg.Payments.Priced) > 0 {
		mw, cleanup, err := buildPayments(ctx, cfg, srv, sig, pool, met, log)
		if err != nil {
			return err
		}
		defer cleanup()
		gwOpts = append(gwOpts, gateway.WithMessageMiddleware(mw.Wrap))
	}

	gw, err := gateway.New(srv, gwOpts...)
	if err != nil {
		return err
	}
	gwRef.Store(gw)

	if reg != nil {
		go serveMetrics(cfg.Metrics.Listen, reg, log)
	}

	if err := gw.Start(ctx); err != nil {
		return err
	}
	log.Info("gateway running",
		"pubkey", pubkey,
		"relays", cfg.Gateway.Relays,
		"public", cfg.Gateway.Public,
		"mcp_command", cfg.MCP.Command)

	<-ctx.Done()
	log.Info("shutting down")
	return gw.Stop()
}

// buildPayments assembles the payment middleware from the configured
// processors. Priced capabilities without any processor are a config error.
func buildPayments(ctx context.Context, cfg *Config, srv *transport.ServerTransport, sig signer.NostrSigner, pool relay.Handler, met *metrics.Metrics, log *slog.Logger) (*payments.Middleware, func(), error) {
	var processors []payments.Processor
	cleanup := func() {}

	if cfg.Payments.NWC.URI != "" {
		conn, err := nwc.ParseConnectionURI(cfg.Payments.NWC.URI)
		if err != nil {
			return nil, nil, err
		}
		client, err := nwc.NewClient(conn, nwc.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect wallet relay: %w", err)
		}
		cleanup = func() { client.Close(context.Background()) }

		proc := nwc.NewProcessor(client, nwc.WithProcessorLogger(log))
		if cfg.Payments.NWC.Notifications {
			if err := proc.DetectNotifications(ctx); err != nil {
				log.Warn("wallet notification detection failed, polling only", "err", err)
			}
		}
		processors = append(processors, proc)
	}

	if cfg.Payments.LNbits.URL != "" {
		var opts []lnbits.ClientOption
		if cfg.Payments.LNbits.AdminKey != "" {
			opts = append(opts, lnbits.WithAdminKey(cfg.Payments.LNbits.AdminKey))
		}
		client := lnbits.NewClient(cfg.Payments.LNbits.URL, cfg.Payments.LNbits.InvoiceKey, opts...)
		processors = append(processors, lnbits.NewProcessor(client, lnbits.WithProcessorLogger(log)))
	}

	if cfg.Payments.Zap.Address != "" {
		processors = append(processors, zap.NewProcessor(cfg.Payments.Zap.Address, sig, pool, zap.WithLogger(log)))
	}

	if len(processors) == 0 {
		return nil, nil, errors.New("config: priced capabilities need payments.nwc, payments.lnbits or payments.zap")
	}

	priced := make([]payments.PricedCapability, 0, len(cfg.Payments.Priced))
	for _, p := range cfg.Payments.Priced {
		priced = append(priced, payments.PricedCapability{
			Method:      p.Method,
			Name:        p.Name,
			Amount:      p.Amount,
			Description: p.Description,
		})
	}

	mwOpts := []payments.MiddlewareOption{
		payments.WithMiddlewareLogger(log),
		payments.WithProcessors(processors...),
		payments.WithPricedCapabilities(priced...),
		payments.WithMiddlewareMetrics(met),
	}
	if cfg.Payments.DefaultTTL.Duration > 0 {
		mwOpts = append(mwOpts, payments.WithDefaultTTL(cfg.Payments.DefaultTTL.Duration))
	}
	return payments.NewMiddleware(srv, mwOpts...), cleanup, nil
}

func serveMetrics(listen string, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("metrics listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "err", err)
	}
}
