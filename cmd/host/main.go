// Package main runs the untrusted host relay: the public HTTP API, the
// persistent enclave link and settlement submission.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/R3E-Network/confidential_sequencer/internal/config"
	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/internal/middleware"
	"github.com/R3E-Network/confidential_sequencer/internal/vsockutil"
	"github.com/R3E-Network/confidential_sequencer/services/relay"
	"github.com/R3E-Network/confidential_sequencer/services/relay/enclaveclient"
	"github.com/R3E-Network/confidential_sequencer/services/relay/httpapi"
	"github.com/R3E-Network/confidential_sequencer/services/relay/journal"
	"github.com/R3E-Network/confidential_sequencer/services/relay/monitor"
	"github.com/R3E-Network/confidential_sequencer/services/relay/persist"
	"github.com/R3E-Network/confidential_sequencer/services/relay/submitter"
)

func main() {
	configPath := flag.String("config", "", "Path to host YAML config (default config/host.yaml if present)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	var (
		cfg *config.HostConfig
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadHostConfigFromPath(*configPath)
	} else {
		cfg, err = config.LoadHostConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Host relay failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.HostConfig) error {
	logger := logging.New("sequencer-host", cfg.LogLevel, cfg.LogFormat)

	client := enclaveclient.New(enclaveclient.Config{
		Endpoint: vsockutil.Endpoint{
			Mode:    cfg.Enclave.Mode,
			CID:     cfg.Enclave.CID,
			Port:    cfg.Enclave.Port,
			Address: cfg.Enclave.Address,
		},
		Timeouts: enclaveclient.Timeouts{
			PublicKey:   cfg.Timeouts.PublicKey,
			Heartbeat:   cfg.Timeouts.Heartbeat,
			Attestation: cfg.Timeouts.Attestation,
			Swap:        cfg.Timeouts.Swap,
		},
		Logger: logger,
	})

	// Clients encrypt to this key; without it the relay is useless.
	pubKey, err := client.PublicKey(ctx)
	if err != nil {
		return fmt.Errorf("fetch enclave public key from %s: %w", client.Endpoint(), err)
	}
	logger.Info(ctx, "enclave public key cached", map[string]interface{}{
		"public_key": pubKey,
		"endpoint":   client.Endpoint().String(),
	})

	store, closeStore, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer closeStore()

	feed := journal.NewFeed()
	recorder := journal.NewRecorder(store, 0, 0, logger).WithFeed(feed)
	recorder.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.Stop(stopCtx); err != nil {
			logger.Warn(stopCtx, "journal stop failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	pipelineCfg := relay.Config{Recorder: recorder, Logger: logger}
	if cfg.Chain.Enabled() {
		sub, err := submitter.NewFromConfig(ctx, cfg.Chain, logger)
		if err != nil {
			return fmt.Errorf("create submitter: %w", err)
		}
		pipelineCfg.Submitter = sub
		logger.Info(ctx, "settlement submission enabled", map[string]interface{}{
			"chain_id":   cfg.Chain.ChainID,
			"settlement": cfg.Chain.SettlementAddress,
			"relayer":    sub.From().Hex(),
		})
	} else {
		logger.Warn(ctx, "chain.rpc_url not set; batches are journaled but not submitted", nil)
	}
	pipeline := relay.New(pipelineCfg)

	link, err := persist.New(persist.Config{
		Dialer:  client,
		Handler: pipeline.HandleBatch,
		Backoff: cfg.ReconnectBackoff,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create persistent link: %w", err)
	}

	mon, err := monitor.New(monitor.Config{
		Pinger:   client,
		Schedule: cfg.HeartbeatSchedule,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	limiter.StartCleanup(time.Minute, stopCleanup)

	api, err := httpapi.New(httpapi.Config{
		Enclave:        client,
		PublicKeyHex:   pubKey,
		Journal:        store,
		Feed:           feed,
		EnableTestSwap: cfg.EnableTestSwap,
		RateLimiter:    limiter,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create http api: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for _, fn := range []func(context.Context) error{link.Run, pipeline.Run, mon.Run} {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			_ = fn(ctx)
		}(fn)
	}

	go func() {
		logger.Info(ctx, "host relay listening", map[string]interface{}{"address": cfg.HTTPAddress})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down", nil)

	// Hijacked stream connections are not tracked by Shutdown.
	feed.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown error", map[string]interface{}{"error": err.Error()})
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// openJournal picks Redis when configured, otherwise the in-memory store.
func openJournal(ctx context.Context, cfg config.JournalConfig) (journal.Store, func(), error) {
	if cfg.RedisURL == "" {
		return journal.NewMemoryStore(cfg.MaxEntries, cfg.TTL), func() {}, nil
	}
	store, err := journal.NewRedisStore(ctx, cfg.RedisURL, cfg.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("open redis journal: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
