// Package main runs the sequencer inside the enclave. It owns the enclave
// key, accepts host commands over vsock (TCP in simulation mode) and pushes
// signed batches back over the host's persistent connection.
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
	"github.com/R3E-Network/confidential_sequencer/internal/vsockutil"
	"github.com/R3E-Network/confidential_sequencer/services/sequencer"
	"github.com/R3E-Network/confidential_sequencer/tee"
	"github.com/R3E-Network/confidential_sequencer/tee/bridge"
	"github.com/R3E-Network/confidential_sequencer/tee/enclave"
	"github.com/R3E-Network/confidential_sequencer/tee/signer"
)

func main() {
	configPath := flag.String("config", "", "Path to enclave YAML config (default config/enclave.yaml if present)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	var (
		cfg *config.EnclaveConfig
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadEnclaveConfigFromPath(*configPath)
	} else {
		cfg, err = config.LoadEnclaveConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Sequencer failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.EnclaveConfig) error {
	logger := logging.New("sequencer-enclave", cfg.LogLevel, cfg.LogFormat)

	trustRoot, err := tee.New(tee.Config{
		EnclaveID: cfg.EnclaveID,
		Mode:      enclave.Mode(cfg.Mode),
	})
	if err != nil {
		return fmt.Errorf("create trust root: %w", err)
	}
	if err := trustRoot.Start(ctx); err != nil {
		return fmt.Errorf("start trust root: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trustRoot.Stop(stopCtx); err != nil {
			logger.Warn(stopCtx, "trust root stop failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	identity, err := trustRoot.Identity()
	if err != nil {
		return err
	}
	attestor, err := trustRoot.Attestor()
	if err != nil {
		return err
	}
	batchSigner, err := signer.New(identity)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}

	sink := bridge.NewSink(cfg.WriteTimeout, logger)
	defer sink.Close()

	svc, err := sequencer.NewService(sequencer.ServiceConfig{
		Keys:              identity,
		Attester:          attestor,
		Signer:            batchSigner,
		Sink:              sink,
		FlushInterval:     cfg.FlushInterval,
		MaxBatchSize:      cfg.MaxBatchSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Health:            trustRoot.Health,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("create sequencer: %w", err)
	}

	server, err := bridge.NewServer(bridge.SocketConfig{
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxConns:       cfg.MaxConns,
		Logger:         logger,
	}, svc.Handle, sink)
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}

	listener, err := vsockutil.Listen(vsockutil.Endpoint{
		Mode:    cfg.Mode,
		Port:    cfg.VsockPort,
		Address: cfg.ListenAddress,
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info(ctx, "sequencer started", map[string]interface{}{
		"mode":       string(trustRoot.Mode()),
		"address":    identity.Address().Hex(),
		"public_key": identity.PublicKeyHex(),
		"listen":     listener.Addr().String(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx, listener); err != nil {
			errCh <- fmt.Errorf("bridge: %w", err)
			cancel()
		}
	}()

	if cfg.MetricsAddress != "" {
		// Operator listener only; the host API never proxies to it.
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           sequencer.OperatorHandler(svc),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("operator server: %w", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	// Run returns after its final flush, which still needs the sink.
	runErr := svc.Run(ctx)
	_ = server.Close()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	logger.Info(context.Background(), "sequencer stopped", map[string]interface{}{
		"pending": svc.QueueLen(),
	})
	return runErr
}
