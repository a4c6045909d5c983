package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"energyd/api"
	"energyd/chain"
	"energyd/config"
	"energyd/metadata"
	"energyd/observability/logging"
	"energyd/session"
	"energyd/stream"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("energyd: %v", err)
	}
}

// logNotifier surfaces transient harvest notices in the daemon log.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(notice session.Notice) {
	n.logger.Info("action notice",
		"kind", notice.Kind, "granted", notice.Granted, "wasted", notice.Wasted)
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to energyd configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ENERGYD_ENV"))
	logOpts := []logging.Option{}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithRotatingFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}
	logger := logging.Setup("energyd", env, logOpts...)

	submitter, err := chain.NewRPCSubmitter(chain.SubmitterConfig{
		Endpoint:    cfg.Chain.Endpoint,
		Contract:    cfg.Chain.Contract,
		ChainID:     cfg.Chain.ChainID,
		MaxRewardIn: cfg.Chain.MaxRewardIn,
		SignerKey:   cfg.Chain.SignerKey,
	})
	if err != nil {
		return fmt.Errorf("init submitter: %w", err)
	}
	logger.Info("burn signer loaded", "from", submitter.From())

	capacity := metadata.NewCapacityClient(cfg.Metadata.Endpoint, cfg.Metadata.BaseCapacity, cfg.Metadata.CacheTTL.Duration)
	directory := metadata.NewSourceDirectory(cfg.Metadata.SourceNames)

	sess := session.New(session.Config{
		Subject:    cfg.Subject,
		HarvestTTL: cfg.Actions.HarvestTTL.Duration,
		BurnTTL:    cfg.Actions.BurnTTL.Duration,
		MaxBurn:    cfg.Actions.MaxBurn,
	}, submitter, capacity,
		session.WithLogger(logger),
		session.WithNotifier(logNotifier{logger}),
	)

	var transport stream.Transport
	switch cfg.Stream.Transport {
	case "ws":
		transport = &stream.WSTransport{
			Endpoint:    cfg.Stream.Endpoint,
			Token:       cfg.Stream.AuthToken,
			DialTimeout: cfg.Stream.DialTimeout.Duration,
		}
	default:
		transport = &stream.SSETransport{
			Endpoint: cfg.Stream.Endpoint,
			Token:    cfg.Stream.AuthToken,
		}
	}
	manager := stream.NewManager(transport, stream.Handler{
		OnSnapshot: sess.HandleSnapshot,
		OnState:    sess.HandleStreamState,
	}, stream.WithLogger(logger))
	sess.Bind(manager)
	defer sess.Close()

	server := api.New(api.Config{
		Session:       sess,
		Directory:     directory,
		Logger:        logger,
		RatePerSecond: cfg.Actions.RatePerSecond,
		Burst:         cfg.Actions.Burst,
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess.Start()

	errs := make(chan error, 1)
	go func() {
		logger.Info("energyd listening", "addr", cfg.ListenAddress, "subject", cfg.Subject, "transport", cfg.Stream.Transport)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
