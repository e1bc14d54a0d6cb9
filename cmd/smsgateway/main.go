package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/thrillee/smsgateway/internal/auth"
	"github.com/thrillee/smsgateway/internal/config"
	"github.com/thrillee/smsgateway/internal/dlr"
	"github.com/thrillee/smsgateway/internal/httpserver"
	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/mno"
	"github.com/thrillee/smsgateway/internal/notification"
	"github.com/thrillee/smsgateway/internal/routing"
	"github.com/thrillee/smsgateway/internal/smppserver"
	"github.com/thrillee/smsgateway/internal/sp"
	"github.com/thrillee/smsgateway/internal/workers"
)

func main() {
	// smsgateway hash-secret <secret> prints a bcrypt hash for the keys file.
	if len(os.Args) == 3 && os.Args[1] == "hash-secret" {
		hashed, err := auth.HashSecret(os.Args[2])
		if err != nil {
			log.Fatalf("Failed to hash secret: %v", err)
		}
		fmt.Println(hashed)
		return
	}

	appCtx, rootCancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer rootCancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := logging.ParseLevel(cfg.LogLevel)
	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel <= slog.LevelDebug,
	})
	logger := slog.New(logging.NewContextHandler(baseHandler))
	slog.SetDefault(logger)
	slog.Info("Logging initialized", "level", logLevel.String())

	keys := auth.NewKeyStore(cfg.APIKeysPath)
	if err := keys.Load(); err != nil {
		slog.Error("Failed to load API keys", slog.Any("error", err))
		os.Exit(1)
	}

	rules := routing.NewLoader(cfg.RoutingRulesPath)
	if err := rules.Load(); err != nil {
		slog.Error("Failed to load routing rules", slog.Any("error", err))
		os.Exit(1)
	}

	notifier := notification.NewLogNotifier(logger)
	store := dlr.NewStore(cfg.DLRConfig.Retention, dlr.WithPendingRetention(cfg.DLRConfig.PendingRetention))
	callbacks := sp.NewHTTPForwarder(sp.HTTPForwarderConfig{
		Timeout: cfg.DLRConfig.HTTPTimeout,
		Breaker: sp.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			VolumeThreshold:  5,
			Logger:           logger,
		},
	})
	forwarder := dlr.NewForwarder(dlr.ForwarderConfig{
		Enabled:         cfg.DLRConfig.ForwardingEnabled,
		DefaultURL:      cfg.DLRConfig.ForwardingURL,
		SMPPSendTimeout: cfg.DLRConfig.SMPPSendTimeout,
		HTTPTimeout:     cfg.DLRConfig.HTTPTimeout,
	}, store, callbacks)

	keepAlive := mno.NewKeepAliveScheduler(cfg.MNOClientConfig.KeepAliveTick)
	factory := mno.NewWorkerFactory(
		mno.WorkerOptions{
			RequestTimeout: cfg.MNOClientConfig.RequestTimeout,
			MaxWindowSize:  cfg.MNOClientConfig.MaxWindowSize,
			QueuePoll:      cfg.MNOClientConfig.QueuePoll,
			WideSARRef:     cfg.MNOClientConfig.WideSARRef,
		},
		mno.WorkerDeps{
			Store:     store,
			Forwarder: forwarder,
			KeepAlive: keepAlive,
			Notifier:  notifier,
			Dialer:    mno.DialSMPP,
		},
	)
	supervisor := mno.NewSupervisor(cfg.VendorsPath, factory, notifier, cfg.MNOClientConfig.WorkerStopGrace)

	router := routing.NewRouter(rules, func(id string) (routing.Destination, bool) {
		w, ok := supervisor.Worker(id)
		if !ok {
			return nil, false
		}
		return w, true
	}, store, forwarder)

	var wg sync.WaitGroup
	slog.Info("Starting application components...")

	wg.Add(1)
	go func() {
		defer wg.Done()
		keepAlive.Run(appCtx)
		slog.Info("Keep-alive scheduler stopped.")
	}()

	if err := supervisor.Start(appCtx, cfg.WatchVendors); err != nil {
		// A bad vendors file is reported and retried on the next change.
		slog.Error("Initial vendor load failed", slog.Any("error", err))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		workers.Run(appCtx, "dlr-sweep", cfg.DLRConfig.SweepInterval, cfg.DLRConfig.SweepInterval, store.Sweep)
	}()

	var smppServer *smppserver.Server
	if cfg.ServerConfig.Enabled {
		smppServer = smppserver.NewServer(cfg.ServerConfig, keys, router)
		forwarder.SetReceiptSender(smppServer)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := smppServer.ListenAndServe(); err != nil {
				slog.Error("SMPP Server failed", slog.Any("error", err))
				rootCancel()
			}
			slog.Info("SMPP Server stopped.")
		}()
	} else {
		slog.Info("SMPP server disabled")
	}

	httpServer := httpserver.NewServer(cfg.HttpConfig, keys, router, store)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil {
			slog.Error("HTTP Server failed", slog.Any("error", err))
			rootCancel()
		}
	}()

	<-appCtx.Done()
	slog.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownWg sync.WaitGroup
	shutdownWg.Add(1)
	go func() {
		defer shutdownWg.Done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Error during HTTP Server shutdown", slog.Any("error", err))
		}
	}()
	if smppServer != nil {
		shutdownWg.Add(1)
		go func() {
			defer shutdownWg.Done()
			if err := smppServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Error during SMPP Server shutdown", slog.Any("error", err))
			}
		}()
	}
	shutdownWg.Wait()
	slog.Info("Servers stopped accepting new connections.")

	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Error during vendor supervisor shutdown", slog.Any("error", err))
	}
	if err := forwarder.Wait(shutdownCtx); err != nil {
		slog.Warn("Pending DLR forwards abandoned", slog.Any("error", err))
	}

	wg.Wait()
	slog.Info("Application gracefully stopped.")
}
