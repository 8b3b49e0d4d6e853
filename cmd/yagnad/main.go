// Command yagnad is the daemon entrypoint: it parses configuration,
// wires internal/store, internal/bus and the Market, Task and Payment
// engines together, and serves the local REST API until signaled to
// exit. Its shape mirrors the teacher's cmd/flow-ingester/main.go —
// go-flags configuration, a single signal-driven task group, graceful
// shutdown on SIGTERM/SIGINT — rendered over internal/taskgroup instead
// of gazette's task.Group.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/golemfactory/yagna-sub001/internal/adapters/exeunit"
	"github.com/golemfactory/yagna-sub001/internal/adapters/identity"
	"github.com/golemfactory/yagna-sub001/internal/adapters/paymentdriver"
	"github.com/golemfactory/yagna-sub001/internal/adapters/rpcnet"
	"github.com/golemfactory/yagna-sub001/internal/api"
	"github.com/golemfactory/yagna-sub001/internal/bus"
	"github.com/golemfactory/yagna-sub001/internal/config"
	"github.com/golemfactory/yagna-sub001/internal/deadline"
	"github.com/golemfactory/yagna-sub001/internal/market"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/payment"
	"github.com/golemfactory/yagna-sub001/internal/store"
	"github.com/golemfactory/yagna-sub001/internal/task"
	"github.com/golemfactory/yagna-sub001/internal/taskgroup"
)

const iniFilename = "yagnad.ini"

func main() {
	cfg := config.Default()
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "yagnad: invalid log level %q: %v\n", cfg.Log.Level, err)
		os.Exit(1)
	}
	log.SetLevel(level)
	logger := ops.NewLogger()

	if cfg.NodeID == "" {
		fmt.Fprintln(os.Stderr, "yagnad: --node-id is required")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		ops.Errorf(logger, "yagnad: %v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger ops.Logger) error {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	b := bus.New()

	// A generated, process-lifetime signing key stands in for the
	// keystore spec.md §1 leaves external; internal/adapters/identity
	// documents the same stopgap for its own tests.
	signingKey := make([]byte, 32)
	if _, err := rand.Read(signingKey); err != nil {
		return fmt.Errorf("generating node signing key: %w", err)
	}
	registry := identity.NewRegistry(b)
	registry.CreateGenerated(cfg.NodeID, cfg.NodeID, signingKey)
	signer := market.NewSigner(registry)

	rpc := rpcnet.NewInProcess()
	driver := paymentdriver.NewInMemory(b)
	exe := exeunit.NewInMemory()

	metrics := ops.NewMetrics()

	group := taskgroup.New(context.Background())

	marketDeadlines := deadline.New(group.Context())
	marketEngine := market.NewEngine(db, rpc, b, signer, marketDeadlines, metrics, logger.With(log.Fields{"component": "market"}))
	broker := market.NewBroker(db, rpc, logger.With(log.Fields{"component": "market"}), 0)
	market.BindEngine(b, marketEngine)
	market.RegisterPeerHandlers(cfg.NodeID, broker, marketEngine, rpc.RegisterNode)

	paymentDeadlines := deadline.New(group.Context())
	paymentEngine := payment.NewEngine(db, driver, rpc, b, paymentDeadlines, metrics, logger.With(log.Fields{"component": "payment"}))
	payment.BindEngine(b, paymentEngine)
	payment.RegisterPeerHandlers(cfg.NodeID, paymentEngine, rpc.RegisterNode)
	if err := paymentEngine.WarmDeadlines(group.Context()); err != nil {
		return fmt.Errorf("warming allocation deadlines: %w", err)
	}

	taskDeadlines := deadline.New(group.Context())
	taskManager := task.NewManager(exe, &marketNotifier{engine: marketEngine}, &paymentsNotifier{log: logger}, taskDeadlines, logger.With(log.Fields{"component": "task"}))

	syncRetrier := payment.NewSyncRetrier(db, paymentEngine, cfg.Payment.SyncRetryInterval, cfg.Payment.SyncRetryInterval, logger.With(log.Fields{"component": "payment"}))
	marketSyncRetrier := market.NewSyncRetrier(db, marketEngine, cfg.Market.SyncRetryInterval, cfg.Market.SyncRetryInterval, logger.With(log.Fields{"component": "market"}))

	server := api.New(api.Deps{
		Broker:  broker,
		Market:  marketEngine,
		Payment: paymentEngine,
		Config:  cfg,
		Metrics: metrics,
		Log:     logger.With(log.Fields{"component": "api"}),
	})

	group.Queue("payment.Run", func(ctx context.Context) error {
		paymentEngine.Run(ctx)
		return nil
	})
	group.Queue("task.Run", func(ctx context.Context) error {
		taskManager.Run(ctx)
		return nil
	})
	group.Queue("payment.SyncRetrier", func(ctx context.Context) error {
		syncRetrier.Run(ctx)
		return nil
	})
	group.Queue("market.SyncRetrier", func(ctx context.Context) error {
		marketSyncRetrier.Run(ctx)
		return nil
	})
	group.Queue("api.Server", func(ctx context.Context) error {
		return server.Run(ctx)
	})

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	group.Queue("signal handler", func(ctx context.Context) error {
		select {
		case sig := <-signalCh:
			ops.Infof(logger, "caught signal %s, shutting down", sig)
			group.Cancel()
		case <-ctx.Done():
		}
		return nil
	})

	ops.Infof(logger, "yagnad listening on %s (node %s)", cfg.APIListen, cfg.NodeID)
	if err := group.Wait(); err != nil {
		return fmt.Errorf("daemon task failed: %w", err)
	}
	ops.Infof(logger, "goodbye")
	return nil
}
