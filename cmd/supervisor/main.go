// Package main is the entry point for the trading control plane
// supervisor: it loads configuration, wires C1-C10 together, and runs
// the cooperative event loop until a shutdown signal arrives. It also
// provides a thin CLI client for the run/drain/status/reset-breakers
// operator commands against an already-running instance.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/trading-backend/internal/allocator"
	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/breaker"
	"github.com/atlas-desktop/trading-backend/internal/bus"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/correlation"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/internal/pnl"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/internal/supervisor"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const pidFile = "supervisor.pid"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run", "paper", "live":
		runSupervisor(cmd, args)
	case "drain":
		drain(args)
	case "status":
		clientGet(args, "/api/v1/status")
	case "reset-breakers":
		clientPost(args, "/api/v1/breakers/reset")
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: supervisor <run|paper|live|drain|status|reset-breakers> [flags]")
}

func runSupervisor(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		logger.Sync()
		os.Exit(2)
	}

	mode := types.ModePaper
	paperTrading := true
	if cmd == "live" {
		mode = types.ModeLive
		paperTrading = false
	}

	if err := writePIDFile(); err != nil {
		logger.Warn("failed to write pid file", zap.Error(err))
	}
	defer os.Remove(pidFile)

	registry := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(registry)

	eventBus := bus.New(logger, cfg.Bus.RedeliveryTimeout)
	strategyRegistry := strategy.NewRegistry(logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	correlationMgr := correlation.NewManager(cfg.Correlation, logger)
	breakerMgr := breaker.NewManager(logger)
	for _, spec := range breaker.DefaultBreakers(cfg.Breaker) {
		breakerMgr.Register(spec)
	}
	book := position.NewBook()
	store := persistence.NewMemoryStore()
	attributor := pnl.NewAttributor(logger, pnl.DefaultThresholds())
	alloc := allocator.NewAllocator(logger, eventBus, cfg.Allocator, correlationMgr)
	regimeClassifier := allocator.NewRegimeClassifier()

	quote, signer, relay, rpc := buildExecutionBackends(logger, cfg, mode)
	pipeline := execution.NewPipeline(cfg.Execution, quote, signer, relay, rpc, riskMgr, breakerMgr, book, nil, logger,
		execution.WithPaperTrading(paperTrading))

	apiServer := api.NewServer(logger, &cfg.Server, api.Deps{
		Store:       store,
		Book:        book,
		Registry:    strategyRegistry,
		Breaker:     breakerMgr,
		Risk:        riskMgr,
		Correlation: correlationMgr,
		Gatherer:    registry,
	})

	sup := supervisor.New(logger, cfg, supervisor.Deps{
		Bus: eventBus, Registry: strategyRegistry, Risk: riskMgr, Correlation: correlationMgr,
		Breaker: breakerMgr, Pipeline: pipeline, Book: book, Allocator: alloc,
		Attributor: attributor, Store: store, Metrics: metricsRegistry, Dashboard: apiServer,
		RegimeClassifier: regimeClassifier,
	})
	// The watcher's TradeSource/EventPublisher is the supervisor itself,
	// so it can only be constructed after sup exists; wire it in with
	// SetWatcher rather than a second supervisor.New call.
	watcher := position.NewWatcher(logger, eventBus, sup, sup, 10*time.Second)
	sup.SetWatcher(watcher)

	if err := sup.RegisterStrategies(mode); err != nil {
		logger.Fatal("failed to register strategies", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("operator API server stopped", zap.Error(err))
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("supervisor started", zap.String("mode", string(mode)),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			logger.Error("supervisor loop exited with error", zap.Error(err))
		}
	}

	cancel()
	<-runErr

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping API server", zap.Error(err))
	}

	logger.Info("supervisor stopped")
}

// buildExecutionBackends wires live Jupiter/Jito/RPC implementations in
// live mode, or nils (paper trading never calls them) otherwise.
func buildExecutionBackends(logger *zap.Logger, cfg *types.AppConfig, mode types.TradeMode) (execution.QuoteBackend, execution.Signer, execution.BundleRelay, execution.RPCSubmitter) {
	if mode != types.ModeLive {
		return nil, nil, nil, nil
	}

	userPubKey := os.Getenv("SOLANA_PUBLIC_KEY")
	quote := execution.NewJupiterQuoteBackend(logger, cfg.Execution.JupiterBaseURL, userPubKey)
	relay := execution.NewJitoBundleRelay(logger, cfg.Execution.JitoBlockEngine)
	rpc := execution.NewRPCClient(rpcURLOrDefault())

	keyHex := os.Getenv("SOLANA_PRIVATE_KEY")
	if keyHex == "" {
		logger.Fatal("SOLANA_PRIVATE_KEY is required for live trading")
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil || len(keyBytes) != ed25519.PrivateKeySize {
		logger.Fatal("SOLANA_PRIVATE_KEY must be a hex-encoded 64-byte ed25519 key")
	}
	signer, err := execution.NewLocalSigner(ed25519.PrivateKey(keyBytes))
	if err != nil {
		logger.Fatal("failed to construct signer", zap.Error(err))
	}

	return quote, signer, relay, rpc
}

func rpcURLOrDefault() string {
	if v := os.Getenv("SOLANA_RPC_URL"); v != "" {
		return v
	}
	return "https://api.mainnet-beta.solana.com"
}

func writePIDFile() error {
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// drain reads the running supervisor's pid file and sends SIGTERM,
// triggering the same graceful shutdown path as an operator Ctrl-C.
func drain(args []string) {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	fs.Parse(args)

	data, err := os.ReadFile(pidFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read %s: %v\n", pidFile, err)
		os.Exit(1)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pid file contents: %v\n", err)
		os.Exit(1)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal pid %d: %v\n", pid, err)
		os.Exit(1)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
}

func clientGet(args []string, path string) {
	addr := clientAddr(args)
	resp, err := http.Get(addr + path)
	printClientResponse(resp, err)
}

func clientPost(args []string, path string) {
	addr := clientAddr(args)
	resp, err := http.Post(addr+path, "application/json", nil)
	printClientResponse(resp, err)
}

func clientAddr(args []string) string {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8090", "operator API base URL")
	fs.Parse(args)
	return *addr
}

func printClientResponse(resp *http.Response, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var pretty map[string]interface{}
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(body))
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
