package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gambit/server/advisory"
	"github.com/gambit/server/config"
	"github.com/gambit/server/game"
	"github.com/gambit/server/host"
	"github.com/gambit/server/logger"
	"github.com/gambit/server/mcp"
	"github.com/gambit/server/metrics"
	"github.com/gambit/server/middleware"
	"github.com/gambit/server/registry"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/store"
	"github.com/gambit/server/store/redisstore"
	"github.com/gambit/server/store/sqlite"
	"github.com/gambit/server/suggest"
	"github.com/gambit/server/telemetry"
	"github.com/gambit/server/ws"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
)

var version = "dev"

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		runMCP()
		return
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		config.Exitf("config: %v", err)
	}
	if cfg.AuthToken == "" {
		config.Exitf("GAMBIT_AUTH_TOKEN is required")
	}

	closeLog := logger.Init(logger.Config{
		DataDir: cfg.DataDir,
		DevMode: cfg.DevMode,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Format:  cfg.LogFormat,
	})
	defer closeLog()

	if err := serve(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func serve(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "gambit", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	re := rules.New()
	reg := registry.New(st, re, registry.Options{Metrics: m})
	tables := host.NewManager(st, newHostOptions(cfg, re, reg, m))
	defer tables.Shutdown()

	rpcHandler := ws.NewRPCHandler(cfg.AuthToken, version, cfg.DevMode, reg, tables, re)
	defer rpcHandler.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newHandler(cfg.AuthToken, rpcHandler, m),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port, "store", cfg.Store, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	printConnectInfo(cfg)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newHandler(token string, rpcHandler http.Handler, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// WebSocket endpoint (authenticates with the first JSON-RPC request)
	mux.Handle("GET /ws", rpcHandler)
	mux.Handle("GET /metrics", m.Handler())

	return middleware.RequestLog(middleware.Auth(token, "/health", "/ws")(mux))
}

func newHostOptions(cfg config.Config, re rules.Engine, reg *registry.Registry, m *metrics.Metrics) host.Options {
	opts := host.Options{
		Rules:           re,
		Registry:        reg,
		Metrics:         m,
		MaxRetries:      cfg.MaxRetries,
		SuggestTimeout:  cfg.SuggestTimeout,
		AdvisoryTimeout: cfg.AdvisoryTimeout,
		AbandonAfter:    cfg.AbandonAfter,
	}
	if cfg.SuggestURL != "" {
		opts.Suggester = suggest.NewHTTP(cfg.SuggestURL, cfg.SuggestTimeout, m)
	}
	if cfg.AdvisoryURL != "" {
		opts.Commentator = advisory.NewHTTPCommentator(cfg.AdvisoryURL, cfg.AdvisoryAPIKey, cfg.AdvisoryModel, cfg.AdvisoryTimeout)
	}
	return opts
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.SQLiteFile(), cfg.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.StoreRedis:
		st, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		if err := st.StartWatching(); err != nil {
			slog.Warn("cross-process change detection disabled", "error", err)
		}
		return st, nil
	}
}

// printConnectInfo shows the WebSocket URL, as a QR code when attached to
// a terminal so a phone can scan it.
func printConnectInfo(cfg config.Config) {
	url := cfg.PublicURL
	if url == "" {
		url = fmt.Sprintf("ws://localhost:%d/ws", cfg.Port)
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		slog.Info("websocket endpoint", "url", url)
		return
	}
	fmt.Printf("Connect to %s\n", url)
	qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
}

// runMCP serves the game tools over stdio. Stdout carries the protocol, so
// logs always go to a file.
func runMCP() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("config: %v", err)
	}
	if cfg.MCPPlayerID == "" {
		config.Exitf("GAMBIT_MCP_PLAYER_ID is required")
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.DataDir, "mcp.log")
	}
	closeLog := logger.Init(logger.Config{
		DataDir: cfg.DataDir,
		Level:   cfg.LogLevel,
		File:    logFile,
		Format:  cfg.LogFormat,
	})
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		config.Exitf("store: %v", err)
	}
	defer st.Close()

	re := rules.New()
	reg := registry.New(st, re, registry.Options{})
	tables := host.NewManager(st, newHostOptions(cfg, re, reg, nil))
	defer tables.Shutdown()

	player := game.Player{PlayerID: cfg.MCPPlayerID, DisplayName: cfg.MCPPlayerName}
	if err := mcp.NewServer(reg, tables, re, player).Serve(); err != nil {
		slog.Error("mcp server stopped", "error", err)
	}
}
