// Command credstated runs the credstate host daemon: it opens the
// shared state store, restores the deterministic runtime, and serves
// the command and query API over HTTP. Subcommands cover the local
// operator tasks (token minting, audit-chain verification) that do not
// need a running daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tessera-Labs/credstate/pkg/audit"
	"github.com/Tessera-Labs/credstate/pkg/auth"
	"github.com/Tessera-Labs/credstate/pkg/config"
	"github.com/Tessera-Labs/credstate/pkg/events"
	"github.com/Tessera-Labs/credstate/pkg/observability"
	"github.com/Tessera-Labs/credstate/pkg/runtime"
	"github.com/Tessera-Labs/credstate/pkg/state"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAudit(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: credstated [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  serve         run the host daemon (default)")
	fmt.Fprintln(w, "  token         mint a signed principal token")
	fmt.Fprintln(w, "  verify-audit  verify a principal's audit chain")
	fmt.Fprintln(w, "  help          show this message")
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if cfg.AuthKey == "" {
		logger.Error("AUTH_KEY is required")
		return 1
	}

	params := config.DefaultParams()
	if cfg.ParamsFile != "" {
		loaded, err := config.LoadParams(cfg.ParamsFile)
		if err != nil {
			logger.Error("load params", "path", cfg.ParamsFile, "error", err)
			return 1
		}
		params = loaded
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("open store", "backend", cfg.StoreBackend, "error", err)
		return 1
	}
	defer store.Close()

	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		logger.Error("init metrics", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	hostAudit := audit.NewLoggerWithWriter(stderr)
	bus.Subscribe(func(e events.Event) {
		_ = hostAudit.Record(ctx, audit.EventSystem, string(e.Type), e.Principal, e.Data)
	})

	rt, err := runtime.New(ctx, store, params, logger, bus, metrics)
	if err != nil {
		logger.Error("init runtime", "error", err)
		return 1
	}
	logger.Info("runtime restored", "tick", rt.Tick(), "backend", cfg.StoreBackend)

	if cfg.GenesisFile != "" {
		genesis, err := config.LoadGenesis(cfg.GenesisFile)
		if err != nil {
			logger.Error("load genesis", "path", cfg.GenesisFile, "error", err)
			return 1
		}
		if err := rt.Seed(ctx, genesis); err != nil {
			logger.Error("seed genesis", "error", err)
			return 1
		}
	}

	if cfg.TickInterval > 0 {
		go driveTicks(ctx, rt, cfg.TickInterval, logger)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newServer(rt, auth.NewVerifier([]byte(cfg.AuthKey)), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			return 1
		}
		return 0
	}
}

// driveTicks advances the logical clock on a wall-clock interval. Hosts
// replicating the same command log must instead feed ticks through
// POST /v1/tick so every replica sees the identical tick sequence.
func driveTicks(ctx context.Context, rt *runtime.Runtime, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.BeginTick(ctx); err != nil {
				logger.Error("tick", "error", err)
			}
		}
	}
}

// openStore selects the state backend from host configuration.
func openStore(cfg *config.Config) (state.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return state.NewMemoryStore(), nil
	case "sqlite":
		return state.OpenSQL("sqlite", cfg.StoreDSN)
	case "postgres":
		return state.OpenSQL("postgres", cfg.StoreDSN)
	case "redis":
		opts, err := redis.ParseURL(cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return state.NewRedisStore(redis.NewClient(opts), "credstate"), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	principal := fs.String("principal", "", "principal to mint the token for")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	key := os.Getenv("AUTH_KEY")
	if key == "" || *principal == "" {
		fmt.Fprintln(stderr, "token: AUTH_KEY and -principal are required")
		return 2
	}

	tok, err := auth.IssueToken([]byte(key), auth.Principal(*principal), *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}

func runVerifyAudit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	principal := fs.String("principal", "", "principal whose chain to verify")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *principal == "" {
		fmt.Fprintln(stderr, "verify-audit: -principal is required")
		return 2
	}

	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "verify-audit: open store: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx := context.Background()
	trail := audit.NewTrail(store)
	if err := trail.VerifyChain(ctx, *principal); err != nil {
		fmt.Fprintf(stderr, "verify-audit: %v\n", err)
		return 1
	}
	n, err := trail.Length(ctx, *principal)
	if err != nil {
		fmt.Fprintf(stderr, "verify-audit: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "audit chain for %s intact (%d entries)\n", *principal, n)
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
