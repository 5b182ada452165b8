// Command dynmcpd is the dynamic tool runtime's entry point: it wires the
// registry backend, guard, sandbox engine, audit logger and change bus
// together and serves them either over stdio (one shared MCP server) or
// over HTTP (one MCP server per client session, via httpapi).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgemcp/dynmcp/audit"
	"github.com/forgemcp/dynmcp/auth"
	"github.com/forgemcp/dynmcp/changebus"
	"github.com/forgemcp/dynmcp/dbopen"
	"github.com/forgemcp/dynmcp/guard"
	"github.com/forgemcp/dynmcp/httpapi"
	"github.com/forgemcp/dynmcp/mcpcap"
	"github.com/forgemcp/dynmcp/sandbox"
	"github.com/forgemcp/dynmcp/toolservice"
	"github.com/forgemcp/dynmcp/toolstore"
)

func main() {
	if err := loadConfigFile(); err != nil {
		fmt.Fprintln(os.Stderr, "dynmcpd: "+err.Error())
		os.Exit(1)
	}

	logLevel := env("LOG_LEVEL", "info")
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, closeBackend, startBackend, err := openBackend(ctx)
	if err != nil {
		logger.Error("backend open failed", "error", err)
		os.Exit(1)
	}
	defer closeBackend()
	startBackend(ctx)

	auditLogger, err := audit.NewLogger(
		env("AUDIT_LOG_PATH", "data/audit.jsonl"),
		envInt("AUDIT_BUFFER", 256),
		audit.WithServiceIdentity("dynmcp", env("VERSION", "dev")),
	)
	if err != nil {
		logger.Error("audit logger open failed", "error", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	bus := changebus.New(changebus.WithLogger(logger))

	g := guard.New(guard.Config{
		MaxConcurrency:    envInt("GUARD_MAX_CONCURRENCY", 8),
		MaxCallsPerWindow: envInt("GUARD_MAX_CALLS_PER_WINDOW", 60),
		WindowMs:          envInt("GUARD_WINDOW_MS", 60_000),
	})

	executor := buildExecutor()

	deps := httpapi.SharedDeps{
		Backend:    backend,
		Guard:      g,
		Executor:   executor,
		Bus:        bus,
		Audit:      auditLogger,
		AdminToken: os.Getenv("ADMIN_TOKEN"),
		ReadOnly:   envBool("READ_ONLY", false),
	}

	transport := env("TRANSPORT", "stdio")
	switch transport {
	case "http":
		runHTTP(ctx, logger, deps, backend)
	default:
		runStdio(ctx, logger, deps)
	}

	logger.Info("dynmcpd stopped")
}

// runStdio serves one shared MCP server over stdio, using the SDK's own
// blocking Run since stdio has exactly one client for the process's
// lifetime.
func runStdio(ctx context.Context, logger *slog.Logger, deps httpapi.SharedDeps) {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "dynmcp",
		Version: env("VERSION", "dev"),
	}, nil)
	bridge := mcpcap.New(srv)

	svc, err := toolservice.New(toolservice.Config{
		Backend:    deps.Backend,
		Bridge:     bridge,
		Guard:      deps.Guard,
		Executor:   deps.Executor,
		Bus:        deps.Bus,
		Audit:      deps.Audit,
		AdminToken: deps.AdminToken,
		ReadOnly:   deps.ReadOnly,
	})
	if err != nil {
		logger.Error("toolservice init failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()
	toolservice.RegisterControlPlane(svc, bridge)

	logger.Info("dynmcpd serving over stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error("stdio server error", "error", err)
		os.Exit(1)
	}
}

// runHTTP serves the HTTP session layer: one MCP server per client session,
// using a signal-context-driven http.Server graceful-shutdown pattern.
func runHTTP(ctx context.Context, logger *slog.Logger, deps httpapi.SharedDeps, backend toolstore.Backend) {
	verifier := buildVerifier(logger)

	httpSrv := httpapi.New(httpapi.Config{
		Deps:                  deps,
		Path:                  env("MCP_PATH", "/mcp"),
		MaxRequestBytes:       int64(envInt("MAX_REQUEST_BYTES", 10_000_000)),
		SessionTTL:            time.Duration(envInt("SESSION_TTL_SECONDS", 1800)) * time.Second,
		SweepInterval:         time.Duration(envInt("SESSION_SWEEP_SECONDS", 30)) * time.Second,
		Verifier:              verifier,
		Ready:                 readinessProbe(backend),
		ImplementationVersion: env("VERSION", "dev"),
		Logger:                logger,
	})
	httpSrv.Start(ctx)

	port := env("PORT", "8080")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpSrv,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("dynmcpd serving over http", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpSrv.Shutdown()
}

// buildVerifier resolves {auth mode: none, jwt}. The jwt mode reads a
// shared secret from JWT_SECRET rather than a JWKS URL: the runtime's
// verifier is HS256/shared-secret only (see auth.HS256Verifier), not an
// OIDC discovery flow.
func buildVerifier(logger *slog.Logger) auth.TokenVerifier {
	switch env("AUTH_MODE", "none") {
	case "jwt":
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			logger.Error("AUTH_MODE=jwt requires JWT_SECRET")
			os.Exit(1)
		}
		v, err := auth.NewHS256Verifier([]byte(secret))
		if err != nil {
			logger.Error("jwt verifier init failed", "error", err)
			os.Exit(1)
		}
		return v
	case "none":
		return nil
	default:
		logger.Error("unknown AUTH_MODE", "mode", env("AUTH_MODE", "none"))
		os.Exit(1)
		return nil
	}
}

// openBackend resolves {backend: file, sql}, returning the backend, a
// close func that releases whatever it opened (a no-op for the file
// backend, which owns no handle), and a start func that kicks off any
// background work the backend needs once the caller is ready for it (the
// SQL backend's data_version poll loop; a no-op for the file backend,
// which has no cross-instance story to drive).
func openBackend(ctx context.Context) (backend toolstore.Backend, closeFn func(), startFn func(context.Context), err error) {
	switch env("BACKEND", "file") {
	case "sql":
		db, err := dbopen.Open(env("TOOLSTORE_DB", "data/dynmcp.db"), dbopen.WithMkdirAll())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open toolstore db: %w", err)
		}
		sqlBackend := toolstore.NewSQLBackend(db,
			toolstore.WithSQLMaxTools(envInt("MAX_TOOLS", 500)),
			toolstore.WithInitRetry(5, 200),
		)
		if err := sqlBackend.Init(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("init toolstore schema: %w", err)
		}
		start := func(ctx context.Context) { go sqlBackend.RunWatcher(ctx) }
		return sqlBackend, func() { db.Close() }, start, nil
	default:
		fileBackend := toolstore.NewFileBackend(
			env("TOOLSTORE_PATH", "data/dynmcp-tools.json"),
			toolstore.WithMaxTools(envInt("MAX_TOOLS", 500)),
		)
		return fileBackend, func() {}, func(context.Context) {}, nil
	}
}

// readinessProbe picks the cheapest available check for /readyz: a
// Pinger's Ping when the backend supports one (SQL's db.PingContext; the
// file backend's directory stat), falling back to a full Load only for a
// hypothetical backend that implements neither.
func readinessProbe(backend toolstore.Backend) func(context.Context) error {
	if p, ok := backend.(toolstore.Pinger); ok {
		return p.Ping
	}
	return backend.Load
}

// buildExecutor wires the sandbox engine per {sandbox backend: auto,
// container, fork}, sharing one DockerCLI runtime between the container
// executor and the auto-mode availability probe.
func buildExecutor() sandbox.Executor {
	limits := sandbox.Limits{
		MemoryMB:        envInt("SANDBOX_MEMORY_MB", 256),
		CPUs:            envFloat("SANDBOX_CPUS", 1.0),
		MaxOutputBytes:  envInt("SANDBOX_MAX_OUTPUT_BYTES", 1_000_000),
		MaxTimeoutMs:    envInt("SANDBOX_MAX_TIMEOUT_MS", 30_000),
		MaxDependencies: envInt("SANDBOX_MAX_DEPENDENCIES", 10),
	}
	runtime := &sandbox.DockerCLI{}
	container := sandbox.NewContainer(runtime, limits)
	fork := sandbox.NewFork(limits)
	mode := sandbox.Backend(env("SANDBOX_BACKEND", "auto"))
	return sandbox.NewEngine(mode, container, fork, runtime)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
