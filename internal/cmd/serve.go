package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/internal/config"
	"github.com/3leaps/procverify/internal/observability"
	"github.com/3leaps/procverify/internal/server"
	"github.com/3leaps/procverify/internal/server/handlers"
	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/determinism"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP verify service",
	Long: `Run the HTTP verify service.

Endpoints:
  GET  /health, /health/live, /health/ready, /health/startup
  GET  /version
  POST /v1/proofs/verify     two compute proofs in, verdict out
  POST /v1/evidence/verify   evidence package in, report out

Every configured backend is registered as a readiness check, so
/health/ready reports unhealthy while a provider is unreachable.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if serveHost != "" {
		overrides["server.host"] = serveHost
	}
	if servePort != 0 {
		overrides["server.port"] = servePort
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if err := observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = observability.ServerLogger.Sync() }()

	sv, err := determinism.ParseVerifier(cfg.Verifier.Signature)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("signal", signalHealthChecker{})
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: config.AppName,
			envPrefix:  config.EnvPrefix,
			configName: config.AppName,
		})
		closers := registerBackendChecks(cmd.Context(), cfg, hm)
		defer func() {
			for _, b := range closers {
				_ = backend.Close(b)
			}
		}()
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithVerifier(determinism.New(sv)),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.ServerLogger.Info("Starting verify service",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.Strings("backends", cfg.BackendNames()))

	if err := srv.Start(ctx, cfg.Server.ShutdownTimeout); err != nil {
		observability.ServerLogger.Error("Server failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// registerBackendChecks builds every configured backend and registers it as
// a health check. Backends that cannot be built are registered as failing
// checks. The built backends are returned for closing.
func registerBackendChecks(ctx context.Context, cfg *config.Config, hm *handlers.HealthManager) []any {
	reg := newBackendRegistry()
	var built []any
	for _, name := range cfg.BackendNames() {
		bc, _ := cfg.Backend(name)
		checkName := "backend:" + name

		var (
			b   any
			err error
		)
		if reg.IsCompute(bc.Kind) {
			b, err = reg.NewCompute(ctx, bc.Kind, name, bc.Settings, observability.ServerLogger)
		} else {
			b, err = reg.NewStorage(ctx, bc.Kind, name, bc.Settings, observability.ServerLogger)
		}
		if err != nil {
			observability.ServerLogger.Warn("Backend unavailable for health checks", zap.String("backend", name), zap.Error(err))
			buildErr := err
			hm.RegisterChecker(checkName, handlers.HealthCheckerFunc(func(context.Context) error { return buildErr }))
			continue
		}
		built = append(built, b)
		hm.RegisterChecker(checkName, backendHealthChecker{backend: b})
	}
	return built
}

// signalHealthChecker reports the signal handler as installed. The server
// only starts after signal.NotifyContext returns.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// identityHealthChecker fails when the application identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("app identity: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("app identity: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("app identity: missing config name")
	}
	return nil
}
