package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/internal/config"
	"github.com/3leaps/procverify/internal/observability"
	"github.com/3leaps/procverify/pkg/backend"
)

const doctorBackendTimeout = 15 * time.Second

var (
	doctorBackends []string
	doctorAll      bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  procverify doctor                      # Environment checks
  procverify doctor --backend alice      # Also probe one configured backend
  procverify doctor --all                # Probe every configured backend`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringSliceVar(&doctorBackends, "backend", nil, "Probe these configured backends (repeatable)")
	doctorCmd.Flags().BoolVar(&doctorAll, "all", false, "Probe every configured backend")
}

// doctorCheck is a single numbered diagnostic line.
type doctorCheck struct {
	num   int
	total int
}

func (c *doctorCheck) next() string {
	c.num++
	return fmt.Sprintf("[%d/%d]", c.num, c.total)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	logger := observability.CLILogger
	logger.Info("=== " + config.AppName + " doctor ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	var cfg *config.Config
	names := doctorBackends
	if doctorAll || len(names) > 0 {
		var err error
		cfg, err = loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if doctorAll {
			names = cfg.BackendNames()
		}
	}

	healthy := true
	check := &doctorCheck{total: 5 + len(names)}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		logger.Info(fmt.Sprintf("%s Checking Go version... ✅ %s", check.next(), goVersion),
			zap.String("go_version", goVersion))
	} else {
		logger.Warn(fmt.Sprintf("%s Checking Go version... ⚠️  %s (recommended: go1.23+)", check.next(), goVersion),
			zap.String("go_version", goVersion))
		healthy = false
	}

	version := crucible.GetVersion()
	if version.Crucible != "" {
		logger.Info(fmt.Sprintf("%s Checking Crucible access... ✅ v%s", check.next(), version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		logger.Error(fmt.Sprintf("%s Checking Crucible access... ❌ Cannot access Crucible", check.next()))
		ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			fmt.Errorf("crucible version unavailable"))
	}

	if version.Gofulmen != "" {
		logger.Info(fmt.Sprintf("%s Checking Gofulmen access... ✅ v%s", check.next(), version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		logger.Error(fmt.Sprintf("%s Checking Gofulmen access... ❌ Cannot access Gofulmen", check.next()))
		healthy = false
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		logger.Error(fmt.Sprintf("%s Checking config directory... ❌ Cannot find config directory", check.next()), zap.Error(err))
		ExitWithCode(logger, foundry.ExitFileNotFound, "Cannot find config directory", err)
	}
	logger.Info(fmt.Sprintf("%s Checking config directory... ✅ %s", check.next(), configDir),
		zap.String("config_dir", configDir))

	logger.Info(fmt.Sprintf("%s Checking environment... ✅ %s/%s", check.next(), runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	if len(names) > 0 {
		logger.Info("")
		logger.Info("Backend Checks:")
		reg := newBackendRegistry()
		for _, name := range names {
			if !checkBackend(cmd.Context(), cfg, reg, name, check.next()) {
				healthy = false
			}
		}
	}

	logger.Info("")
	if healthy {
		logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", config.AppName))
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("")
	logger.Info("=== End Diagnostics ===")
	if !healthy {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("one or more checks failed"))
	}
	return nil
}

// checkBackend builds a configured backend and runs its health probe.
func checkBackend(ctx context.Context, cfg *config.Config, reg *backend.Registry, name, label string) bool {
	logger := observability.CLILogger
	bc, err := resolveBackend(cfg, name, func(kind string) bool { return reg.IsCompute(kind) || reg.IsStorage(kind) })
	if err != nil {
		logger.Error(fmt.Sprintf("%s Checking backend %s... ❌ not configured", label, name), zap.Error(err))
		return false
	}

	if bc.Kind == "s3" && !checkAWSCredentials(ctx, label, name) {
		return false
	}

	var b any
	if reg.IsCompute(bc.Kind) {
		b, err = reg.NewCompute(ctx, bc.Kind, name, bc.Settings, logger)
	} else {
		b, err = reg.NewStorage(ctx, bc.Kind, name, bc.Settings, logger)
	}
	if err != nil {
		logger.Error(fmt.Sprintf("%s Checking backend %s... ❌ cannot create %s backend", label, name, bc.Kind), zap.Error(err))
		return false
	}
	defer func() { _ = backend.Close(b) }()

	hc, ok := b.(backend.HealthChecker)
	if !ok {
		logger.Info(fmt.Sprintf("%s Checking backend %s... ✅ %s (no health probe)", label, name, bc.Kind))
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, doctorBackendTimeout)
	defer cancel()
	if err := hc.Health(probeCtx); err != nil {
		logger.Error(fmt.Sprintf("%s Checking backend %s... ❌ %s unreachable", label, name, bc.Kind), zap.Error(err))
		return false
	}
	logger.Info(fmt.Sprintf("%s Checking backend %s... ✅ %s reachable", label, name, bc.Kind),
		zap.String("backend", name), zap.String("kind", bc.Kind))
	return true
}

// checkAWSCredentials reports whether the default AWS credential chain
// resolves, printing setup help when it does not.
func checkAWSCredentials(ctx context.Context, label, name string) bool {
	logger := observability.CLILogger
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("%s Checking backend %s... ❌ Cannot load AWS config", label, name), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("%s Checking backend %s... ❌ Cannot retrieve AWS credentials", label, name), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	logger.Debug("AWS credentials found",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set the")
	observability.CLILogger.Info("  endpoint setting on the backend, e.g. PROCVERIFY_BACKENDS_<NAME>_ENDPOINT")
	observability.CLILogger.Info("")
}
