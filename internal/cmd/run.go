package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/internal/config"
	"github.com/3leaps/procverify/internal/observability"
	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/determinism"
	"github.com/3leaps/procverify/pkg/evidence"
	"github.com/3leaps/procverify/pkg/jobregistry"
	"github.com/3leaps/procverify/pkg/manifest"
	"github.com/3leaps/procverify/pkg/orchestrator"
	"github.com/3leaps/procverify/pkg/output"
	"github.com/3leaps/procverify/pkg/proof"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task from a manifest",
	Long: `Run a task as defined in a YAML or JSON task manifest.

With only a primary backend the task runs once and its proof is reported.
With a validator backend the task runs on both, concurrently, and the two
proofs are verified for determinism. When a storage backend is named the
integrity layer is persisted, and with an evidence section an evidence
package is assembled from it.

Output is JSONL: one record per job, proof, verdict and evidence package,
followed by a summary.

Example:
  procverify run --job task.yaml
  procverify run --job task.yaml --output file:results.jsonl
  procverify run --job task.yaml --dry-run`,
	RunE: runRun,
}

var (
	runJobPath string
	runOutput  string
	runTimeout string
	runDryRun  bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to task manifest (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override output destination")
	runCmd.Flags().StringVar(&runTimeout, "timeout", "", "Override run.timeout (e.g. 90s)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without executing")

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	m, err := manifest.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if runOutput != "" {
		m.Output.Destination = runOutput
	}
	if runTimeout != "" {
		m.Run.Timeout = runTimeout
		if err := manifest.Check(m); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --timeout value", err)
		}
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runJobPath),
		zap.String("task_type", m.Task.TaskType),
		zap.String("model", m.Task.Model),
		zap.String("primary", m.Backends.Primary),
		zap.String("validator", m.Backends.Validator))

	if runDryRun {
		return showRunPlan(m)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return executeRun(ctx, cfg, m)
}

// showRunPlan displays what would run without executing.
func showRunPlan(m *manifest.Manifest) error {
	fmt.Println("=== Run Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Task type:   %s\n", m.Task.TaskType)
	if m.Task.Model != "" {
		fmt.Printf("Model:       %s\n", m.Task.Model)
	}
	fmt.Printf("Method:      %s\n", m.Task.Verification)
	if m.Task.DockerImage != "" {
		fmt.Printf("Image:       %s\n", m.Task.DockerImage)
	}
	fmt.Println()
	fmt.Println("Backends:")
	fmt.Printf("  Primary:   %s\n", m.Backends.Primary)
	if m.Backends.Dual() {
		fmt.Printf("  Validator: %s\n", m.Backends.Validator)
	}
	if m.Backends.Storage != "" {
		fmt.Printf("  Storage:   %s\n", m.Backends.Storage)
	}
	fmt.Println()
	fmt.Printf("Timeout:     %s\n", m.Run.Timeout)
	if m.Evidence != nil {
		fmt.Printf("Evidence:    intent=%s persist=%t\n", m.Evidence.IntentFile, m.Evidence.Persist)
	}
	fmt.Printf("Output:      %s\n", m.Output.Destination)
	fmt.Println()
	if m.Backends.Dual() {
		fmt.Println("Mode:        dual execution with determinism verification")
	} else {
		fmt.Println("Mode:        single execution (no validator)")
	}
	return nil
}

// runner bundles what one run needs.
type runner struct {
	cfg      *config.Config
	m        *manifest.Manifest
	reg      *backend.Registry
	store    jobregistry.Store
	verifier *determinism.Verifier
	w        output.Writer
	logger   *zap.Logger
	timeout  time.Duration
	jobs     int
	failures int
}

func executeRun(ctx context.Context, cfg *config.Config, m *manifest.Manifest) error {
	start := time.Now()
	runID := uuid.New().String()
	logger := observability.CLILogger.With(zap.String("run_id", runID))

	timeout, err := m.Run.TimeoutDuration()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	sv, err := determinism.ParseVerifier(cfg.Verifier.Signature)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	store, closeStore, err := openJobStore(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	defer closeStore()

	w, cleanup, err := createWriter(m, runID)
	if err != nil {
		logger.Error("Failed to create output writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	r := &runner{
		cfg:      cfg,
		m:        m,
		reg:      newBackendRegistry(),
		store:    store,
		verifier: determinism.New(sv),
		w:        w,
		logger:   logger,
		timeout:  timeout,
	}

	primary, err := r.orchestrator(ctx, m.Backends.Primary)
	if err != nil {
		return err
	}
	var validator *orchestrator.Orchestrator
	if m.Backends.Dual() {
		if validator, err = r.orchestrator(ctx, m.Backends.Validator); err != nil {
			return err
		}
	}
	var storage backend.StorageBackend
	if validator != nil && m.Backends.Storage != "" {
		if storage, err = buildStorage(ctx, cfg, r.reg, m.Backends.Storage, logger); err != nil {
			return err
		}
		defer func() { _ = backend.Close(storage) }()
	}

	var status proof.VerificationStatus
	var match bool
	if validator != nil {
		status, match, err = r.dual(ctx, primary, validator, storage)
	} else {
		err = r.single(ctx, primary)
	}

	if err != nil {
		r.failures++
		_ = w.WriteError(ctx, output.NewErrorRecord(err))
	}

	elapsed := time.Since(start)
	_ = w.WriteSummary(ctx, &output.SummaryRecord{
		Jobs:          r.jobs,
		Status:        status,
		Match:         match,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		Errors:        r.failures,
	})

	if err != nil {
		return runExitError(ctx, err)
	}
	logger.Info("Run completed",
		zap.Int("jobs", r.jobs),
		zap.String("status", string(status)),
		zap.Duration("duration", elapsed))
	return nil
}

// runExitError maps a run failure to an exit code.
func runExitError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Run interrupted", err)
	case backend.IsInvalidTask(err):
		return exitError(foundry.ExitInvalidArgument, "Invalid task", err)
	case evidence.IsIncomplete(err):
		return exitError(foundry.ExitInvalidArgument, "Incomplete evidence", err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", err)
	}
}

func (r *runner) orchestrator(ctx context.Context, name string) (*orchestrator.Orchestrator, error) {
	b, err := buildCompute(ctx, r.cfg, r.reg, name, r.logger)
	if err != nil {
		return nil, err
	}
	o, err := orchestrator.New(b, r.cfg.Orchestrator, r.logger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid orchestrator configuration", err)
	}
	if r.store != nil {
		o = o.WithStore(r.store)
	}
	return o, nil
}

func (r *runner) single(ctx context.Context, o *orchestrator.Orchestrator) error {
	job, res, err := o.Run(ctx, r.m.Task, r.timeout)
	r.writeJob(ctx, job, proof.RolePrimary)
	if err != nil {
		return err
	}
	pp := proof.NewProcessProof(proof.RolePrimary, job.Backend, job.ID, res.Proof)
	return r.w.WriteProof(ctx, &output.ProofRecord{ProcessProof: pp})
}

func (r *runner) dual(ctx context.Context, primary, validator *orchestrator.Orchestrator, storage backend.StorageBackend) (proof.VerificationStatus, bool, error) {
	dr := &determinism.DualRunner{
		Primary:   primary,
		Validator: validator,
		Verifier:  r.verifier,
		Timeout:   r.timeout,
		Logger:    r.logger,
	}
	layer, runErr := dr.Run(ctx, r.m.Task)

	for _, job := range primary.Jobs() {
		r.writeJob(ctx, job, proof.RolePrimary)
	}
	for _, job := range validator.Jobs() {
		r.writeJob(ctx, job, proof.RoleValidator)
	}
	if runErr != nil {
		return "", false, runErr
	}

	for _, pp := range []proof.ProcessProof{layer.Primary, layer.Validator} {
		if err := r.w.WriteProof(ctx, &output.ProofRecord{ProcessProof: pp}); err != nil {
			return "", false, err
		}
	}

	if storage != nil {
		var err error
		if layer, err = evidence.PersistIntegrity(ctx, storage, layer); err != nil {
			return "", false, err
		}
	}

	if err := r.writeVerdict(ctx, layer); err != nil {
		return "", false, err
	}
	if r.m.Evidence != nil {
		if err := r.assemble(ctx, layer, storage); err != nil {
			return layer.Verdict.Status, layer.Match, err
		}
	}
	return layer.Verdict.Status, layer.Match, nil
}

func (r *runner) writeJob(ctx context.Context, job orchestrator.Job, role proof.Role) {
	if job.ID == "" {
		return
	}
	r.jobs++
	rec := &output.JobRecord{
		JobID:       job.ID,
		Backend:     job.Backend,
		Role:        role,
		State:       job.State.String(),
		RemoteState: job.RemoteState,
		Polls:       job.Polls,
		Reason:      job.Reason,
	}
	if job.EndedAt != nil {
		rec.Duration = job.EndedAt.Sub(job.CreatedAt)
	}
	if err := r.w.WriteJob(ctx, rec); err != nil {
		r.logger.Warn("Failed to write job record", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (r *runner) writeVerdict(ctx context.Context, layer proof.IntegrityLayer) error {
	return r.w.WriteVerdict(ctx, &output.VerdictRecord{
		Verdict:       layer.Verdict,
		Match:         layer.Match,
		PrimaryHash:   layer.Primary.Proof.ExecutionHash,
		ValidatorHash: layer.Validator.Proof.ExecutionHash,
		StorageURI:    layer.StorageURI(),
	})
}

// assemble builds the evidence package for a finished dual run. The payment
// layer does not exist yet; the record carries the metadata a settlement
// must use to link to this run.
func (r *runner) assemble(ctx context.Context, layer proof.IntegrityLayer, store backend.StorageBackend) error {
	intent, err := r.m.Intent()
	if err != nil {
		return err
	}
	a := evidence.NewAssembler(r.verifier, r.logger)
	pkg, err := a.Assemble(evidence.Input{Intent: intent, Integrity: layer})
	if err != nil {
		return err
	}

	rec := &output.EvidenceRecord{
		EvidenceID:    pkg.EvidenceID,
		IntegrityHash: pkg.IntegrityHash,
	}
	if layer.Storage != nil {
		md := evidence.PaymentMetadataFor(layer, r.m.Evidence.Service, r.m.Evidence.AppID)
		rec.PaymentMetadata = &md
	}
	if r.m.Evidence.Persist && store != nil {
		stored, err := evidence.Persist(ctx, store, pkg)
		if err != nil {
			return err
		}
		rec.StorageURI = stored.Storage.StorageURI
	} else {
		rec.Package = pkg
	}
	return r.w.WriteEvidence(ctx, rec)
}

// createWriter creates an output writer based on manifest configuration.
// Returns the writer, a cleanup function, and any error.
func createWriter(m *manifest.Manifest, runID string) (output.Writer, func(), error) {
	return openWriter(m.Output.Destination, runID)
}

func openWriter(dest, runID string) (output.Writer, func(), error) {
	if dest == "" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, runID)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, runID)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
