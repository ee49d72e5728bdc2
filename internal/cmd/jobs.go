package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/internal/config"
	"github.com/3leaps/procverify/internal/observability"
	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect orchestrated jobs",
	Long: `Inspect the job registry written by 'procverify run'.

Records live in the configured registry (registry.driver: file or redis).
'status --refresh' and 'cancel' contact the backend that ran the job.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Ask the backend to cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("backend", "", "Only jobs from this backend")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("refresh", false, "Query the backend for the live state")
	jobsStatusCmd.Flags().String("backend", "", "Backend that ran the job (when the id is ambiguous)")
	jobsCancelCmd.Flags().String("backend", "", "Backend that ran the job (when the id is ambiguous)")
}

func jobStore(cmd *cobra.Command) (*config.Config, jobregistry.Store, func(), error) {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return nil, nil, nil, err
	}
	store, closeStore, err := openJobStore(cfg)
	if err != nil {
		return nil, nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if store == nil {
		return nil, nil, nil, exitError(foundry.ExitInvalidArgument, "Job registry disabled", fmt.Errorf("registry.driver is %q", cfg.Registry.Driver))
	}
	return cfg, store, closeStore, nil
}

func findJob(cmd *cobra.Command, store jobregistry.Store, jobID string) (*jobregistry.JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("job_id is required"))
	}
	backendName, _ := cmd.Flags().GetString("backend")

	var (
		rec *jobregistry.JobRecord
		err error
	)
	if backendName != "" {
		rec, err = store.Get(cmd.Context(), jobregistry.RecordID(backendName, jobID))
	} else {
		rec, err = jobregistry.Find(cmd.Context(), store, jobID)
	}
	if err != nil {
		if errors.Is(err, jobregistry.ErrRecordNotFound) {
			return nil, exitError(foundry.ExitFileNotFound, "Job not found", err)
		}
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to read job registry", err)
	}
	return rec, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	backendName, _ := cmd.Flags().GetString("backend")

	_, store, closeStore, err := jobStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.List(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read job registry", err)
	}
	if backendName != "" {
		filtered := records[:0]
		for _, r := range records {
			if strings.EqualFold(r.Backend, backendName) {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if records == nil {
			records = []jobregistry.JobRecord{}
		}
		return writeIndented(out, records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tBACKEND\tSTATE\tTASK\tCREATED\tENDED\tEXECUTION HASH")
	for _, r := range records {
		task := r.TaskType
		if r.Model != "" {
			task += "/" + r.Model
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(r.JobID),
			r.Backend,
			r.State,
			task,
			r.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(r.EndedAt),
			orDash(shortHash(r.ExecutionHash)),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	refresh, _ := cmd.Flags().GetBool("refresh")

	cfg, store, closeStore, err := jobStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := findJob(cmd, store, args[0])
	if err != nil {
		return err
	}

	var live *backend.JobStatus
	if refresh && !rec.State.IsTerminal() {
		b, err := buildCompute(cmd.Context(), cfg, newBackendRegistry(), rec.Backend, observability.CLILogger)
		if err != nil {
			return err
		}
		st, err := b.Status(cmd.Context(), rec.JobID)
		if err != nil {
			observability.CLILogger.Warn("Backend status query failed", zap.String("job_id", rec.JobID), zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Backend status query failed", err)
		}
		live = &st
		if st.State != rec.State {
			rec.State = st.State
			rec.Touch(time.Now())
			if st.State.IsTerminal() {
				rec.EndedAt = rec.UpdatedAt
			}
			if err := store.Put(cmd.Context(), rec); err != nil {
				observability.CLILogger.Warn("Failed to update job record", zap.String("job_id", rec.JobID), zap.Error(err))
			}
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeIndented(out, struct {
			*jobregistry.JobRecord
			Live *backend.JobStatus `json:"live,omitempty"`
		}{rec, live})
	}
	printJobRecord(out, rec)
	if live != nil {
		_, _ = fmt.Fprintf(out, "live_state=%s\n", live.State)
		_, _ = fmt.Fprintf(out, "live_progress=%.2f\n", live.Progress)
		if live.Message != "" {
			_, _ = fmt.Fprintf(out, "live_message=%s\n", live.Message)
		}
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	cfg, store, closeStore, err := jobStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := findJob(cmd, store, args[0])
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job %s already %s\n", rec.JobID, rec.State)
		return nil
	}

	b, err := buildCompute(cmd.Context(), cfg, newBackendRegistry(), rec.Backend, observability.CLILogger)
	if err != nil {
		return err
	}
	c, ok := b.(backend.Canceler)
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Cancel not supported", fmt.Errorf("backend %s cannot cancel jobs", rec.Backend))
	}
	accepted, err := c.Cancel(cmd.Context(), rec.JobID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cancel failed", err)
	}
	if accepted {
		rec.State = backend.StateCancelled
		rec.Touch(time.Now())
		rec.EndedAt = rec.UpdatedAt
		rec.Reason = "cancelled by user"
		if err := store.Put(cmd.Context(), rec); err != nil {
			observability.CLILogger.Warn("Failed to update job record", zap.String("job_id", rec.JobID), zap.Error(err))
		}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\ncancel_accepted=%t\n", rec.JobID, accepted)
	return nil
}

func printJobRecord(out io.Writer, rec *jobregistry.JobRecord) {
	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "backend=%s\n", rec.Backend)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "task_type=%s\n", rec.TaskType)
	if rec.Model != "" {
		_, _ = fmt.Fprintf(out, "model=%s\n", rec.Model)
	}
	if rec.CodeIdentity != "" {
		_, _ = fmt.Fprintf(out, "code_identity=%s\n", rec.CodeIdentity)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.Polls > 0 {
		_, _ = fmt.Fprintf(out, "polls=%d\n", rec.Polls)
	}
	if rec.Reason != "" {
		_, _ = fmt.Fprintf(out, "reason=%s\n", rec.Reason)
	}
	if rec.ExecutionHash != "" {
		_, _ = fmt.Fprintf(out, "execution_hash=%s\n", rec.ExecutionHash)
	}
	if rec.DockerDigest != "" {
		_, _ = fmt.Fprintf(out, "docker_digest=%s\n", rec.DockerDigest)
	}
	if rec.ProofDigest != "" {
		_, _ = fmt.Fprintf(out, "proof_digest=%s\n", rec.ProofDigest)
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func shortJobID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func shortHash(h string) string {
	h = strings.TrimPrefix(h, "sha256:")
	if len(h) <= 16 {
		return h
	}
	return h[:16]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
