package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/internal/config"
	"github.com/3leaps/procverify/internal/observability"
	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/determinism"
	"github.com/3leaps/procverify/pkg/evidence"
	"github.com/3leaps/procverify/pkg/proof"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Assemble and verify evidence packages",
	Long: `Assemble intent, process-integrity and payment artifacts into one evidence
package, and verify packages independently of how they were produced.`,
}

var evidenceAssembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble an evidence package",
	Long: `Assemble an evidence package from an intent, an integrity layer and an
optional payment layer.

When --storage is given and the integrity layer has not been persisted yet,
it is persisted first so the payment linkage can be checked. With --persist
the finished package is stored as well.

Example:
  procverify evidence assemble --intent intent.json --integrity integrity.json
  procverify evidence assemble --intent intent.json --integrity integrity.json \
    --payment payment.json --storage ipfs --persist`,
	Args: cobra.NoArgs,
	RunE: runEvidenceAssemble,
}

var evidenceVerifyCmd = &cobra.Command{
	Use:   "verify <package.json | storage-uri>",
	Short: "Verify an evidence package",
	Long: `Re-run every evidence rule against a package, including a fresh
determinism verification of the embedded proofs and the integrity hash.

With --storage, a storage URI argument is fetched (and hash-verified) from
that backend, and the stored integrity layer is compared with the embedded
one. The report is printed as JSON; an invalid package exits non-zero.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvidenceVerify,
}

var (
	evidenceIntentPath    string
	evidenceIntegrityPath string
	evidencePaymentPath   string
	evidenceID            string
	evidenceStorage       string
	evidencePersist       bool
	evidenceOutput        string
)

func init() {
	rootCmd.AddCommand(evidenceCmd)
	evidenceCmd.AddCommand(evidenceAssembleCmd)
	evidenceCmd.AddCommand(evidenceVerifyCmd)

	evidenceAssembleCmd.Flags().StringVar(&evidenceIntentPath, "intent", "", "Intent JSON file (required)")
	evidenceAssembleCmd.Flags().StringVar(&evidenceIntegrityPath, "integrity", "", "Integrity layer JSON file (required)")
	evidenceAssembleCmd.Flags().StringVar(&evidencePaymentPath, "payment", "", "Payment layer JSON file")
	evidenceAssembleCmd.Flags().StringVar(&evidenceID, "id", "", "Evidence id (default: derived from content)")
	evidenceAssembleCmd.Flags().StringVar(&evidenceStorage, "storage", "", "Storage backend for the integrity layer and package")
	evidenceAssembleCmd.Flags().BoolVar(&evidencePersist, "persist", false, "Store the finished package on --storage")
	evidenceAssembleCmd.Flags().StringVarP(&evidenceOutput, "output", "o", "", "Write the package to this file instead of stdout")
	_ = evidenceAssembleCmd.MarkFlagRequired("intent")
	_ = evidenceAssembleCmd.MarkFlagRequired("integrity")

	evidenceVerifyCmd.Flags().StringVar(&evidenceStorage, "storage", "", "Storage backend to fetch and cross-check from")
}

func runEvidenceAssemble(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if evidencePersist && evidenceStorage == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid flags", fmt.Errorf("--persist requires --storage"))
	}

	intent, err := readInput(evidenceIntentPath)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot read intent", err)
	}
	if !json.Valid(intent) {
		return exitError(foundry.ExitInvalidArgument, "Invalid intent", fmt.Errorf("%s is not valid JSON", evidenceIntentPath))
	}

	var layer proof.IntegrityLayer
	if err := readJSONFile(evidenceIntegrityPath, &layer); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid integrity layer", err)
	}
	var payment *proof.PaymentLayer
	if evidencePaymentPath != "" {
		payment = &proof.PaymentLayer{}
		if err := readJSONFile(evidencePaymentPath, payment); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid payment layer", err)
		}
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	verifier, err := verifierFromConfig(cfg)
	if err != nil {
		return err
	}

	var store backend.StorageBackend
	if evidenceStorage != "" {
		store, err = buildStorage(ctx, cfg, newBackendRegistry(), evidenceStorage, observability.CLILogger)
		if err != nil {
			return err
		}
		defer func() { _ = backend.Close(store) }()

		if layer.Storage == nil {
			if layer, err = evidence.PersistIntegrity(ctx, store, layer); err != nil {
				return exitError(foundry.ExitExternalServiceUnavailable, "Failed to persist integrity layer", err)
			}
			observability.CLILogger.Info("Integrity layer persisted", zap.String("uri", layer.StorageURI()))
		}
	}

	a := evidence.NewAssembler(verifier, observability.CLILogger)
	pkg, err := a.Assemble(evidence.Input{
		EvidenceID: evidenceID,
		Intent:     intent,
		Integrity:  layer,
		Payment:    payment,
	})
	if err != nil {
		observability.CLILogger.Error("Evidence rejected", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Incomplete evidence", err)
	}

	if evidencePersist {
		if pkg, err = evidence.Persist(ctx, store, pkg); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to persist evidence package", err)
		}
		observability.CLILogger.Info("Evidence package persisted",
			zap.String("evidence_id", pkg.EvidenceID),
			zap.String("uri", pkg.Storage.StorageURI))
	}

	out, closeOut, err := openOutputFile(evidenceOutput, cmd.OutOrStdout())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer closeOut()
	return writeIndented(out, pkg)
}

func runEvidenceVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	verifier, err := verifierFromConfig(cfg)
	if err != nil {
		return err
	}
	a := evidence.NewAssembler(verifier, observability.CLILogger)

	var (
		report evidence.Report
		ok     bool
	)
	if evidenceStorage == "" {
		var pkg proof.EvidencePackage
		if err := readJSONFile(args[0], &pkg); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid evidence package", err)
		}
		report, ok = a.Verify(&pkg)
	} else {
		report, ok, err = verifyStored(ctx, cfg, a, args[0])
		if err != nil {
			return err
		}
	}

	if err := writeIndented(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !ok {
		failed := report.Failed()
		rules := make([]string, 0, len(failed))
		for _, c := range failed {
			rules = append(rules, string(c.Rule))
		}
		return exitError(foundry.ExitInvalidArgument, "Evidence verification failed",
			fmt.Errorf("failed rules: %s", strings.Join(rules, ", ")))
	}
	return nil
}

// verifyStored verifies a package read from a file or fetched from the
// storage backend, then cross-checks the stored integrity layer.
func verifyStored(ctx context.Context, cfg *config.Config, a *evidence.Assembler, ref string) (evidence.Report, bool, error) {
	store, err := buildStorage(ctx, cfg, newBackendRegistry(), evidenceStorage, observability.CLILogger)
	if err != nil {
		return evidence.Report{}, false, err
	}
	defer func() { _ = backend.Close(store) }()

	var pkg *proof.EvidencePackage
	if _, statErr := os.Stat(ref); statErr == nil || ref == "-" {
		pkg = &proof.EvidencePackage{}
		if err := readJSONFile(ref, pkg); err != nil {
			return evidence.Report{}, false, exitError(foundry.ExitInvalidArgument, "Invalid evidence package", err)
		}
	} else {
		pkg, err = evidence.Load(ctx, store, ref)
		if err != nil {
			if backend.IsNotFound(err) {
				return evidence.Report{}, false, exitError(foundry.ExitFileNotFound, "Evidence package not found", err)
			}
			return evidence.Report{}, false, exitError(foundry.ExitExternalServiceUnavailable, "Failed to load evidence package", err)
		}
	}
	report, ok := a.VerifyStored(ctx, store, pkg)
	return report, ok, nil
}

func verifierFromConfig(cfg *config.Config) (*determinism.Verifier, error) {
	sv, err := determinism.ParseVerifier(cfg.Verifier.Signature)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return determinism.New(sv), nil
}

func readJSONFile(path string, v any) error {
	data, err := readInput(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openOutputFile returns path opened for writing, or fallback when path is
// empty or "-".
func openOutputFile(path string, fallback io.Writer) (io.Writer, func(), error) {
	path = strings.TrimPrefix(path, "file:")
	if path == "" || path == "-" || path == "stdout" {
		return fallback, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
