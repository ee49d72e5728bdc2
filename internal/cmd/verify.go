package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/internal/observability"
	"github.com/3leaps/procverify/pkg/determinism"
	"github.com/3leaps/procverify/pkg/output"
	"github.com/3leaps/procverify/pkg/proof"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <primary-proof> <validator-proof>",
	Short: "Verify two compute proofs for determinism",
	Long: `Compare two compute proofs and report whether they represent the same
logical computation.

Each file may hold a bare compute proof, a process proof or a job result
(anything with a "proof" object). Use "-" to read one of them from stdin.
The verdict is written as a JSONL verdict record. A mismatch is a verdict,
not an error.

Example:
  procverify verify alice.json bob.json
  procverify verify alice.json bob.json --signature ed25519`,
	Args: cobra.ExactArgs(2),
	RunE: runVerify,
}

var verifySignature string

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifySignature, "signature", "", "Signature verifier: none, ed25519, secp256k1 or auto (default from config)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := readProofFile(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid primary proof", err)
	}
	b, err := readProofFile(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid validator proof", err)
	}

	name := verifySignature
	if name == "" {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		name = cfg.Verifier.Signature
	}
	sv, err := determinism.ParseVerifier(name)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --signature value", err)
	}

	verdict, err := determinism.New(sv).Verify(a, b)
	if err != nil {
		observability.CLILogger.Error("Proofs cannot be compared", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Proofs cannot be compared", err)
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.New().String())
	defer func() { _ = w.Close() }()
	return w.WriteVerdict(ctx, &output.VerdictRecord{
		Verdict:       verdict,
		Match:         verdict.Matched(),
		PrimaryHash:   a.ExecutionHash,
		ValidatorHash: b.ExecutionHash,
	})
}

// readProofFile reads a compute proof, unwrapping a process proof or job
// result if that is what the file holds.
func readProofFile(path string) (proof.ComputeProof, error) {
	data, err := readInput(path)
	if err != nil {
		return proof.ComputeProof{}, err
	}

	var wrapped struct {
		Proof json.RawMessage `json:"proof"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return proof.ComputeProof{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(bytes.TrimSpace(wrapped.Proof)) > 0 && wrapped.Proof[0] == '{' {
		data = wrapped.Proof
	}

	var p proof.ComputeProof
	if err := json.Unmarshal(data, &p); err != nil {
		return proof.ComputeProof{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

// readInput reads path, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
