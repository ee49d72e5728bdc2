package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/pkg/evidence"
	"github.com/3leaps/procverify/pkg/output"
	"github.com/3leaps/procverify/pkg/proof"
)

// dualIntegrityLayer runs a matched dual execution and returns its
// integrity layer without a storage location.
func dualIntegrityLayer(t *testing.T, dir, cfgPath string) proof.IntegrityLayer {
	t.Helper()
	outPath := filepath.Join(dir, "run.jsonl")
	writeFile(t, dir, "intent.json", `{"mandate":"pay-per-inference"}`)
	job := writeFile(t, dir, "task.yaml", `version: "1.0"
task:
  task_type: inference
  model: risk-eval
backends:
  primary: alice
  validator: bob
run:
  timeout: 10s
evidence:
  intent_file: intent.json
`)
	_, err := execute(t, "--config", cfgPath, "run", "--job", job, "--output", outPath)
	require.NoError(t, err)

	recs := recordsOfType(readRecords(t, outPath), output.TypeEvidence)
	require.Len(t, recs, 1)
	var ev output.EvidenceRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &ev))
	require.NotNil(t, ev.Package)
	layer := ev.Package.Layers.Integrity
	layer.Storage = nil
	return layer
}

func readPackage(t *testing.T, path string) proof.EvidencePackage {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var pkg proof.EvidencePackage
	require.NoError(t, json.Unmarshal(data, &pkg))
	return pkg
}

func TestEvidenceAssembleAndVerify(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	layer := dualIntegrityLayer(t, dir, cfgPath)
	integrity := writeJSON(t, dir, "integrity.json", layer)
	intent := filepath.Join(dir, "intent.json")
	pkgPath := filepath.Join(dir, "package.json")

	_, err := execute(t, "--config", cfgPath, "evidence", "assemble",
		"--intent", intent, "--integrity", integrity, "--id", "ev-1", "-o", pkgPath)
	require.NoError(t, err)

	pkg := readPackage(t, pkgPath)
	assert.Equal(t, "ev-1", pkg.EvidenceID)
	assert.NotEmpty(t, pkg.IntegrityHash)
	assert.Nil(t, pkg.Layers.Payment)

	out, err := execute(t, "--config", cfgPath, "evidence", "verify", pkgPath)
	require.NoError(t, err)
	var report evidence.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, pkg.IntegrityHash, report.IntegrityHash)

	t.Run("tampered intent fails", func(t *testing.T) {
		tampered := pkg
		tampered.Layers.Intent = json.RawMessage(`{"mandate":"unlimited"}`)
		path := writeJSON(t, dir, "tampered.json", tampered)

		out, err := execute(t, "--config", cfgPath, "evidence", "verify", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), string(evidence.RuleIntegrityHash))

		var report evidence.Report
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.False(t, report.Valid)
	})
}

func TestEvidenceAssemble_PaymentRequiresStorage(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	layer := dualIntegrityLayer(t, dir, cfgPath)
	integrity := writeJSON(t, dir, "integrity.json", layer)
	payment := writeJSON(t, dir, "payment.json", proof.PaymentLayer{
		TxRef:    "0xabc",
		Amount:   "1.00",
		ProofCID: "ipfs://bafyunknown",
		ExecHash: layer.Primary.Proof.ExecutionHash,
	})

	_, err := execute(t, "--config", cfgPath, "evidence", "assemble",
		"--intent", filepath.Join(dir, "intent.json"), "--integrity", integrity, "--payment", payment)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Incomplete evidence")
}

func TestEvidenceAssemble_PersistAndVerifyStored(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	layer := dualIntegrityLayer(t, dir, cfgPath)
	integrity := writeJSON(t, dir, "integrity.json", layer)
	pkgPath := filepath.Join(dir, "package.json")

	_, err := execute(t, "--config", cfgPath, "evidence", "assemble",
		"--intent", filepath.Join(dir, "intent.json"), "--integrity", integrity,
		"--storage", "archive", "--persist", "-o", pkgPath)
	require.NoError(t, err)

	pkg := readPackage(t, pkgPath)
	require.NotNil(t, pkg.Layers.Integrity.Storage)
	require.NotNil(t, pkg.Storage)

	for _, ref := range []string{pkgPath, pkg.Storage.StorageURI} {
		out, err := execute(t, "--config", cfgPath, "evidence", "verify", ref, "--storage", "archive")
		require.NoError(t, err, ref)

		var report evidence.Report
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.True(t, report.Valid)
		var stored bool
		for _, c := range report.Checks {
			if c.Rule == evidence.RuleStoredIntegrity {
				stored = c.Passed
			}
		}
		assert.True(t, stored, "stored integrity check should pass for %s", ref)
	}
}

func TestEvidenceAssemble_PersistNeedsStorage(t *testing.T) {
	isolate(t)
	_, err := execute(t, "evidence", "assemble", "--intent", "i.json", "--integrity", "l.json", "--persist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--persist requires --storage")
}
