// Package evidence assembles intent, process-integrity and payment artifacts
// into one self-contained EvidencePackage, persists it, and re-verifies
// packages independently of how they were produced.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/canonical"
	"github.com/3leaps/procverify/pkg/determinism"
	"github.com/3leaps/procverify/pkg/proof"
)

// Content types recorded as storage metadata.
const (
	KindIntegrity = "procverify.integrity.v1"
	KindPackage   = "procverify.evidence.v1"
)

// evidenceNamespace seeds content-derived evidence ids.
var evidenceNamespace = uuid.MustParse("6f1c0a52-3d2e-5b7f-9a41-7c2e8d0b5e13")

// Input is everything an evidence package is assembled from.
type Input struct {
	// EvidenceID is optional; a content-derived id is used when empty.
	EvidenceID string

	// Intent is the pre-verified intent or mandate object, as JSON.
	Intent json.RawMessage

	// Integrity is the dual-execution layer, normally from
	// determinism.DualRunner or Verifier.Compare, persisted with
	// PersistIntegrity when a payment references it.
	Integrity proof.IntegrityLayer

	// Payment is optional. Its LinkVerified field is computed.
	Payment *proof.PaymentLayer
}

// Assembler builds and verifies evidence packages.
type Assembler struct {
	verifier *determinism.Verifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewAssembler returns an assembler that re-verifies proofs with v. A nil v
// verifies without signature checks.
func NewAssembler(v *determinism.Verifier, logger *zap.Logger) *Assembler {
	if v == nil {
		v = determinism.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{verifier: v, logger: logger, now: time.Now}
}

// Assemble validates in and returns the finished package with its integrity
// hash set.
//
// Returns *IncompleteEvidenceError naming the first violated rule.
func (a *Assembler) Assemble(in Input) (*proof.EvidencePackage, error) {
	layers := proof.Layers{
		Intent:    in.Intent,
		Integrity: in.Integrity,
	}
	if in.Payment != nil {
		p := *in.Payment
		p.LinkVerified = false
		layers.Payment = &p
	}

	checks, _ := checkLayers(a.verifier, layers)
	if ie := firstFailure(checks); ie != nil {
		a.logger.Debug("Evidence rejected", zap.String("rule", string(ie.Rule)), zap.String("detail", ie.Detail))
		return nil, ie
	}
	if layers.Payment != nil {
		layers.Payment.LinkVerified = true
	}

	id := strings.TrimSpace(in.EvidenceID)
	if id == "" {
		b, err := canonical.JSON(layers)
		if err != nil {
			return nil, fmt.Errorf("derive evidence id: %w", err)
		}
		id = uuid.NewSHA1(evidenceNamespace, b).String()
	}

	pkg := &proof.EvidencePackage{
		EvidenceID: id,
		Timestamp:  a.now().UTC(),
		Layers:     layers,
	}
	h, err := Hash(pkg)
	if err != nil {
		return nil, err
	}
	pkg.IntegrityHash = h

	a.logger.Info("Evidence assembled",
		zap.String("evidence_id", id),
		zap.String("verdict", layers.Integrity.Verdict.String()),
		zap.Bool("payment_linked", layers.Payment != nil))
	return pkg, nil
}

// Hash returns the integrity hash of pkg: the digest of its canonical JSON
// with IntegrityHash and Storage cleared.
func Hash(pkg *proof.EvidencePackage) (string, error) {
	if pkg == nil {
		return "", fmt.Errorf("evidence package is nil")
	}
	c := *pkg
	c.IntegrityHash = ""
	c.Storage = nil
	h, err := canonical.HashJSON(c)
	if err != nil {
		return "", fmt.Errorf("hash evidence package: %w", err)
	}
	return h, nil
}

// PersistIntegrity stores the canonical integrity layer and returns the layer
// with its Storage set. The returned URI is what payment metadata must carry
// as proof_cid.
func PersistIntegrity(ctx context.Context, store backend.StorageBackend, layer proof.IntegrityLayer) (proof.IntegrityLayer, error) {
	data, err := canonical.JSON(layer.Persistable())
	if err != nil {
		return proof.IntegrityLayer{}, fmt.Errorf("encode integrity layer: %w", err)
	}
	res, err := store.Put(ctx, data, map[string]string{"kind": KindIntegrity})
	if err != nil {
		return proof.IntegrityLayer{}, err
	}
	sp := res.Proof
	if sp.StorageURI == "" {
		sp.StorageURI = res.URI
	}
	layer.Storage = &sp
	return layer, nil
}

// PaymentMetadataFor returns the metadata a settlement must carry to be
// linked to layer.
func PaymentMetadataFor(layer proof.IntegrityLayer, service, appID string) proof.PaymentMetadata {
	return proof.PaymentMetadata{
		ProofCID: layer.StorageURI(),
		ExecHash: layer.Primary.Proof.ExecutionHash,
		Service:  service,
		AppID:    appID,
	}
}

// Persist stores pkg and returns a copy with Storage pointing at the stored
// copy. The integrity hash is unaffected.
func Persist(ctx context.Context, store backend.StorageBackend, pkg *proof.EvidencePackage) (*proof.EvidencePackage, error) {
	if pkg == nil {
		return nil, fmt.Errorf("evidence package is nil")
	}
	c := *pkg
	c.Storage = nil
	data, err := canonical.JSON(c)
	if err != nil {
		return nil, fmt.Errorf("encode evidence package: %w", err)
	}
	res, err := store.Put(ctx, data, map[string]string{"kind": KindPackage, "evidence_id": pkg.EvidenceID})
	if err != nil {
		return nil, err
	}
	sp := res.Proof
	if sp.StorageURI == "" {
		sp.StorageURI = res.URI
	}
	c.Storage = &sp
	return &c, nil
}

// Load fetches a stored package. Content is hash-verified by the storage
// backend before it is decoded.
func Load(ctx context.Context, store backend.StorageBackend, uri string) (*proof.EvidencePackage, error) {
	data, err := store.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	var pkg proof.EvidencePackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("decode evidence package %s: %w", uri, err)
	}
	if sp, err := store.GetProof(ctx, uri); err == nil {
		pkg.Storage = sp
	}
	return &pkg, nil
}
