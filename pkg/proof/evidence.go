package proof

import (
	"encoding/json"
	"time"
)

// PaymentMetadata is the linkage attached to a settlement transaction.
type PaymentMetadata struct {
	ProofCID string `json:"proof_cid"`
	ExecHash string `json:"exec_hash"`
	Service  string `json:"service,omitempty"`
	AppID    string `json:"app_id,omitempty"`
}

// PaymentLayer records a settlement and whether it is bound to the integrity
// layer of the same package.
type PaymentLayer struct {
	TxRef        string `json:"tx_ref"`
	Amount       string `json:"amount"`
	ProofCID     string `json:"proof_cid"`
	ExecHash     string `json:"exec_hash,omitempty"`
	Service      string `json:"service,omitempty"`
	AppID        string `json:"app_id,omitempty"`
	LinkVerified bool   `json:"link_verified"`
}

// Metadata returns the payment metadata view of the layer.
func (p PaymentLayer) Metadata() PaymentMetadata {
	return PaymentMetadata{ProofCID: p.ProofCID, ExecHash: p.ExecHash, Service: p.Service, AppID: p.AppID}
}

// IntegrityLayer is the dual-execution claim: both process proofs, the
// verdict over them and where the layer itself is persisted.
type IntegrityLayer struct {
	Primary   ProcessProof  `json:"primary"`
	Validator ProcessProof  `json:"validator"`
	Match     bool          `json:"match"`
	Verdict   Verdict       `json:"verdict"`
	Storage   *StorageProof `json:"storage,omitempty"`
}

// Persistable returns the layer as it is written to storage: without its own
// storage pointer, which cannot be known before the write.
func (l IntegrityLayer) Persistable() IntegrityLayer {
	l.Storage = nil
	return l
}

// StorageURI returns the URI the layer was persisted under, or "".
func (l IntegrityLayer) StorageURI() string {
	if l.Storage == nil {
		return ""
	}
	return l.Storage.StorageURI
}

// Layers groups the three evidence layers.
type Layers struct {
	Intent    json.RawMessage `json:"intent"`
	Integrity IntegrityLayer  `json:"integrity"`
	Payment   *PaymentLayer   `json:"payment,omitempty"`
}

// EvidencePackage is the self-contained, independently verifiable bundle of
// intent, process integrity and payment artifacts.
type EvidencePackage struct {
	EvidenceID    string        `json:"evidence_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Layers        Layers        `json:"layers"`
	Storage       *StorageProof `json:"storage,omitempty"`
	IntegrityHash string        `json:"integrity_hash,omitempty"`
}
