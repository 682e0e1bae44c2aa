// Package types holds the domain objects attested and exchanged by the
// worker: content identifiers, provenance graphs, signed attestations,
// and the duplicate-resolution input records. Wire request/response
// shapes live in messages.go.
package types

import "encoding/json"

// ContentId is a 32-byte SHA-256 digest over a manifest's COSE
// signature bytes. It is rendered externally as "0x" + 64 lowercase
// hex characters.
type ContentId [32]byte

// NodeKind distinguishes the single root of a ProvenanceGraph from its
// ingredients.
type NodeKind string

const (
	NodeKindFinal      NodeKind = "final"
	NodeKindIngredient NodeKind = "ingredient"
)

// GraphNode is one node of a ProvenanceGraph. Uniqueness key is Id;
// duplicates are coalesced on insert.
type GraphNode struct {
	Id   ContentId `json:"id"`
	Kind NodeKind  `json:"kind"`
}

// GraphLink is one edge of a ProvenanceGraph, oriented ingredient to
// derivative. Role is the ingredient's declared media type, or
// "unknown" if it did not declare one. Edges may repeat.
type GraphLink struct {
	Source ContentId `json:"source"`
	Target ContentId `json:"target"`
	Role   string    `json:"role"`
}

// ProvenanceGraph is the node set and edge set produced by
// pkg/provenance.BuildGraph.
type ProvenanceGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

// TSAEvidence is the optional trusted-timestamp-authority evidence
// carried by a provenance attestation payload.
type TSAEvidence struct {
	EpochSeconds    int64  `json:"epoch_seconds"`
	IssuerKeyDigest string `json:"issuer_key_digest"`
	Token           string `json:"token,omitempty"`
}

// Attribute is one on-chain-metadata-facing trait.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// AttestationPayload is the signed body of a SignedAttestation. Both
// provenance and analyzer attestations share this shape; analyzer
// attestations additionally populate the Analyzer* fields and merge
// their own JSON output into Extra.
type AttestationPayload struct {
	ContentId      ContentId              `json:"content_id"`
	MimeType       string                 `json:"mime_type"`
	OwnerWallet    string                 `json:"owner_wallet"`
	TSA            *TSAEvidence           `json:"tsa,omitempty"`
	Graph          *ProvenanceGraph       `json:"graph,omitempty"`
	AnalyzerId     string                 `json:"analyzer_id,omitempty"`
	AnalyzerSource string                 `json:"analyzer_source,omitempty"`
	AnalyzerHash   string                 `json:"analyzer_hash,omitempty"`
	InputHash      string                 `json:"input_hash,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// signTarget fixes the exact field order the canonicalization rule
// requires: payload, then attributes, with no whitespace.
type signTarget struct {
	Payload    AttestationPayload `json:"payload"`
	Attributes []Attribute        `json:"attributes"`
}

// CanonicalSignBytes produces the exact byte string the worker signs
// and every verifier re-derives: {payload, attributes} with no
// inserted whitespace, field order payload then attributes.
func CanonicalSignBytes(payload AttestationPayload, attributes []Attribute) ([]byte, error) {
	if attributes == nil {
		attributes = []Attribute{}
	}
	return json.Marshal(signTarget{Payload: payload, Attributes: attributes})
}

// AttestationEnvelope carries the protocol tag, the worker's identity,
// and the signature over the canonical bytes of {payload, attributes}.
type AttestationEnvelope struct {
	Protocol             string `json:"protocol"`
	TEEFamily            string `json:"tee_family"`
	SigningPubkey        string `json:"signing_pubkey"`       // base58
	Signature            string `json:"signature"`            // base64
	AttestationDocument  string `json:"attestation_document"` // base64
}

// SignedAttestation is the fully assembled, verifiable unit the worker
// emits from the verify phase and re-checks in the sign phase.
type SignedAttestation struct {
	Envelope   AttestationEnvelope `json:"envelope"`
	Payload    AttestationPayload  `json:"payload"`
	Attributes []Attribute         `json:"attributes"`
}

// TokenRecord is one candidate mint record for a ContentId, as
// consumed by pkg/duplicate.
type TokenRecord struct {
	Id              string
	TSATimestamp    *int64
	TSAPubkeyHash   *string
	LedgerBlockTime int64
	IsBurned        bool
}

// WorkerState is the two-phase lifecycle flag described in §4.3.
type WorkerState int32

const (
	StateInactive WorkerState = iota
	StateActive
)

func (s WorkerState) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// AttestationClaims is what an AttestationProducer/Verifier pair
// exchanges about a piece of hardware-attested key material: the
// application identity, a measurement of the running image, and the
// public key the document is bound to.
type AttestationClaims struct {
	AppID       string
	ImageDigest string
	IssuedAt    int64
	PublicKey   []byte
}
