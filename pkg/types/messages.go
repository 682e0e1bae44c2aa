package types

// ResourceLimits is the caller-overridable subset of the admission
// layer's ceilings, carried in the relay-auth wrapper. Every field is
// optional; pkg/admission.ResolveLimits fills any nil field from the
// built-in defaults.
type ResourceLimits struct {
	MaxSingleContentBytes *uint64 `json:"max_single_content_bytes,omitempty"`
	MaxConcurrentBytes    *uint64 `json:"max_concurrent_bytes,omitempty"`
	MinUploadSpeedBytes   *uint64 `json:"min_upload_speed_bytes,omitempty"`
	BaseProcessingTimeSec *int64  `json:"base_processing_time_sec,omitempty"`
	MaxGlobalTimeoutSec   *int64  `json:"max_global_timeout_sec,omitempty"`
	ChunkReadTimeoutSec   *int64  `json:"chunk_read_timeout_sec,omitempty"`
	C2PAMaxGraphSize      *int64  `json:"c2pa_max_graph_size,omitempty"`
}

// ResolvedLimits is ResourceLimits with every field filled in; this is
// what the admission layer and the pipeline actually operate against.
type ResolvedLimits struct {
	MaxSingleContentBytes uint64
	MaxConcurrentBytes    uint64
	MinUploadSpeedBytes   uint64
	BaseProcessingTimeSec int64
	MaxGlobalTimeoutSec   int64
	ChunkReadTimeoutSec   int64
	C2PAMaxGraphSize      int64
}

// GatewayAuthSignTarget is the exact field set the relay's Ed25519
// signature is computed over. Field order matters: it is serialized
// with encoding/json, which (for a fixed struct) always emits fields
// in declaration order.
type GatewayAuthSignTarget struct {
	Method         string           `json:"method"`
	Path           string           `json:"path"`
	Body           interface{}      `json:"body"`
	ResourceLimits *ResourceLimits  `json:"resource_limits,omitempty"`
}

// GatewayAuthWrapper is the outer envelope every relay-routed request
// may carry. GatewaySignature is Base64 of a 64-byte Ed25519 signature
// over the canonical JSON of the GatewayAuthSignTarget built from the
// other four fields.
type GatewayAuthWrapper struct {
	Method           string          `json:"method"`
	Path             string          `json:"path"`
	Body             interface{}     `json:"body"`
	ResourceLimits   *ResourceLimits `json:"resource_limits,omitempty"`
	GatewaySignature string          `json:"gateway_signature"`
}

// CreateLedgerStateRequest is the body of POST /create-ledger-state.
type CreateLedgerStateRequest struct {
	MaxDepth         uint32 `json:"max_depth"`
	MaxBufferSize    uint32 `json:"max_buffer_size"`
	RecentBlockhash  string `json:"recent_blockhash"` // base58
}

// CreateLedgerStateResponse is the response body of
// POST /create-ledger-state.
type CreateLedgerStateResponse struct {
	SignedTx        string `json:"signed_tx"`        // base64
	TreeAddress     string `json:"tree_address"`     // base58
	SigningPubkey   string `json:"signing_pubkey"`   // base58
	EncryptionPubkey string `json:"encryption_pubkey"` // base64
}

// VerifyRequest is the plaintext decoded from the inbound hybrid
// envelope for POST /verify.
type VerifyRequest struct {
	DownloadURL  string   `json:"download_url"`
	ProcessorIDs []string `json:"processor_ids"`
}

// ClientPayload is the plaintext fetched from VerifyRequest.DownloadURL
// and decrypted from the hybrid envelope.
type ClientPayload struct {
	OwnerWallet      string                 `json:"owner_wallet"`
	Content          string                 `json:"content"` // base64
	SidecarManifest  []byte                 `json:"sidecar_manifest,omitempty"`
	ExtensionInputs  map[string]interface{} `json:"extension_inputs,omitempty"`
}

// ProcessorResult is one entry of the /verify response's results list.
type ProcessorResult struct {
	ProcessorID string `json:"processor_id"`
	SignedJSON  string `json:"signed_json"`
}

// VerifyResponsePlaintext is AEAD-sealed (with the same key, a fresh
// nonce) to produce the actual /verify HTTP response.
type VerifyResponsePlaintext struct {
	Results []ProcessorResult `json:"results"`
}

// SignRequestItem is one entry of the /sign request's requests list.
type SignRequestItem struct {
	SignedJSONURI string `json:"signed_json_uri"`
}

// SignRequest is the body of POST /sign.
type SignRequest struct {
	RecentBlockhash string            `json:"recent_blockhash"`
	Requests        []SignRequestItem `json:"requests"`
}

// SignResponse is the response body of POST /sign.
type SignResponse struct {
	PartialTxs []string `json:"partial_txs"` // base64, one per request item
}

// EncryptedEnvelope is the wire shape of a hybrid-encrypted payload:
// an ephemeral X25519 public key, a 12-byte AEAD nonce, and the AEAD
// ciphertext (including its appended tag). EphemeralPubkey is only
// ever present on the client-to-worker request direction; the
// worker's reply reseals with the same derived key and omits it.
type EncryptedEnvelope struct {
	EphemeralPubkey string `json:"ephemeral_pubkey,omitempty"` // base64
	Nonce           string `json:"nonce"`                      // base64
	Ciphertext      string `json:"ciphertext"`                 // base64
}
