// Package relayauth verifies the relay-to-worker authentication
// envelope described in spec.md §4.5: an Ed25519 signature, computed
// by the trusted gateway, over the canonical JSON of {method, path,
// body, resource_limits}.
package relayauth

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/types"
	"github.com/title-protocol/tee-worker/pkg/workererr"
)

// rawWrapper mirrors types.GatewayAuthWrapper but keeps Body as
// json.RawMessage so the inner body is handed on byte-for-byte,
// without losing precision round-tripping it. Whether a request is
// wrapped at all is decided by Verify's gateway_signature probe.
type rawWrapper struct {
	Method           string                  `json:"method"`
	Path             string                  `json:"path"`
	Body             json.RawMessage         `json:"body"`
	ResourceLimits   *types.ResourceLimits   `json:"resource_limits,omitempty"`
	GatewaySignature *string                 `json:"gateway_signature"`
}

// Verify checks requestBody against gatewayPubkey (nil meaning
// development mode: unsigned requests are accepted). It returns the
// inner handler-facing body and the caller-supplied resource limits,
// if any.
//
// gatewayPubkey non-nil: requestBody MUST carry a gateway_signature
// field and it MUST verify, or Verify fails with Unauthorized (no
// signature field present) or Forbidden (signature present but
// invalid).
//
// gatewayPubkey nil: a requestBody without a gateway_signature field
// is used as-is; one with the field is unwrapped (its body and
// resource limits are returned) without the signature being checked.
func Verify(gatewayPubkey ed25519.PublicKey, method, path string, requestBody []byte) (json.RawMessage, *types.ResourceLimits, error) {
	var probe struct {
		GatewaySignature *string `json:"gateway_signature"`
	}
	// A malformed top-level JSON object fails identically whether or
	// not gateway auth is configured, so decode leniently here and let
	// the wrapped/unwrapped paths below produce the real error.
	_ = json.Unmarshal(requestBody, &probe)

	if probe.GatewaySignature != nil {
		return verifyWrapped(gatewayPubkey, method, path, requestBody)
	}

	if gatewayPubkey != nil {
		return nil, nil, workererr.New(workererr.Unauthorized, "gateway authentication required: send a GatewayAuthWrapper with gateway_signature")
	}
	return json.RawMessage(requestBody), nil, nil
}

func verifyWrapped(gatewayPubkey ed25519.PublicKey, method, path string, requestBody []byte) (json.RawMessage, *types.ResourceLimits, error) {
	var wrapper rawWrapper
	if err := json.Unmarshal(requestBody, &wrapper); err != nil {
		return nil, nil, workererr.Wrap(err, workererr.BadRequest, "malformed gateway auth wrapper")
	}

	if gatewayPubkey == nil {
		// Development mode: skip signature verification but still
		// unwrap, so the caller-declared resource limits are honored.
		return wrapper.Body, wrapper.ResourceLimits, nil
	}

	signTarget := types.GatewayAuthSignTarget{
		Method:         wrapper.Method,
		Path:           wrapper.Path,
		Body:           rawJSONOrNull(wrapper.Body),
		ResourceLimits: wrapper.ResourceLimits,
	}
	signBytes, err := json.Marshal(signTarget)
	if err != nil {
		return nil, nil, workererr.Wrap(err, workererr.Internal, "serialize gateway auth sign target")
	}

	sigBytes, err := primitives.Base64Decode(*wrapper.GatewaySignature)
	if err != nil {
		return nil, nil, workererr.Wrap(err, workererr.BadRequest, "gateway_signature is not valid base64")
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return nil, nil, workererr.New(workererr.BadRequest, "gateway_signature must be 64 bytes")
	}

	if !ed25519.Verify(gatewayPubkey, signBytes, sigBytes) {
		return nil, nil, workererr.New(workererr.Forbidden, "gateway signature verification failed")
	}

	return wrapper.Body, wrapper.ResourceLimits, nil
}

// rawJSONOrNull decodes raw into an interface{} so it re-serializes
// identically to how the gateway itself serialized GatewayAuthSignTarget.Body
// (a serde_json::Value equivalent), rather than nesting it as an
// already-encoded string.
func rawJSONOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
