package keystore

import (
	"context"
	"crypto/ed25519"

	"github.com/mr-tron/base58"

	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/types"
	"github.com/title-protocol/tee-worker/pkg/workererr"
)

// Protocol and TEEFamily are the fixed tags every envelope this
// worker produces carries. TEEFamily names the attestation document's
// origin so a consumer picks the matching verifier without probing
// the document's contents.
const (
	Protocol  = "title-tee-v1"
	TEEFamily = "gcp-confidential-space-tdx"
)

// BuildSignedAttestation signs {payload, attributes} and assembles the
// full SignedAttestation envelope, fetching (or reusing the cached)
// attestation document.
func (ks *KeyStore) BuildSignedAttestation(ctx context.Context, payload types.AttestationPayload, attributes []types.Attribute) (types.SignedAttestation, error) {
	signBytes, err := types.CanonicalSignBytes(payload, attributes)
	if err != nil {
		return types.SignedAttestation{}, workererr.Wrap(err, workererr.Internal, "canonicalize attestation payload")
	}
	signature := ks.Sign(signBytes)

	doc, err := ks.AttestationDocument(ctx)
	if err != nil {
		return types.SignedAttestation{}, workererr.Wrap(err, workererr.Internal, "produce attestation document")
	}

	if attributes == nil {
		attributes = []types.Attribute{}
	}

	return types.SignedAttestation{
		Envelope: types.AttestationEnvelope{
			Protocol:            Protocol,
			TEEFamily:           TEEFamily,
			SigningPubkey:       base58.Encode(ks.SigningPublicKey()),
			Signature:           primitives.Base64Encode(signature),
			AttestationDocument: primitives.Base64Encode(doc),
		},
		Payload:    payload,
		Attributes: attributes,
	}, nil
}

// VerifyOwnSignature checks that attestation was produced by this
// worker's *current* signing key and that its signature verifies over
// its own payload and attributes. Used at /sign time: spec.md P5 /
// Forbidden-on-key-rotation — a signature from a prior process
// incarnation (old key) is indistinguishable from a forged one once
// this process has restarted under a fresh key, so both fail the same
// way.
func (ks *KeyStore) VerifyOwnSignature(attestation types.SignedAttestation) error {
	currentPubkey := base58.Encode(ks.SigningPublicKey())
	if attestation.Envelope.SigningPubkey != currentPubkey {
		return workererr.New(workererr.Forbidden, "attestation was not signed by this worker's current key")
	}

	sigBytes, err := primitives.Base64Decode(attestation.Envelope.Signature)
	if err != nil {
		return workererr.Wrap(err, workererr.BadRequest, "attestation signature is not valid base64")
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return workererr.New(workererr.BadRequest, "attestation signature must be 64 bytes")
	}

	signBytes, err := types.CanonicalSignBytes(attestation.Payload, attestation.Attributes)
	if err != nil {
		return workererr.Wrap(err, workererr.Internal, "canonicalize attestation payload")
	}

	if !ed25519.Verify(ks.SigningPublicKey(), signBytes, sigBytes) {
		return workererr.New(workererr.Forbidden, "attestation signature verification failed")
	}
	return nil
}
