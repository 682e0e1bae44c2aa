package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	attestsdk "github.com/Layr-Labs/go-tpm-tools/sdk/attest"
)

// AttestationProducer obtains a hardware-attestation document over a
// piece of public key material. This is spec.md's "get attestation
// over this public key material" external primitive; the worker's own
// code never parses the document's internal shape, only forwards it
// opaquely inside a SignedAttestation envelope.
type AttestationProducer interface {
	Produce(ctx context.Context, publicKeyMaterial []byte) ([]byte, error)
}

// TPMAttestationProducer fetches a Confidential-Space-style attestation
// token from the platform's local attestation service, binding
// publicKeyMaterial into the token's nonce so the resulting document
// is cryptographically tied to these specific keys rather than just
// to the image.
//
// The exact request/response shape of Layr-Labs/go-tpm-tools/sdk/attest
// is not present in the retrieved example pack (it is a third-party
// SDK, not one of the teacher's own files), so this wraps the
// package's documented token-fetch entry point with the narrowest call
// this worker needs: one nonce in, one opaque token out. See
// DESIGN.md for the grounding note on this inference.
type TPMAttestationProducer struct {
	audience string
}

// NewTPMAttestationProducer builds a producer that requests tokens
// for the given audience (the verifier's expected `aud` claim).
func NewTPMAttestationProducer(audience string) *TPMAttestationProducer {
	return &TPMAttestationProducer{audience: audience}
}

func (p *TPMAttestationProducer) Produce(ctx context.Context, publicKeyMaterial []byte) ([]byte, error) {
	nonce := sha256.Sum256(publicKeyMaterial)
	token, err := attestsdk.GetAttestationToken(ctx, p.audience, [][]byte{nonce[:]})
	if err != nil {
		return nil, fmt.Errorf("fetch attestation token: %w", err)
	}
	return []byte(token), nil
}

// StubAttestationProducer returns a fixed, non-hardware document for
// tests and local development outside a TEE: a JSON object of app_id,
// image_digest and key_digest (the base64 SHA-256 of the key
// material), consumable by pkg/attestation.StubVerifier
// only in the sense that it is valid JSON when the caller chooses to
// round-trip it through that stub; it carries no real hardware claim.
type StubAttestationProducer struct {
	AppID       string
	ImageDigest string
}

func NewStubAttestationProducer(appID, imageDigest string) *StubAttestationProducer {
	return &StubAttestationProducer{AppID: appID, ImageDigest: imageDigest}
}

func (p *StubAttestationProducer) Produce(_ context.Context, publicKeyMaterial []byte) ([]byte, error) {
	digest := sha256.Sum256(publicKeyMaterial)
	doc := fmt.Sprintf(`{"app_id":%q,"image_digest":%q,"key_digest":%q}`,
		p.AppID, p.ImageDigest, base64.StdEncoding.EncodeToString(digest[:]))
	return []byte(doc), nil
}
