package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/title-protocol/tee-worker/pkg/types"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	ks, err := New(NewStubAttestationProducer("test-app", "sha256:deadbeef"), nil)
	require.NoError(t, err)
	return ks
}

func TestKeyStore_KeysAreDistinct(t *testing.T) {
	ks := newTestKeyStore(t)
	require.NotEqual(t, []byte(ks.SigningPublicKey()), ks.LedgerStatePublicKey())
	kaPub := ks.KeyAgreementPublicKey()
	require.NotEqual(t, kaPub[:], []byte(ks.SigningPublicKey()))
}

func TestKeyStore_AttestationDocumentCached(t *testing.T) {
	ks := newTestKeyStore(t)
	doc1, err := ks.AttestationDocument(context.Background())
	require.NoError(t, err)
	doc2, err := ks.AttestationDocument(context.Background())
	require.NoError(t, err)
	require.Equal(t, doc1, doc2)
}

func TestBuildSignedAttestation_RoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)
	payload := types.AttestationPayload{
		ContentId:   types.ContentId{0x01},
		MimeType:    "image/jpeg",
		OwnerWallet: "wallet1",
	}
	attrs := []types.Attribute{{TraitType: "mime_type", Value: "image/jpeg"}}

	attestation, err := ks.BuildSignedAttestation(context.Background(), payload, attrs)
	require.NoError(t, err)
	require.Equal(t, Protocol, attestation.Envelope.Protocol)
	require.Equal(t, TEEFamily, attestation.Envelope.TEEFamily)
	require.NotEmpty(t, attestation.Envelope.Signature)
	require.NotEmpty(t, attestation.Envelope.AttestationDocument)

	require.NoError(t, ks.VerifyOwnSignature(attestation))
}

func TestVerifyOwnSignature_RejectsOtherWorkersKey(t *testing.T) {
	ks1 := newTestKeyStore(t)
	ks2 := newTestKeyStore(t)

	payload := types.AttestationPayload{ContentId: types.ContentId{0x02}, MimeType: "image/png"}
	attestation, err := ks1.BuildSignedAttestation(context.Background(), payload, nil)
	require.NoError(t, err)

	err = ks2.VerifyOwnSignature(attestation)
	require.Error(t, err)
}

func TestVerifyOwnSignature_RejectsTamperedPayload(t *testing.T) {
	ks := newTestKeyStore(t)
	payload := types.AttestationPayload{ContentId: types.ContentId{0x03}, MimeType: "image/png"}
	attestation, err := ks.BuildSignedAttestation(context.Background(), payload, nil)
	require.NoError(t, err)

	attestation.Payload.MimeType = "image/tampered"
	err = ks.VerifyOwnSignature(attestation)
	require.Error(t, err)
}
