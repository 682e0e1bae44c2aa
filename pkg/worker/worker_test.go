package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/title-protocol/tee-worker/pkg/analyzerloader"
	"github.com/title-protocol/tee-worker/pkg/keystore"
	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/types"
	"github.com/title-protocol/tee-worker/pkg/workererr"
)

func zeroBlockhashB58() string {
	var h solana.Hash
	return h.String()
}

func TestState_StartsInactive(t *testing.T) {
	tw := newTestWorker(t, "", nil, analyzerloader.IdentityPolicy{})
	require.Equal(t, types.StateInactive, tw.w.State())
}

func TestRequireState_MismatchIsConflict(t *testing.T) {
	tw := newTestWorker(t, "", nil, analyzerloader.IdentityPolicy{})
	err := tw.w.requireState(types.StateActive)
	require.Error(t, err)
	werr, ok := workererr.As(err)
	require.True(t, ok)
	require.Equal(t, workererr.Conflict, werr.Kind)
}

func TestHandleCreateLedgerState_ActivatesAndFillsSignatures(t *testing.T) {
	tw := newTestWorker(t, "", nil, analyzerloader.IdentityPolicy{})

	body := jsonBody(t, types.CreateLedgerStateRequest{
		MaxDepth:        20,
		MaxBufferSize:   64,
		RecentBlockhash: zeroBlockhashB58(),
	})
	r := newHTTPRequest(t, "/create-ledger-state")

	result, err := tw.w.handleCreateLedgerState(r, body)
	require.NoError(t, err)
	resp, ok := result.(types.CreateLedgerStateResponse)
	require.True(t, ok)
	require.NotEmpty(t, resp.SignedTx)
	require.NotEmpty(t, resp.TreeAddress)
	require.Equal(t, types.StateActive, tw.w.State())

	// A second call is rejected: the worker only ever creates one tree.
	_, err = tw.w.handleCreateLedgerState(r, body)
	require.Error(t, err)
	werr, ok := workererr.As(err)
	require.True(t, ok)
	require.Equal(t, workererr.Conflict, werr.Kind)
}

func TestHandleCreateLedgerState_RejectsMalformedBlockhash(t *testing.T) {
	tw := newTestWorker(t, "", nil, analyzerloader.IdentityPolicy{})
	body := jsonBody(t, types.CreateLedgerStateRequest{
		MaxDepth:        20,
		MaxBufferSize:   64,
		RecentBlockhash: "not-base58!!!",
	})
	r := newHTTPRequest(t, "/create-ledger-state")
	_, err := tw.w.handleCreateLedgerState(r, body)
	require.Error(t, err)
}

// activateWorker drives a fresh testWorker through create-ledger-state
// so /verify and /sign tests can run against an Active worker.
func activateWorker(t *testing.T, tw *testWorker) {
	t.Helper()
	body := jsonBody(t, types.CreateLedgerStateRequest{
		MaxDepth:        20,
		MaxBufferSize:   64,
		RecentBlockhash: zeroBlockhashB58(),
	})
	r := newHTTPRequest(t, "/create-ledger-state")
	_, err := tw.w.handleCreateLedgerState(r, body)
	require.NoError(t, err)
}

func TestHandleVerify_RejectsWhileInactive(t *testing.T) {
	tw := newTestWorker(t, "", nil, analyzerloader.IdentityPolicy{})
	r := newHTTPRequest(t, "/verify")
	_, err := tw.w.handleVerify(r, []byte(`{}`))
	require.Error(t, err)
	werr, ok := workererr.As(err)
	require.True(t, ok)
	require.Equal(t, workererr.Conflict, werr.Kind)
}

func TestHandleVerify_CoreC2PACleanProvenance(t *testing.T) {
	content := cleanProvenanceContent(0x01)
	owner := newSolanaWallet(t)
	clientPayload := types.ClientPayload{OwnerWallet: owner, Content: primitives.Base64Encode(content)}

	keys, err := keystore.New(keystore.NewStubAttestationProducer("test-app", "test-image"), nil)
	require.NoError(t, err)
	contentEnvelope, _ := sealForWorker(t, keys.KeyAgreementPublicKey(), jsonBody(t, clientPayload))
	proxyAddr := startFetchProxy(t, jsonBody(t, contentEnvelope))

	tw2 := newTestWorkerWithKeys(t, keys, proxyAddr, nil, analyzerloader.IdentityPolicy{})
	activateWorker(t, tw2)

	verifyReq := types.VerifyRequest{DownloadURL: "http://content.example/blob", ProcessorIDs: []string{"core-c2pa"}}
	outerEnvelope, responseKey := sealForWorker(t, tw2.keys.KeyAgreementPublicKey(), jsonBody(t, verifyReq))

	r := newHTTPRequest(t, "/verify")
	result, err := tw2.w.handleVerify(r, jsonBody(t, outerEnvelope))
	require.NoError(t, err)

	sealedResp, ok := result.(types.EncryptedEnvelope)
	require.True(t, ok)
	plaintext := openWithKey(t, responseKey, sealedResp)

	var respBody types.VerifyResponsePlaintext
	require.NoError(t, json.Unmarshal(plaintext, &respBody))
	require.Len(t, respBody.Results, 1)
	require.Equal(t, "core-c2pa", respBody.Results[0].ProcessorID)

	var attestation types.SignedAttestation
	require.NoError(t, json.Unmarshal([]byte(respBody.Results[0].SignedJSON), &attestation))
	require.NoError(t, tw2.keys.VerifyOwnSignature(attestation))
	require.NotNil(t, attestation.Payload.Graph)
	require.Len(t, attestation.Payload.Graph.Nodes, 1)
}

func TestHandleVerify_UntrustedProcessorRejectsWholeRequest_S4(t *testing.T) {
	content := cleanProvenanceContent(0x02)
	owner := newSolanaWallet(t)
	clientPayload := types.ClientPayload{OwnerWallet: owner, Content: primitives.Base64Encode(content)}

	keys, err := keystore.New(keystore.NewStubAttestationProducer("test-app", "test-image"), nil)
	require.NoError(t, err)
	contentEnvelope, _ := sealForWorker(t, keys.KeyAgreementPublicKey(), jsonBody(t, clientPayload))
	proxyAddr := startFetchProxy(t, jsonBody(t, contentEnvelope))

	identity := analyzerloader.NewIdentityPolicy([]string{"phash-v1"})
	tw2 := newTestWorkerWithKeys(t, keys, proxyAddr, nil, identity)
	activateWorker(t, tw2)

	verifyReq := types.VerifyRequest{
		DownloadURL:  "http://content.example/blob",
		ProcessorIDs: []string{"core-c2pa", "evil"},
	}
	outerEnvelope, _ := sealForWorker(t, tw2.keys.KeyAgreementPublicKey(), jsonBody(t, verifyReq))

	r := newHTTPRequest(t, "/verify")
	_, err = tw2.w.handleVerify(r, jsonBody(t, outerEnvelope))
	require.Error(t, err)
	werr, ok := workererr.As(err)
	require.True(t, ok)
	require.Equal(t, workererr.Forbidden, werr.Kind)
}

func TestHandleVerify_AnalyzerProcessorProducesAttestation(t *testing.T) {
	content := cleanProvenanceContent(0x03)
	owner := newSolanaWallet(t)
	clientPayload := types.ClientPayload{OwnerWallet: owner, Content: primitives.Base64Encode(content)}

	keys, err := keystore.New(keystore.NewStubAttestationProducer("test-app", "test-image"), nil)
	require.NoError(t, err)
	contentEnvelope, _ := sealForWorker(t, keys.KeyAgreementPublicKey(), jsonBody(t, clientPayload))
	proxyAddr := startFetchProxy(t, jsonBody(t, contentEnvelope))

	loader := fakeLoader{id: "phash-v1", bin: analyzerloader.Binary{
		Bytes:     validAnalyzerModule,
		SourceURI: "file:///analyzers/phash-v1.wasm",
		Hash:      "deadbeef",
	}}
	tw2 := newTestWorkerWithKeys(t, keys, proxyAddr, loader, analyzerloader.IdentityPolicy{})
	activateWorker(t, tw2)

	verifyReq := types.VerifyRequest{DownloadURL: "http://content.example/blob", ProcessorIDs: []string{"phash-v1"}}
	outerEnvelope, responseKey := sealForWorker(t, tw2.keys.KeyAgreementPublicKey(), jsonBody(t, verifyReq))

	r := newHTTPRequest(t, "/verify")
	result, err := tw2.w.handleVerify(r, jsonBody(t, outerEnvelope))
	require.NoError(t, err)

	sealedResp := result.(types.EncryptedEnvelope)
	plaintext := openWithKey(t, responseKey, sealedResp)
	var respBody types.VerifyResponsePlaintext
	require.NoError(t, json.Unmarshal(plaintext, &respBody))
	require.Len(t, respBody.Results, 1)

	var attestation types.SignedAttestation
	require.NoError(t, json.Unmarshal([]byte(respBody.Results[0].SignedJSON), &attestation))
	require.Equal(t, "phash-v1", attestation.Payload.AnalyzerId)
	require.Equal(t, "ok", attestation.Payload.Extra["result"])
}

func TestHandleSign_RejectsAttestationFromDifferentKey(t *testing.T) {
	other, err := primitives.GenerateEd25519()
	require.NoError(t, err)
	payload := types.AttestationPayload{OwnerWallet: newSolanaWallet(t)}
	signBytes, err := types.CanonicalSignBytes(payload, nil)
	require.NoError(t, err)
	forged := types.SignedAttestation{
		Envelope: types.AttestationEnvelope{
			SigningPubkey: primitives.Base58Encode(other.Public),
			Signature:     primitives.Base64Encode(primitives.Sign(other.Private, signBytes)),
		},
		Payload:    payload,
		Attributes: []types.Attribute{},
	}

	proxyAddr := startFetchProxy(t, jsonBody(t, forged))
	tw2 := newTestWorker(t, proxyAddr, nil, analyzerloader.IdentityPolicy{})
	activateWorker(t, tw2)

	signReq := types.SignRequest{
		RecentBlockhash: zeroBlockhashB58(),
		Requests:        []types.SignRequestItem{{SignedJSONURI: "http://attestation.example/a.json"}},
	}
	r := newHTTPRequest(t, "/sign")
	_, err = tw2.w.handleSign(r, jsonBody(t, signReq))
	require.Error(t, err)
	werr, ok := workererr.As(err)
	require.True(t, ok)
	require.Equal(t, workererr.Forbidden, werr.Kind)
}

func TestHandleSign_ProducesPartialTxForOwnAttestation(t *testing.T) {
	keys, err := keystore.New(keystore.NewStubAttestationProducer("test-app", "test-image"), nil)
	require.NoError(t, err)

	payload := types.AttestationPayload{
		ContentId:   [32]byte{0xAA},
		MimeType:    "image/jpeg",
		OwnerWallet: newSolanaWallet(t),
	}
	attestation, err := keys.BuildSignedAttestation(context.Background(), payload, nil)
	require.NoError(t, err)

	proxyAddr := startFetchProxy(t, jsonBody(t, attestation))
	tw := newTestWorkerWithKeys(t, keys, proxyAddr, nil, analyzerloader.IdentityPolicy{})
	activateWorker(t, tw)

	signReq := types.SignRequest{
		RecentBlockhash: zeroBlockhashB58(),
		Requests:        []types.SignRequestItem{{SignedJSONURI: "http://attestation.example/a.json"}},
	}
	r := newHTTPRequest(t, "/sign")
	result, err := tw.w.handleSign(r, jsonBody(t, signReq))
	require.NoError(t, err)

	resp, ok := result.(types.SignResponse)
	require.True(t, ok)
	require.Len(t, resp.PartialTxs, 1)
	require.NotEmpty(t, resp.PartialTxs[0])
}

func TestSniffMIME(t *testing.T) {
	require.Equal(t, "image/jpeg", sniffMIME([]byte{0xFF, 0xD8, 0xFF, 0x00}))
	require.Equal(t, "image/png", sniffMIME([]byte{0x89, 0x50, 0x4E, 0x47}))
	require.Equal(t, "application/octet-stream", sniffMIME([]byte{0x00, 0x01}))
}
