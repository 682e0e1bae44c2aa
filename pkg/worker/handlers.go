package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/title-protocol/tee-worker/pkg/admission"
	"github.com/title-protocol/tee-worker/pkg/boundary"
	"github.com/title-protocol/tee-worker/pkg/ledgertx"
	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/provenance"
	"github.com/title-protocol/tee-worker/pkg/relayauth"
	"github.com/title-protocol/tee-worker/pkg/sandbox"
	"github.com/title-protocol/tee-worker/pkg/types"
	"github.com/title-protocol/tee-worker/pkg/workererr"
)

// solanaPublicKey converts a 32-byte ed25519 public key into the
// type solana-go's transaction builders expect.
func solanaPublicKey(raw []byte) solana.PublicKey {
	var out solana.PublicKey
	copy(out[:], raw)
	return out
}

// authenticate runs the relay-authentication step common to every
// operation (§4.3 step 1) and resolves the caller-supplied resource
// limits (§4.3 step 3).
func (w *Worker) authenticate(r *http.Request, body []byte) (json.RawMessage, types.ResolvedLimits, error) {
	raw, limits, err := relayauth.Verify(w.gatewayPubkey, r.Method, r.URL.Path, body)
	if err != nil {
		return nil, types.ResolvedLimits{}, err
	}
	return raw, admission.ResolveLimits(limits), nil
}

// handleCreateLedgerState implements POST /create-ledger-state.
func (w *Worker) handleCreateLedgerState(r *http.Request, body []byte) (interface{}, error) {
	rawBody, _, err := w.authenticate(r, body)
	if err != nil {
		return nil, err
	}
	if err := w.requireState(types.StateInactive); err != nil {
		return nil, err
	}

	var req types.CreateLedgerStateRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil, workererr.Wrap(err, workererr.BadRequest, "malformed create-ledger-state request")
	}
	blockhash, err := solana.HashFromBase58(req.RecentBlockhash)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.BadRequest, "recent_blockhash is not valid base58")
	}

	signingPub := solanaPublicKey(w.keys.SigningPublicKey())
	treePub := solanaPublicKey(w.keys.LedgerStatePublicKey())

	tx, err := ledgertx.BuildCreateTreeTransaction(signingPub, treePub, signingPub, ledgertx.TreeParams{
		MaxDepth:      req.MaxDepth,
		MaxBufferSize: req.MaxBufferSize,
	}, blockhash)
	if err != nil {
		return nil, err
	}

	if err := ledgertx.ApplyPartialSignature(tx, signingPub, w.keys.Sign); err != nil {
		return nil, err
	}
	ledgerPriv := w.keys.LedgerStatePrivateKey()
	if err := ledgertx.ApplyPartialSignature(tx, treePub, func(msg []byte) []byte {
		return primitives.Sign(ledgerPriv, msg)
	}); err != nil {
		return nil, err
	}

	signedTx, err := ledgertx.Serialize(tx)
	if err != nil {
		return nil, err
	}

	w.activate(treePub)

	keyAgreement := w.keys.KeyAgreementPublicKey()
	return types.CreateLedgerStateResponse{
		SignedTx:         primitives.Base64Encode(signedTx),
		TreeAddress:      treePub.String(),
		SigningPubkey:    primitives.Base58Encode(w.keys.SigningPublicKey()),
		EncryptionPubkey: primitives.Base64Encode(keyAgreement[:]),
	}, nil
}

// handleVerify implements POST /verify.
func (w *Worker) handleVerify(r *http.Request, body []byte) (interface{}, error) {
	rawBody, resolved, err := w.authenticate(r, body)
	if err != nil {
		return nil, err
	}
	if err := w.requireState(types.StateActive); err != nil {
		return nil, err
	}

	var envelope types.EncryptedEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, workererr.Wrap(err, workererr.BadRequest, "malformed verify request envelope")
	}

	ctx, cancel := context.WithTimeout(r.Context(), admission.ComputeDynamicTimeout(resolved, resolved.MaxSingleContentBytes))
	defer cancel()

	plaintext, responseKey, err := boundary.Open(envelope, w.keys.KeyAgreementPrivateKey())
	if err != nil {
		return nil, err
	}
	var req types.VerifyRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return nil, workererr.Wrap(err, workererr.BadRequest, "malformed verify request body")
	}

	chunkTimeout := time.Duration(resolved.ChunkReadTimeoutSec) * time.Second
	fetched, err := w.fetcher.Get(ctx, req.DownloadURL, resolved.MaxSingleContentBytes, chunkTimeout)
	if err != nil {
		return nil, err
	}

	var payloadEnvelope types.EncryptedEnvelope
	if err := json.Unmarshal(fetched, &payloadEnvelope); err != nil {
		return nil, workererr.Wrap(err, workererr.BadGateway, "fetched content is not a valid encrypted envelope")
	}
	clientPayload, _, err := boundary.OpenClientPayload(payloadEnvelope, w.keys.KeyAgreementPrivateKey())
	if err != nil {
		return nil, err
	}

	content, err := primitives.Base64Decode(clientPayload.Content)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.BadRequest, "content is not valid base64")
	}
	if uint64(len(content)) > resolved.MaxSingleContentBytes {
		return nil, workererr.New(workererr.PayloadTooLarge, "decoded content exceeds the single-content ceiling")
	}
	mime := sniffMIME(content)

	verResult, err := provenance.Verify(content, mime)
	if err != nil {
		return nil, err
	}

	// Identity-policy pre-pass (§4.6): an untrusted analyzer id fails
	// the whole request, before any processor — including a
	// trusted one also present in the same request — runs.
	for _, id := range req.ProcessorIDs {
		if id == coreC2PAProcessorID {
			continue
		}
		if err := w.identity.Check(id); err != nil {
			return nil, err
		}
	}

	var results []types.ProcessorResult
	for _, id := range req.ProcessorIDs {
		attestation, err := w.runProcessor(ctx, id, content, mime, clientPayload, verResult, resolved)
		if err != nil {
			w.logger.Sugar().Warnw("processor failed", "processor_id", id, "error", err)
			continue
		}
		if err := w.audit.Record(attestation.Payload.ContentId, attestation); err != nil {
			w.logger.Sugar().Warnw("failed to record attestation", "processor_id", id, "error", err)
		}
		signedJSON, err := json.Marshal(attestation)
		if err != nil {
			w.logger.Sugar().Warnw("failed to marshal attestation", "processor_id", id, "error", err)
			continue
		}
		results = append(results, types.ProcessorResult{ProcessorID: id, SignedJSON: string(signedJSON)})
	}

	return boundary.SealVerifyResponse(responseKey, types.VerifyResponsePlaintext{Results: results})
}

// runProcessor produces the signed attestation for one processor_id:
// the provenance path for "core-c2pa", or a sandboxed analyzer run for
// anything else.
func (w *Worker) runProcessor(ctx context.Context, processorID string, content []byte, mime string, clientPayload types.ClientPayload, verResult provenance.VerificationResult, limits types.ResolvedLimits) (types.SignedAttestation, error) {
	if processorID == coreC2PAProcessorID {
		graph, err := provenance.BuildGraph(content, mime, int(limits.C2PAMaxGraphSize))
		if err != nil {
			return types.SignedAttestation{}, err
		}
		payload := types.AttestationPayload{
			ContentId:   verResult.ContentId,
			MimeType:    mime,
			OwnerWallet: clientPayload.OwnerWallet,
			TSA:         verResult.TSA,
			Graph:       &graph,
		}
		return w.keys.BuildSignedAttestation(ctx, payload, nil)
	}

	bin, err := w.loader.Load(ctx, processorID)
	if err != nil {
		return types.SignedAttestation{}, err
	}

	var extInput json.RawMessage
	if raw, ok := clientPayload.ExtensionInputs[processorID]; ok {
		if encoded, encErr := json.Marshal(raw); encErr == nil {
			extInput = encoded
		}
	}

	output, err := w.sandbox.Execute(ctx, bin.Bytes, content, extInput, sandbox.DefaultLimits)
	if err != nil {
		return types.SignedAttestation{}, err
	}
	var extra map[string]interface{}
	if err := json.Unmarshal(output, &extra); err != nil {
		return types.SignedAttestation{}, workererr.Wrap(err, workererr.ProcessingFailed, "analyzer output is not a json object")
	}

	inputDigest, _ := primitives.Hash(primitives.HashSHA256, content)
	payload := types.AttestationPayload{
		ContentId:      verResult.ContentId,
		MimeType:       mime,
		OwnerWallet:    clientPayload.OwnerWallet,
		AnalyzerId:     processorID,
		AnalyzerSource: bin.SourceURI,
		AnalyzerHash:   bin.Hash,
		InputHash:      hex.EncodeToString(inputDigest),
		Extra:          extra,
	}
	return w.keys.BuildSignedAttestation(ctx, payload, nil)
}

// handleSign implements POST /sign.
func (w *Worker) handleSign(r *http.Request, body []byte) (interface{}, error) {
	rawBody, resolved, err := w.authenticate(r, body)
	if err != nil {
		return nil, err
	}
	if err := w.requireState(types.StateActive); err != nil {
		return nil, err
	}

	var req types.SignRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil, workererr.Wrap(err, workererr.BadRequest, "malformed sign request")
	}
	blockhash, err := solana.HashFromBase58(req.RecentBlockhash)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.BadRequest, "recent_blockhash is not valid base58")
	}
	treeAddr, err := w.ledgerTreeAddress()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), admission.ComputeDynamicTimeout(resolved, admission.MaxSignedJSONSize))
	defer cancel()

	chunkTimeout := time.Duration(resolved.ChunkReadTimeoutSec) * time.Second
	partials := make([]string, 0, len(req.Requests))
	for _, item := range req.Requests {
		partial, err := w.signOne(ctx, item, treeAddr, blockhash, chunkTimeout)
		if err != nil {
			return nil, err
		}
		partials = append(partials, partial)
	}
	return types.SignResponse{PartialTxs: partials}, nil
}

// signOne fetches, re-verifies, and mint-signs a single sign request
// item (§4.3's sign phase, steps 1-4).
func (w *Worker) signOne(ctx context.Context, item types.SignRequestItem, treeAddr solana.PublicKey, blockhash solana.Hash, chunkTimeout time.Duration) (string, error) {
	data, err := w.fetcher.Get(ctx, item.SignedJSONURI, admission.MaxSignedJSONSize, chunkTimeout)
	if err != nil {
		return "", err
	}

	var attestation types.SignedAttestation
	if err := json.Unmarshal(data, &attestation); err != nil {
		return "", workererr.Wrap(err, workererr.BadRequest, "fetched document is not a valid signed attestation")
	}
	if err := w.keys.VerifyOwnSignature(attestation); err != nil {
		return "", err
	}

	creatorWallet, err := solana.PublicKeyFromBase58(attestation.Payload.OwnerWallet)
	if err != nil {
		return "", workererr.Wrap(err, workererr.BadRequest, "owner_wallet is not a valid base58 public key")
	}

	tx, err := ledgertx.BuildMintTransaction(ledgertx.MintParams{
		TreeKey:        treeAddr,
		SigningPubkey:  solanaPublicKey(w.keys.SigningPublicKey()),
		CreatorWallet:  creatorWallet,
		ContentID:      primitives.RenderContentId(attestation.Payload.ContentId),
		AttestationURI: item.SignedJSONURI,
		CoreCollection: w.collectionMint,
	}, blockhash)
	if err != nil {
		return "", err
	}

	if err := ledgertx.ApplyPartialSignature(tx, solanaPublicKey(w.keys.SigningPublicKey()), w.keys.Sign); err != nil {
		return "", err
	}

	signed, err := ledgertx.Serialize(tx)
	if err != nil {
		return "", err
	}
	return primitives.Base64Encode(signed), nil
}
