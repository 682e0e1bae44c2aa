// Package boundary implements the hybrid-encryption envelope clients
// use to talk to the worker across the untrusted relay: an ephemeral
// X25519 key agreement feeding an AES-256-GCM AEAD, per spec.md §4.3
// step 2 and §6.
package boundary

import (
	"encoding/json"

	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/types"
	"github.com/title-protocol/tee-worker/pkg/workererr"
)

// Open decodes an EncryptedEnvelope, derives the shared AEAD key
// against the worker's key-agreement private key, and returns the
// opened plaintext together with that derived AEAD key.
func Open(envelope types.EncryptedEnvelope, workerKeyAgreementPrivate [32]byte) ([]byte, []byte, error) {
	ephemeralPubBytes, err := primitives.Base64Decode(envelope.EphemeralPubkey)
	if err != nil {
		return nil, nil, workererr.Wrap(err, workererr.BadRequest, "ephemeral_pubkey is not valid base64")
	}
	if len(ephemeralPubBytes) != 32 {
		return nil, nil, workererr.New(workererr.BadRequest, "ephemeral_pubkey must be 32 bytes")
	}
	var ephemeralPub [32]byte
	copy(ephemeralPub[:], ephemeralPubBytes)

	nonce, err := primitives.Base64Decode(envelope.Nonce)
	if err != nil {
		return nil, nil, workererr.Wrap(err, workererr.BadRequest, "nonce is not valid base64")
	}
	ciphertext, err := primitives.Base64Decode(envelope.Ciphertext)
	if err != nil {
		return nil, nil, workererr.Wrap(err, workererr.BadRequest, "ciphertext is not valid base64")
	}

	shared, err := primitives.ECDHDeriveSharedSecret(workerKeyAgreementPrivate, ephemeralPub)
	if err != nil {
		return nil, nil, workererr.Wrap(err, workererr.BadRequest, "ecdh derivation failed")
	}
	key, err := primitives.DeriveAEADKey(shared)
	if err != nil {
		return nil, nil, workererr.Wrap(err, workererr.Internal, "aead key derivation failed")
	}

	plaintext, err := primitives.AEADOpen(key, nonce, ciphertext, nil)
	if err != nil {
		return nil, nil, workererr.Wrap(err, workererr.BadRequest, "aead open failed")
	}
	return plaintext, key, nil
}

// Seal reseals plaintext with the same AEAD key used to open the
// inbound request, but a fresh random nonce, per spec.md §4.3 step 6:
// the response envelope is keyed identically to the request so the
// client (who generated the ephemeral key) can open it with the same
// derivation.
func Seal(key, plaintext []byte) (types.EncryptedEnvelope, error) {
	nonce, ciphertext, err := primitives.AEADSeal(key, plaintext, nil)
	if err != nil {
		return types.EncryptedEnvelope{}, workererr.Wrap(err, workererr.Internal, "aead seal failed")
	}
	return types.EncryptedEnvelope{
		Nonce:      primitives.Base64Encode(nonce),
		Ciphertext: primitives.Base64Encode(ciphertext),
	}, nil
}

// OpenClientPayload is a convenience wrapper combining Open with
// decoding the resulting plaintext as a types.ClientPayload.
func OpenClientPayload(envelope types.EncryptedEnvelope, workerKeyAgreementPrivate [32]byte) (types.ClientPayload, []byte, error) {
	plaintext, key, err := Open(envelope, workerKeyAgreementPrivate)
	if err != nil {
		return types.ClientPayload{}, nil, err
	}
	var payload types.ClientPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return types.ClientPayload{}, nil, workererr.Wrap(err, workererr.BadRequest, "malformed client payload")
	}
	return payload, key, nil
}

// SealVerifyResponse seals a VerifyResponsePlaintext with key,
// producing the wire-level EncryptedEnvelope for the /verify response.
func SealVerifyResponse(key []byte, response types.VerifyResponsePlaintext) (types.EncryptedEnvelope, error) {
	plaintext, err := json.Marshal(response)
	if err != nil {
		return types.EncryptedEnvelope{}, workererr.Wrap(err, workererr.Internal, "serialize verify response")
	}
	return Seal(key, plaintext)
}
