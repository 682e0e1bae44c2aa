package boundary

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/types"
)

// sealForWorker emulates the client side: derive the shared key
// against the worker's public key-agreement key, then seal plaintext
// under it with a fresh ephemeral keypair.
func sealForWorker(t *testing.T, workerPublic [32]byte, plaintext []byte) types.EncryptedEnvelope {
	t.Helper()
	ephemeral, err := primitives.GenerateX25519()
	require.NoError(t, err)

	shared, err := primitives.ECDHDeriveSharedSecret(ephemeral.Private, workerPublic)
	require.NoError(t, err)
	key, err := primitives.DeriveAEADKey(shared)
	require.NoError(t, err)

	nonce, ciphertext, err := primitives.AEADSeal(key, plaintext, nil)
	require.NoError(t, err)

	return types.EncryptedEnvelope{
		EphemeralPubkey: primitives.Base64Encode(ephemeral.Public[:]),
		Nonce:           primitives.Base64Encode(nonce),
		Ciphertext:      primitives.Base64Encode(ciphertext),
	}
}

func TestOpenAndSeal_RoundTrip(t *testing.T) {
	worker, err := primitives.GenerateX25519()
	require.NoError(t, err)

	payload := types.ClientPayload{OwnerWallet: "wallet123", Content: "aGVsbG8="}
	plaintext, err := json.Marshal(payload)
	require.NoError(t, err)

	envelope := sealForWorker(t, worker.Public, plaintext)

	opened, key, err := Open(envelope, worker.Private)
	require.NoError(t, err)

	var decoded types.ClientPayload
	require.NoError(t, json.Unmarshal(opened, &decoded))
	require.Equal(t, payload, decoded)

	resealed, err := Seal(key, opened)
	require.NoError(t, err)
	require.Empty(t, resealed.EphemeralPubkey)

	// The client can open the worker's response with the same key.
	reopened, err := primitives.AEADOpen(key, mustB64Decode(t, resealed.Nonce), mustB64Decode(t, resealed.Ciphertext), nil)
	require.NoError(t, err)
	require.Equal(t, opened, reopened)
}

func TestOpen_WrongKeyFails(t *testing.T) {
	worker, err := primitives.GenerateX25519()
	require.NoError(t, err)
	other, err := primitives.GenerateX25519()
	require.NoError(t, err)

	envelope := sealForWorker(t, worker.Public, []byte("secret"))

	_, _, err = Open(envelope, other.Private)
	require.Error(t, err)
}

func TestOpenClientPayload(t *testing.T) {
	worker, err := primitives.GenerateX25519()
	require.NoError(t, err)

	payload := types.ClientPayload{OwnerWallet: "abc", Content: "ZGF0YQ=="}
	plaintext, err := json.Marshal(payload)
	require.NoError(t, err)
	envelope := sealForWorker(t, worker.Public, plaintext)

	decoded, _, err := OpenClientPayload(envelope, worker.Private)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func mustB64Decode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := primitives.Base64Decode(s)
	require.NoError(t, err)
	return b
}
