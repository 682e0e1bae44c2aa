package worker

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/title-protocol/tee-worker/pkg/admission"
	"github.com/title-protocol/tee-worker/pkg/analyzerloader"
	"github.com/title-protocol/tee-worker/pkg/auditlog"
	"github.com/title-protocol/tee-worker/pkg/config"
	"github.com/title-protocol/tee-worker/pkg/keystore"
	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/sandbox"
	"github.com/title-protocol/tee-worker/pkg/types"
)

// startFetchProxy starts a mock boundary-fetch proxy that always
// serves body for every request it receives, mirroring the harness
// pkg/admission's own test suite uses for the same length-prefixed
// frame protocol.
func startFetchProxy(t *testing.T, body []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for i := 0; i < 3; i++ {
					var lenBuf [4]byte
					if _, err := io.ReadFull(c, lenBuf[:]); err != nil {
						return
					}
					n := binary.BigEndian.Uint32(lenBuf[:])
					if n > 0 {
						if _, err := io.ReadFull(c, make([]byte, n)); err != nil {
							return
						}
					}
				}
				var statusBuf [4]byte
				binary.BigEndian.PutUint32(statusBuf[:], 200)
				c.Write(statusBuf[:])
				var respLenBuf [4]byte
				binary.BigEndian.PutUint32(respLenBuf[:], uint32(len(body)))
				c.Write(respLenBuf[:])
				c.Write(body)
			}(conn)
		}
	}()

	return ln.Addr().String()
}

// fakeLoader is a static analyzerloader.Loader for a single analyzer_id.
type fakeLoader struct {
	id  string
	bin analyzerloader.Binary
}

func (f fakeLoader) Load(_ context.Context, analyzerId string) (analyzerloader.Binary, error) {
	if analyzerId != f.id {
		return analyzerloader.Binary{}, errNotFound
	}
	return f.bin, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "analyzer not found" }

var errNotFound = notFoundErr{}

// testWorker bundles a constructed Worker with the collaborators a
// test needs direct access to (its keystore, for deriving shared
// secrets client-side, and its audit log).
type testWorker struct {
	w     *Worker
	keys  *keystore.KeyStore
	audit *auditlog.Log
}

func newTestWorker(t *testing.T, proxyAddr string, loader analyzerloader.Loader, identity analyzerloader.IdentityPolicy) *testWorker {
	t.Helper()
	return newTestWorkerWithKeys(t, nil, proxyAddr, loader, identity)
}

// newTestWorkerWithKeys builds a Worker against a caller-supplied
// keystore (generating a fresh one if keys is nil), letting a test
// first produce a SignedAttestation under known keys and only then
// construct the Worker whose fetcher serves it.
func newTestWorkerWithKeys(t *testing.T, keys *keystore.KeyStore, proxyAddr string, loader analyzerloader.Loader, identity analyzerloader.IdentityPolicy) *testWorker {
	t.Helper()

	var err error
	if keys == nil {
		keys, err = keystore.New(keystore.NewStubAttestationProducer("test-app", "test-image"), nil)
		require.NoError(t, err)
	}

	if proxyAddr == "" {
		proxyAddr = config.DirectProxyAddr
	}
	fetcher := admission.NewFetcher(proxyAddr, admission.DefaultMaxConcurrentBytes)

	runner := sandbox.NewRunner(zap.NewNop())

	audit, err := auditlog.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	if loader == nil {
		loader = fakeLoader{}
	}

	cfg := config.New()
	w, err := New(cfg, keys, fetcher, loader, identity, runner, audit, zap.NewNop())
	require.NoError(t, err)

	return &testWorker{w: w, keys: keys, audit: audit}
}

// sealForWorker builds a client-side EncryptedEnvelope encrypting
// plaintext to the worker's key-agreement public key, returning the
// envelope alongside the AEAD key a caller would need to open a reply
// sealed with the same key.
func sealForWorker(t *testing.T, workerPub [32]byte, plaintext []byte) (types.EncryptedEnvelope, []byte) {
	t.Helper()
	ephemeral, err := primitives.GenerateX25519()
	require.NoError(t, err)
	shared, err := primitives.ECDHDeriveSharedSecret(ephemeral.Private, workerPub)
	require.NoError(t, err)
	key, err := primitives.DeriveAEADKey(shared)
	require.NoError(t, err)
	nonce, ciphertext, err := primitives.AEADSeal(key, plaintext, nil)
	require.NoError(t, err)
	return types.EncryptedEnvelope{
		EphemeralPubkey: primitives.Base64Encode(ephemeral.Public[:]),
		Nonce:           primitives.Base64Encode(nonce),
		Ciphertext:      primitives.Base64Encode(ciphertext),
	}, key
}

func openWithKey(t *testing.T, key []byte, envelope types.EncryptedEnvelope) []byte {
	t.Helper()
	nonce, err := primitives.Base64Decode(envelope.Nonce)
	require.NoError(t, err)
	ciphertext, err := primitives.Base64Decode(envelope.Ciphertext)
	require.NoError(t, err)
	plaintext, err := primitives.AEADOpen(key, nonce, ciphertext, nil)
	require.NoError(t, err)
	return plaintext
}

func newSolanaWallet(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return base58.Encode(pub)
}

func newHTTPRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, nil)
	return r.WithContext(context.Background())
}

func jsonBody(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
