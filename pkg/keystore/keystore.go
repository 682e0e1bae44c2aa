// Package keystore holds the worker's process-lifetime key material
// (§3 "Key material") and produces the hardware attestation document
// binding that material to the running image. Keys are generated once
// from the system entropy source at process start and never persisted
// or rotated; a fresh document is produced on demand and cached for
// the life of the process.
//
// Structure is adapted from the teacher's pkg/keystore/keystore.go
// (mutex-guarded struct, typed accessors) with its version-history
// model dropped: that package tracks many key epochs produced by a
// DKG reshare protocol, while this worker has exactly one epoch for
// its entire lifetime — "rotation" here means restarting the process
// under a fresh attestation.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/title-protocol/tee-worker/pkg/primitives"
)

// Keys is the worker's full process-lifetime key material.
type Keys struct {
	SigningPublic   ed25519.PublicKey
	signingPrivate  ed25519.PrivateKey
	KeyAgreement    primitives.X25519KeyPair
	LedgerState     ed25519.PublicKey
	ledgerStatePriv ed25519.PrivateKey
}

// generateKeys draws three independent keypairs from rand.Reader
// (backed, on the TEE hardware this worker runs on, by the platform's
// hardware entropy source).
func generateKeys() (*Keys, error) {
	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	keyAgreement, err := primitives.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("generate key-agreement key: %w", err)
	}
	ledgerPub, ledgerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ledger-state key: %w", err)
	}
	return &Keys{
		SigningPublic:   signingPub,
		signingPrivate:  signingPriv,
		KeyAgreement:    *keyAgreement,
		LedgerState:     ledgerPub,
		ledgerStatePriv: ledgerPriv,
	}, nil
}

// KeyStore owns the Keys for this process plus the cached attestation
// document produced over them. It is safe for concurrent use; the
// underlying Keys are immutable after New returns; only the
// lazily-produced attestation document is mutable state.
type KeyStore struct {
	mu       sync.Mutex
	keys     *Keys
	producer AttestationProducer
	logger   *zap.Logger
	doc      []byte // cached attestation document, produced on first use
}

// New generates a fresh Keys and binds it to producer for attestation
// document production. Key generation itself never fails in practice
// (rand.Reader errors are the only possibility); producer is not
// called until the first AttestationDocument call.
func New(producer AttestationProducer, logger *zap.Logger) (*KeyStore, error) {
	keys, err := generateKeys()
	if err != nil {
		return nil, err
	}
	return &KeyStore{keys: keys, producer: producer, logger: logger}, nil
}

// SigningPublicKey returns the Ed25519 public key this worker signs
// attestations and ledger co-signatures with.
func (ks *KeyStore) SigningPublicKey() ed25519.PublicKey {
	return ks.keys.SigningPublic
}

// Sign signs message with the worker's Ed25519 signing key.
func (ks *KeyStore) Sign(message []byte) []byte {
	return ed25519.Sign(ks.keys.signingPrivate, message)
}

// KeyAgreementPublicKey is the X25519 public key clients encrypt the
// inbound hybrid envelope to.
func (ks *KeyStore) KeyAgreementPublicKey() [32]byte {
	return ks.keys.KeyAgreement.Public
}

// KeyAgreementPrivateKey is consumed by pkg/boundary.Open to derive
// the shared AEAD key for an inbound envelope.
func (ks *KeyStore) KeyAgreementPrivateKey() [32]byte {
	return ks.keys.KeyAgreement.Private
}

// LedgerStatePublicKey identifies the on-chain compressed-tree account
// this worker creates at create-ledger-state time.
func (ks *KeyStore) LedgerStatePublicKey() ed25519.PublicKey {
	return ks.keys.LedgerState
}

// LedgerStatePrivateKey is consumed exactly once, by pkg/ledgertx at
// create-ledger-state time, to sign the tree-init transaction.
func (ks *KeyStore) LedgerStatePrivateKey() ed25519.PrivateKey {
	return ks.keys.ledgerStatePriv
}

// AttestationDocument returns the hardware attestation document
// binding this worker's public key material to the running image,
// producing and caching it on first call.
func (ks *KeyStore) AttestationDocument(ctx context.Context) ([]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.doc != nil {
		return ks.doc, nil
	}

	material := publicKeyMaterial(ks.keys)
	doc, err := ks.producer.Produce(ctx, material)
	if err != nil {
		return nil, fmt.Errorf("produce attestation document: %w", err)
	}
	ks.doc = doc
	if ks.logger != nil {
		ks.logger.Info("attestation document produced", zap.Int("doc_bytes", len(doc)))
	}
	return ks.doc, nil
}

// publicKeyMaterial is the exact byte string the attestation document
// is produced over: the three public keys concatenated in a fixed
// order, so a verifier checking the document's bound material can
// reconstruct the same bytes from a SignedAttestation's envelope.
func publicKeyMaterial(keys *Keys) []byte {
	buf := make([]byte, 0, ed25519.PublicKeySize+32+ed25519.PublicKeySize)
	buf = append(buf, keys.SigningPublic...)
	buf = append(buf, keys.KeyAgreement.Public[:]...)
	buf = append(buf, keys.LedgerState...)
	return buf
}
