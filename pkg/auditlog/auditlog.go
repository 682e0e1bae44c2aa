// Package auditlog is the append-only, content-id-keyed record of
// every SignedAttestation this worker has emitted (SPEC_FULL.md
// §4.a). It is not part of the worker's trust model: no verification
// path consults it, and it is never read back into a response. It
// exists purely so an operator (or the worker itself, after a crash
// mid-/sign) can ask "did I ever emit an attestation for this content
// id" without re-running /verify.
//
// This is not the "persistence inside the worker" spec.md's
// non-goals exclude — that non-goal is scoped to key material, and an
// audit trail of already-public, already-signed documents carries no
// secret. Adapted from the teacher's pkg/persistence/badger, which
// this worker repurposes for a content-addressed audit log instead of
// DKG key-share version history.
package auditlog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/title-protocol/tee-worker/pkg/types"
)

const keyPrefixAttestation = "attestation:"

// badgerLoggerAdapter adapts zap.Logger to badger.Logger, unchanged
// from the teacher's pkg/persistence/badger/logger.go.
type badgerLoggerAdapter struct{ logger *zap.Logger }

var _ badgerdb.Logger = (*badgerLoggerAdapter)(nil)

func (b *badgerLoggerAdapter) Errorf(format string, args ...interface{}) {
	b.logger.Sugar().Errorf(format, args...)
}
func (b *badgerLoggerAdapter) Warningf(format string, args ...interface{}) {
	b.logger.Sugar().Warnf(format, args...)
}
func (b *badgerLoggerAdapter) Infof(format string, args ...interface{}) {
	b.logger.Sugar().Infof(format, args...)
}
func (b *badgerLoggerAdapter) Debugf(format string, args ...interface{}) {
	b.logger.Sugar().Debugf(format, args...)
}

// Log is the Badger-backed append-only attestation audit trail.
type Log struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the audit log at dataPath.
func Open(dataPath string, logger *zap.Logger) (*Log, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("resolve audit log path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit log at %s: %w", absPath, err)
	}
	return &Log{db: db, logger: logger}, nil
}

// Record appends attestation to the log under contentId. Multiple
// attestations for the same content id (e.g. one provenance
// attestation plus one per analyzer) are all kept; none overwrite
// each other.
func (l *Log) Record(contentId types.ContentId, attestation types.SignedAttestation) error {
	data, err := json.Marshal(attestation)
	if err != nil {
		return fmt.Errorf("marshal attestation: %w", err)
	}
	key := fmt.Sprintf("%s%x:%d", keyPrefixAttestation, contentId, time.Now().UnixNano())
	return l.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Query returns every attestation ever recorded for contentId, oldest
// first (Badger iterates keys in lexical order, and the nanosecond
// timestamp suffix is monotonically increasing within one content id
// for all practical emission rates).
func (l *Log) Query(contentId types.ContentId) ([]types.SignedAttestation, error) {
	prefix := []byte(fmt.Sprintf("%s%x:", keyPrefixAttestation, contentId))
	var results []types.SignedAttestation

	err := l.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var data []byte
			if err := it.Item().Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			}); err != nil {
				return fmt.Errorf("read audit log value: %w", err)
			}
			var attestation types.SignedAttestation
			if err := json.Unmarshal(data, &attestation); err != nil {
				l.logger.Sugar().Warnw("skipping unreadable audit log entry", "key", string(it.Item().Key()), "error", err)
				continue
			}
			results = append(results, attestation)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return results, nil
}

// Close shuts down the underlying database.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}
