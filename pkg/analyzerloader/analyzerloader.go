// Package analyzerloader resolves an analyzer_id into the WASM bytes
// pkg/sandbox executes, plus the source URI and SHA-256 digest that
// end up in an analyzer attestation's AnalyzerSource/AnalyzerHash
// fields. Two back-ends exist side by side — a local-directory loader
// and a boundary-fetch-backed remote loader — selected per deployment,
// not per request; an optional trusted-id allowlist is checked before
// either back-end runs.
package analyzerloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/title-protocol/tee-worker/pkg/admission"
	"github.com/title-protocol/tee-worker/pkg/workererr"
)

// Binary is a loaded analyzer module: its raw bytes, the URI it was
// fetched from (recorded verbatim in attestations), and the SHA-256
// digest the worker computes over the fetched bytes itself — the
// loader is never trusted to report its own hash.
type Binary struct {
	Bytes     []byte
	SourceURI string
	Hash      string // hex-encoded SHA-256, matches AttestationPayload.AnalyzerHash
}

// Loader resolves an analyzer_id to its module bytes.
type Loader interface {
	Load(ctx context.Context, analyzerId string) (Binary, error)
}

// IdentityPolicy rejects analyzer ids outside a configured trust set
// before the loader runs at all. A nil or empty Trusted set trusts
// every id, matching spec.md's "if a trusted-id set is configured"
// conditional.
type IdentityPolicy struct {
	Trusted map[string]struct{}
}

// NewIdentityPolicy builds a policy trusting exactly the given ids. An
// empty or nil ids trusts everything.
func NewIdentityPolicy(ids []string) IdentityPolicy {
	if len(ids) == 0 {
		return IdentityPolicy{}
	}
	trusted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trusted[id] = struct{}{}
	}
	return IdentityPolicy{Trusted: trusted}
}

// Check rejects analyzerId if a trust set is configured and it is not
// a member.
func (p IdentityPolicy) Check(analyzerId string) error {
	if p.Trusted == nil {
		return nil
	}
	if _, ok := p.Trusted[analyzerId]; !ok {
		return workererr.New(workererr.Forbidden, fmt.Sprintf("analyzer id %q is not in the trusted set", analyzerId))
	}
	return nil
}

// LocalLoader reads analyzer modules from {Dir}/{id}.wasm.
type LocalLoader struct {
	Dir string
}

func NewLocalLoader(dir string) *LocalLoader {
	return &LocalLoader{Dir: dir}
}

func (l *LocalLoader) Load(_ context.Context, analyzerId string) (Binary, error) {
	if err := validateAnalyzerId(analyzerId); err != nil {
		return Binary{}, err
	}
	path := filepath.Join(l.Dir, analyzerId+".wasm")
	data, err := os.ReadFile(path)
	if err != nil {
		return Binary{}, workererr.Wrap(err, workererr.BadRequest, fmt.Sprintf("read analyzer module %q", analyzerId))
	}
	return Binary{
		Bytes:     data,
		SourceURI: "file://" + path,
		Hash:      hashHex(data),
	}, nil
}

// RemoteLoader fetches analyzer modules through the admission-guarded
// boundary fetch path, from {BaseURL}/{id}.wasm.
type RemoteLoader struct {
	Fetcher      *admission.Fetcher
	BaseURL      string
	MaxSizeBytes uint64
	ChunkTimeout time.Duration
}

func NewRemoteLoader(fetcher *admission.Fetcher, baseURL string) *RemoteLoader {
	return &RemoteLoader{
		Fetcher:      fetcher,
		BaseURL:      baseURL,
		MaxSizeBytes: admission.DefaultMaxSingleContentBytes,
		ChunkTimeout: time.Duration(admission.DefaultChunkReadTimeoutSec) * time.Second,
	}
}

func (l *RemoteLoader) Load(ctx context.Context, analyzerId string) (Binary, error) {
	if err := validateAnalyzerId(analyzerId); err != nil {
		return Binary{}, err
	}
	uri := l.BaseURL + "/" + analyzerId + ".wasm"
	data, err := l.Fetcher.Get(ctx, uri, l.MaxSizeBytes, l.ChunkTimeout)
	if err != nil {
		return Binary{}, err
	}
	return Binary{
		Bytes:     data,
		SourceURI: uri,
		Hash:      hashHex(data),
	}, nil
}

// validateAnalyzerId rejects ids that could escape the loader's
// intended directory or URL path segment; the loader never mutates
// the binary it resolves, but it must not let analyzer_id smuggle a
// path outside {Dir} or {BaseURL}.
func validateAnalyzerId(analyzerId string) error {
	if analyzerId == "" {
		return workererr.New(workererr.BadRequest, "analyzer id must not be empty")
	}
	if clean := filepath.Clean(analyzerId); clean != analyzerId || filepath.IsAbs(analyzerId) ||
		filepath.Base(analyzerId) != analyzerId || analyzerId == ".." {
		return workererr.New(workererr.BadRequest, fmt.Sprintf("analyzer id %q is not a valid path segment", analyzerId))
	}
	return nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CachingLoader wraps another Loader with a Badger-backed binary
// cache keyed by analyzer_id: once an analyzer_id's bytes are
// fetched, later calls skip the underlying loader entirely. There is
// no invalidation path; entries live on disk under dataPath and
// survive process restarts, the same append-only posture as
// pkg/auditlog.
type CachingLoader struct {
	inner  Loader
	db     *badgerdb.DB
	logger *zap.Logger
}

// NewCachingLoader opens (creating if absent) a cache at dataPath
// wrapping inner.
func NewCachingLoader(inner Loader, dataPath string, logger *zap.Logger) (*CachingLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("resolve analyzer cache path: %w", err)
	}
	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = nil // analyzer cache reuses no shared logger adapter; Badger's own defaults are quiet enough for a pure cache
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open analyzer cache at %s: %w", absPath, err)
	}
	return &CachingLoader{inner: inner, db: db, logger: logger}, nil
}

type cachedBinary struct {
	Bytes     []byte
	SourceURI string
	Hash      string
}

func (c *CachingLoader) Load(ctx context.Context, analyzerId string) (Binary, error) {
	if cached, ok := c.lookup(analyzerId); ok {
		return cached, nil
	}

	bin, err := c.inner.Load(ctx, analyzerId)
	if err != nil {
		return Binary{}, err
	}
	if err := c.store(analyzerId, bin); err != nil {
		c.logger.Sugar().Warnw("failed to cache analyzer binary", "analyzer_id", analyzerId, "error", err)
	}
	return bin, nil
}

func (c *CachingLoader) lookup(analyzerId string) (Binary, bool) {
	var bin Binary
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(cacheKey(analyzerId))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, decodeErr := decodeCachedBinary(val)
			if decodeErr != nil {
				return decodeErr
			}
			bin = Binary(decoded)
			return nil
		})
	})
	return bin, err == nil
}

func (c *CachingLoader) store(analyzerId string, bin Binary) error {
	encoded := encodeCachedBinary(cachedBinary(bin))
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(cacheKey(analyzerId), encoded)
	})
}

func (c *CachingLoader) Close() error {
	return c.db.Close()
}

func cacheKey(analyzerId string) []byte {
	return []byte("analyzer:" + analyzerId)
}

func encodeCachedBinary(b cachedBinary) []byte {
	data, err := json.Marshal(b)
	if err != nil {
		// Bytes/SourceURI/Hash are always valid UTF-8-safe JSON values
		// (base64-marshaled []byte, plain strings); Marshal cannot fail here.
		panic(err)
	}
	return data
}

func decodeCachedBinary(data []byte) (cachedBinary, error) {
	var b cachedBinary
	if err := json.Unmarshal(data, &b); err != nil {
		return cachedBinary{}, err
	}
	return b, nil
}
