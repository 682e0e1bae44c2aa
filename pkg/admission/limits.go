// Package admission implements the four-layer DoS defense every
// outbound fetch and request-scoped computation runs under:
// incremental weighted-semaphore reservation, a zip-bomb guard on the
// declared content length, a per-chunk slowloris timeout, and a
// content-size-derived dynamic global deadline.
package admission

import (
	"time"

	"github.com/title-protocol/tee-worker/pkg/types"
)

const (
	// DefaultMaxSingleContentBytes bounds any single fetched content.
	DefaultMaxSingleContentBytes uint64 = 2 * 1024 * 1024 * 1024 // 2 GiB
	// DefaultMaxConcurrentBytes seeds the process-wide admission
	// semaphore.
	DefaultMaxConcurrentBytes uint64 = 8 * 1024 * 1024 * 1024 // 8 GiB
	// DefaultMinUploadSpeedBytes is the divisor used to derive the
	// dynamic global timeout from content size.
	DefaultMinUploadSpeedBytes uint64 = 1024 * 1024 // 1 MiB/s
	// DefaultBaseProcessingTimeSec is the fixed overhead added to every
	// dynamic timeout regardless of content size.
	DefaultBaseProcessingTimeSec int64 = 30
	// DefaultMaxGlobalTimeoutSec is the absolute ceiling a dynamic
	// timeout can never exceed.
	DefaultMaxGlobalTimeoutSec int64 = 3600
	// DefaultChunkReadTimeoutSec bounds each 64 KiB chunk read.
	DefaultChunkReadTimeoutSec int64 = 30
	// DefaultC2PAMaxGraphSize bounds |nodes|+|links| in a built
	// provenance graph.
	DefaultC2PAMaxGraphSize int64 = 10000

	// ChunkSize is the reservation granularity for incremental
	// semaphore acquisition and per-chunk read timeouts.
	ChunkSize = 64 * 1024

	// MaxSignedJSONSize bounds a fetched signed attestation during the
	// sign phase; attestations are small, so this ceiling is far below
	// MaxSingleContentBytes.
	MaxSignedJSONSize uint64 = 1024 * 1024
)

// ResolveLimits fills any nil field of rl from the built-in defaults.
// A nil rl resolves to all defaults.
func ResolveLimits(rl *types.ResourceLimits) types.ResolvedLimits {
	resolved := types.ResolvedLimits{
		MaxSingleContentBytes: DefaultMaxSingleContentBytes,
		MaxConcurrentBytes:    DefaultMaxConcurrentBytes,
		MinUploadSpeedBytes:   DefaultMinUploadSpeedBytes,
		BaseProcessingTimeSec: DefaultBaseProcessingTimeSec,
		MaxGlobalTimeoutSec:   DefaultMaxGlobalTimeoutSec,
		ChunkReadTimeoutSec:   DefaultChunkReadTimeoutSec,
		C2PAMaxGraphSize:      DefaultC2PAMaxGraphSize,
	}
	if rl == nil {
		return resolved
	}
	if rl.MaxSingleContentBytes != nil {
		resolved.MaxSingleContentBytes = *rl.MaxSingleContentBytes
	}
	if rl.MaxConcurrentBytes != nil {
		resolved.MaxConcurrentBytes = *rl.MaxConcurrentBytes
	}
	if rl.MinUploadSpeedBytes != nil {
		resolved.MinUploadSpeedBytes = *rl.MinUploadSpeedBytes
	}
	if rl.BaseProcessingTimeSec != nil {
		resolved.BaseProcessingTimeSec = *rl.BaseProcessingTimeSec
	}
	if rl.MaxGlobalTimeoutSec != nil {
		resolved.MaxGlobalTimeoutSec = *rl.MaxGlobalTimeoutSec
	}
	if rl.ChunkReadTimeoutSec != nil {
		resolved.ChunkReadTimeoutSec = *rl.ChunkReadTimeoutSec
	}
	if rl.C2PAMaxGraphSize != nil {
		resolved.C2PAMaxGraphSize = *rl.C2PAMaxGraphSize
	}
	return resolved
}

// ComputeDynamicTimeout derives the global deadline for processing
// contentSize bytes: base processing time plus the time a transfer at
// the configured minimum speed would take, capped at the absolute
// maximum.
func ComputeDynamicTimeout(limits types.ResolvedLimits, contentSize uint64) time.Duration {
	speed := limits.MinUploadSpeedBytes
	if speed == 0 {
		speed = 1
	}
	transferSec := int64(contentSize / speed)
	computed := limits.BaseProcessingTimeSec + transferSec
	if computed > limits.MaxGlobalTimeoutSec {
		computed = limits.MaxGlobalTimeoutSec
	}
	return time.Duration(computed) * time.Second
}
