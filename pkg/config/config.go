// Package config resolves the worker's process-wide configuration from
// environment variables / CLI flags, in the idiom of the teacher's
// cmd/kmsServer/main.go flag table.
package config

import (
	"strconv"
	"strings"
)

const (
	EnvProxyAddr           = "PROXY_ADDR"
	EnvGatewayPubkey       = "GATEWAY_PUBKEY"
	EnvCollectionMint      = "COLLECTION_MINT"
	EnvTrustedExtensions   = "TRUSTED_EXTENSIONS"
	EnvMaxConcurrentBytes  = "MAX_CONCURRENT_BYTES"
	EnvPort                = "PORT"
	EnvDebug               = "DEBUG"
	EnvAnalyzerDir         = "ANALYZER_DIR"
	EnvAnalyzerCacheDir    = "ANALYZER_CACHE_DIR"
	EnvAuditLogPath        = "AUDIT_LOG_PATH"
	EnvAttestationAudience = "ATTESTATION_AUDIENCE"
	EnvTrustedAnalyzerIDs  = "TRUSTED_ANALYZER_IDS"

	// DirectProxyAddr is the literal PROXY_ADDR value that selects
	// direct-HTTP boundary fetches instead of the length-prefixed
	// proxy protocol.
	DirectProxyAddr = "direct"

	// DefaultMaxConcurrentBytes seeds the process-wide admission
	// semaphore when MAX_CONCURRENT_BYTES is unset (8 GiB).
	DefaultMaxConcurrentBytes = uint64(8) << 30

	DefaultPort = "8443"
)

// Config is the resolved, typed configuration the worker is
// constructed from.
type Config struct {
	ProxyAddr           string
	GatewayPubkeyB58    string // empty ⇒ relay-auth dev mode
	CollectionMintB58   string // empty ⇒ no collection
	TrustedExtensions   []string
	AllowAllExtensions  bool
	MaxConcurrentBytes  uint64
	Port                string
	Debug               bool
	AnalyzerDir         string // local dir, or an http(s):// base URL for a remote loader
	AnalyzerCacheDir    string // badger cache dir wrapping a remote loader; empty ⇒ uncached
	AuditLogPath        string
	AttestationAudience string // non-empty ⇒ use a real TPM attestation producer over the stub
	TrustedAnalyzerIDs  []string
}

// Option mutates a Config during construction. Kept narrow and
// additive so tests can build a Config without going through the CLI
// flag layer at all.
type Option func(*Config)

func WithProxyAddr(addr string) Option       { return func(c *Config) { c.ProxyAddr = addr } }
func WithGatewayPubkey(pk string) Option     { return func(c *Config) { c.GatewayPubkeyB58 = pk } }
func WithCollectionMint(m string) Option     { return func(c *Config) { c.CollectionMintB58 = m } }
func WithMaxConcurrentBytes(n uint64) Option { return func(c *Config) { c.MaxConcurrentBytes = n } }
func WithPort(p string) Option               { return func(c *Config) { c.Port = p } }
func WithDebug(d bool) Option                { return func(c *Config) { c.Debug = d } }
func WithAnalyzerDir(d string) Option        { return func(c *Config) { c.AnalyzerDir = d } }
func WithAnalyzerCacheDir(d string) Option   { return func(c *Config) { c.AnalyzerCacheDir = d } }
func WithAuditLogPath(p string) Option       { return func(c *Config) { c.AuditLogPath = p } }
func WithAttestationAudience(a string) Option {
	return func(c *Config) { c.AttestationAudience = a }
}

func WithTrustedAnalyzerIDs(csv string) Option {
	return func(c *Config) {
		if strings.TrimSpace(csv) == "" {
			c.TrustedAnalyzerIDs = nil
			return
		}
		parts := strings.Split(csv, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		c.TrustedAnalyzerIDs = out
	}
}

func WithTrustedExtensions(csv string) Option {
	return func(c *Config) {
		if strings.TrimSpace(csv) == "" {
			c.AllowAllExtensions = true
			c.TrustedExtensions = nil
			return
		}
		parts := strings.Split(csv, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		c.AllowAllExtensions = false
		c.TrustedExtensions = out
	}
}

// New builds a Config with built-in defaults, then applies opts.
func New(opts ...Option) *Config {
	c := &Config{
		ProxyAddr:          DirectProxyAddr,
		MaxConcurrentBytes: DefaultMaxConcurrentBytes,
		Port:               DefaultPort,
		AllowAllExtensions: true,
		AnalyzerDir:        "./analyzers",
		AuditLogPath:       "./data/audit",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsTrusted reports whether analyzerID is permitted under the
// configured identity allowlist (§4.6). An empty allowlist means
// allow-all.
func (c *Config) IsTrusted(analyzerID string) bool {
	if c.AllowAllExtensions {
		return true
	}
	for _, id := range c.TrustedExtensions {
		if id == analyzerID {
			return true
		}
	}
	return false
}

// ParseUint64 is a small shared helper for flag/env parsing of byte
// ceilings, kept here rather than duplicated at each CLI flag site.
func ParseUint64(s string, def uint64) uint64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
