package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/title-protocol/tee-worker/pkg/admission"
	"github.com/title-protocol/tee-worker/pkg/analyzerloader"
	"github.com/title-protocol/tee-worker/pkg/auditlog"
	"github.com/title-protocol/tee-worker/pkg/config"
	"github.com/title-protocol/tee-worker/pkg/keystore"
	"github.com/title-protocol/tee-worker/pkg/logger"
	"github.com/title-protocol/tee-worker/pkg/sandbox"
	"github.com/title-protocol/tee-worker/pkg/worker"
)

func main() {
	app := &cli.App{
		Name:  "tee-worker",
		Usage: "Content-provenance attestation worker",
		Description: `A hardware-isolated worker that verifies C2PA/JUMBF provenance chains,
runs sandboxed WASM analyzers against untrusted content, and produces
attestations co-signed into a Solana compressed-NFT mint transaction.

This server implements:
- Relay-authenticated, hybrid-encrypted request handling
- C2PA/JUMBF provenance chain verification
- Sandboxed WASM analyzer execution
- Hardware-attested identity and attestation signing
- Solana compressed-NFT ledger state and co-signing`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   config.DefaultPort,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvPort},
			},
			&cli.StringFlag{
				Name:    "proxy-addr",
				Usage:   fmt.Sprintf("Boundary-fetch proxy address, or %q for direct HTTP", config.DirectProxyAddr),
				Value:   config.DirectProxyAddr,
				EnvVars: []string{config.EnvProxyAddr},
			},
			&cli.StringFlag{
				Name:    "gateway-pubkey",
				Usage:   "Base58 Ed25519 public key the gateway signs relayed requests with (empty = dev mode)",
				EnvVars: []string{config.EnvGatewayPubkey},
			},
			&cli.StringFlag{
				Name:    "collection-mint",
				Usage:   "Base58 Solana collection mint address new attestations are grouped under",
				EnvVars: []string{config.EnvCollectionMint},
			},
			&cli.StringFlag{
				Name:    "trusted-extensions",
				Usage:   "Comma-separated trusted analyzer ids for config.IsTrusted (empty = allow all)",
				EnvVars: []string{config.EnvTrustedExtensions},
			},
			&cli.StringFlag{
				Name:    "trusted-analyzer-ids",
				Usage:   "Comma-separated trusted analyzer ids (empty = allow all)",
				EnvVars: []string{config.EnvTrustedAnalyzerIDs},
			},
			&cli.Uint64Flag{
				Name:    "max-concurrent-bytes",
				Value:   config.DefaultMaxConcurrentBytes,
				Usage:   "Ceiling on bytes admitted concurrently across all boundary fetches",
				EnvVars: []string{config.EnvMaxConcurrentBytes},
			},
			&cli.StringFlag{
				Name:    "analyzer-dir",
				Value:   "./analyzers",
				Usage:   "Local analyzer module directory, or an http(s):// base URL for a remote loader",
				EnvVars: []string{config.EnvAnalyzerDir},
			},
			&cli.StringFlag{
				Name:    "analyzer-cache-dir",
				Usage:   "Badger cache directory wrapping a remote analyzer loader (no effect on a local analyzer-dir)",
				EnvVars: []string{config.EnvAnalyzerCacheDir},
			},
			&cli.StringFlag{
				Name:    "audit-log-path",
				Value:   "./data/audit",
				Usage:   "Badger data directory for the append-only audit log",
				EnvVars: []string{config.EnvAuditLogPath},
			},
			&cli.StringFlag{
				Name:    "attestation-audience",
				Usage:   "Confidential-Space attestation token audience; empty uses a non-hardware stub producer",
				EnvVars: []string{config.EnvAttestationAudience},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable verbose development logging",
				EnvVars: []string{config.EnvDebug},
			},
		},
		Action: runWorker,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("tee-worker: %v", err)
	}
}

func runWorker(c *cli.Context) error {
	cfg := config.New(
		config.WithPort(c.String("port")),
		config.WithProxyAddr(c.String("proxy-addr")),
		config.WithGatewayPubkey(c.String("gateway-pubkey")),
		config.WithCollectionMint(c.String("collection-mint")),
		config.WithTrustedExtensions(c.String("trusted-extensions")),
		config.WithTrustedAnalyzerIDs(c.String("trusted-analyzer-ids")),
		config.WithMaxConcurrentBytes(c.Uint64("max-concurrent-bytes")),
		config.WithAnalyzerDir(c.String("analyzer-dir")),
		config.WithAnalyzerCacheDir(c.String("analyzer-cache-dir")),
		config.WithAuditLogPath(c.String("audit-log-path")),
		config.WithAttestationAudience(c.String("attestation-audience")),
		config.WithDebug(c.Bool("debug")),
	)

	zlog, err := logger.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zlog.Sync()

	var producer keystore.AttestationProducer
	if cfg.AttestationAudience != "" {
		producer = keystore.NewTPMAttestationProducer(cfg.AttestationAudience)
	} else {
		producer = keystore.NewStubAttestationProducer("tee-worker", "dev")
		zlog.Warn("no attestation audience configured, running with a non-hardware stub attestation producer")
	}
	keys, err := keystore.New(producer, zlog)
	if err != nil {
		return fmt.Errorf("build keystore: %w", err)
	}

	fetcher := admission.NewFetcher(cfg.ProxyAddr, cfg.MaxConcurrentBytes)

	audit, err := auditlog.Open(cfg.AuditLogPath, zlog)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	loader, err := buildAnalyzerLoader(cfg, fetcher, zlog)
	if err != nil {
		return fmt.Errorf("build analyzer loader: %w", err)
	}
	identity := analyzerloader.NewIdentityPolicy(cfg.TrustedAnalyzerIDs)

	runner := sandbox.NewRunner(zlog)

	w, err := worker.New(cfg, keys, fetcher, loader, identity, runner, audit, zlog)
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	srv := worker.NewServer(w, ":"+strings.TrimPrefix(cfg.Port, ":"), zlog)
	srv.Start()
	zlog.Sugar().Infow("tee-worker listening", "port", cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	zlog.Info("shutting down")
	return srv.Stop()
}

// buildAnalyzerLoader selects a local or remote analyzer back-end per
// cfg.AnalyzerDir, wrapping the remote case in a badger-backed cache
// when a cache directory is configured.
func buildAnalyzerLoader(cfg *config.Config, fetcher *admission.Fetcher, log *zap.Logger) (analyzerloader.Loader, error) {
	if !strings.HasPrefix(cfg.AnalyzerDir, "http://") && !strings.HasPrefix(cfg.AnalyzerDir, "https://") {
		return analyzerloader.NewLocalLoader(cfg.AnalyzerDir), nil
	}

	remote := analyzerloader.NewRemoteLoader(fetcher, cfg.AnalyzerDir)
	if cfg.AnalyzerCacheDir == "" {
		return remote, nil
	}
	return analyzerloader.NewCachingLoader(remote, cfg.AnalyzerCacheDir, log)
}
