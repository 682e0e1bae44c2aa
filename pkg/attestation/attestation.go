// Package attestation implements the worker's attestation-verifier
// collaborator: checking a hardware-attestation document (a
// Confidential-Space-style JWT bound to a JWKS trust root) and
// extracting the claims it makes about the image and key material it
// covers.
//
// This is distinct from pkg/keystore's AttestationProducer, which
// obtains a fresh document over this worker's own keys. Verifier is
// the read side: it lets an operator (or this package's own test
// suite) check that a document this worker produced round-trips
// through the same verification stack a third party would use, and
// lets a caller validate a document presented to it. The worker's own
// /create-ledger-state, /verify, and /sign handlers never call it on
// the hot path.
package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"go.uber.org/zap"

	"github.com/title-protocol/tee-worker/pkg/types"
)

const instanceNameDelimiter = "-"

// Verifier checks a raw attestation document and returns the claims it
// makes. One implementation (JWKSVerifier) is backed by a live JWKS
// endpoint; StubVerifier exists for tests and non-TEE development.
type Verifier interface {
	Verify(ctx context.Context, doc []byte) (*types.AttestationClaims, error)
}

// ValidationConfig pins the claim shape one JWKS trust root is
// expected to produce. The teacher hardcodes two of these (Google
// Confidential Space, Intel Trust Authority); this worker takes one as
// a constructor argument so a deployment can point at either, or at a
// third JWKS-based attester, without a code change.
type ValidationConfig struct {
	ExpectedHwModel     string
	RequireAttesterTCB  bool
	RequiredSupportAttr string // e.g. "STABLE" or "EXPERIMENTAL"
	RequireTDXSubmods   bool
}

// confidentialSpaceToken is the structured shape of the JWT claims
// this verifier understands, matching the EAT profile Google
// Confidential Space and Intel Trust Authority both (mostly) share.
type confidentialSpaceToken struct {
	Issuer      string     `json:"iss"`
	Audience    any        `json:"aud"`
	Exp         int64      `json:"exp"`
	Iat         int64      `json:"iat"`
	Nbf         int64      `json:"nbf"`
	EatNonce    any        `json:"eat_nonce,omitempty"` // string or []string
	SwName      string     `json:"swname"`
	AttesterTCB []string   `json:"attester_tcb,omitempty"`
	HwModel     string     `json:"hwmodel"`
	DbgStat     string     `json:"dbgstat"`
	SwVersion   []string   `json:"swversion"`
	SubMods     subMods    `json:"submods"`
	TDXSubMods  tdxSubMods `json:"tdx,omitempty"`
}

type subMods struct {
	Container         container         `json:"container"`
	GCE               gce               `json:"gce"`
	ConfidentialSpace confidentialSpace `json:"confidential_space"`
}

type tdxSubMods struct {
	GcpAttesterTcbStatus string `json:"gcp_attester_tcb_status"`
}

type confidentialSpace struct {
	SupportAttributes []string `json:"support_attributes"`
}

type container struct {
	ImageDigest string `json:"image_digest"`
}

type gce struct {
	ProjectID    string `json:"project_id"`
	InstanceName string `json:"instance_name"`
}

// JWKSVerifier verifies a JWT attestation document against a single
// JWKS trust root, cached and auto-refreshed via httprc.
type JWKSVerifier struct {
	logger           *zap.Logger
	jwksCache        jwk.Set
	expectedIssuer   string
	expectedAudience string
	projectID        string
	debugMode        bool
	validation       ValidationConfig
}

// NewJWKSVerifier fetches jwksURL once to prime the cache, registers
// it for background refresh every refreshInterval, and returns a
// verifier bound to that trust root.
func NewJWKSVerifier(ctx context.Context, logger *zap.Logger, jwksURL, expectedIssuer, expectedAudience, projectID string, refreshInterval time.Duration, debugMode bool, validation ValidationConfig) (*JWKSVerifier, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("create jwk cache: %w", err)
	}
	if err := cache.Register(ctx, jwksURL, jwk.WithConstantInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("register jwk location: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch jwks on startup: %w", err)
	}
	cachedSet, err := cache.CachedSet(jwksURL)
	if err != nil {
		return nil, fmt.Errorf("build cached jwk set: %w", err)
	}

	return &JWKSVerifier{
		logger:           logger.With(zap.String("component", "attestation_verifier")),
		jwksCache:        cachedSet,
		expectedIssuer:   expectedIssuer,
		expectedAudience: expectedAudience,
		projectID:        projectID,
		debugMode:        debugMode,
		validation:       validation,
	}, nil
}

// Verify parses doc as a JWT, checks its signature against the
// verifier's JWKS trust root, checks issuer/audience/claim shape
// against the configured ValidationConfig, and returns the extracted
// claims.
func (v *JWKSVerifier) Verify(ctx context.Context, doc []byte) (*types.AttestationClaims, error) {
	tokenString := string(doc)
	if tokenString == "" {
		return nil, fmt.Errorf("empty attestation document")
	}

	filteredKeySet, err := filterKeySetForToken(tokenString, v.jwksCache)
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse([]byte(tokenString), jwt.WithKeySet(filteredKeySet), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("token parsing/verification failed: %w", err)
	}

	issuer, ok := token.Issuer()
	if !ok {
		return nil, fmt.Errorf("issuer claim not found in token")
	}
	if issuer != v.expectedIssuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", v.expectedIssuer, issuer)
	}

	audiences, ok := token.Audience()
	if !ok || len(audiences) != 1 {
		return nil, fmt.Errorf("audience claim must contain exactly one value")
	}
	if audiences[0] != v.expectedAudience {
		return nil, fmt.Errorf("invalid audience: expected %s, got %s", v.expectedAudience, audiences[0])
	}

	csToken := &confidentialSpaceToken{}
	tokenBytes, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("marshal token to json: %w", err)
	}
	if err := json.Unmarshal(tokenBytes, csToken); err != nil {
		return nil, fmt.Errorf("unmarshal token json: %w", err)
	}

	if err := v.validateClaims(csToken); err != nil {
		return nil, err
	}

	appID, err := extractAppIDFromInstanceName(csToken.SubMods.GCE.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("extract app id: %w", err)
	}

	v.logger.Debug("attestation verified", zap.String("app_id", appID), zap.String("image_digest", csToken.SubMods.Container.ImageDigest))

	return &types.AttestationClaims{
		AppID:       appID,
		ImageDigest: csToken.SubMods.Container.ImageDigest,
		IssuedAt:    csToken.Iat,
	}, nil
}

func (v *JWKSVerifier) validateClaims(csToken *confidentialSpaceToken) error {
	if csToken.SwName != "CONFIDENTIAL_SPACE" {
		return fmt.Errorf("invalid software name: %s", csToken.SwName)
	}
	if v.validation.RequireAttesterTCB {
		if len(csToken.AttesterTCB) != 1 || csToken.AttesterTCB[0] != "INTEL" {
			return fmt.Errorf("invalid attester_tcb: %v", csToken.AttesterTCB)
		}
	}
	if csToken.HwModel != v.validation.ExpectedHwModel {
		return fmt.Errorf("invalid hwmodel: %s, expected %s", csToken.HwModel, v.validation.ExpectedHwModel)
	}
	if v.validation.RequireTDXSubmods && csToken.TDXSubMods.GcpAttesterTcbStatus != "UpToDate" {
		return fmt.Errorf("invalid tdx submods status: %q", csToken.TDXSubMods.GcpAttesterTcbStatus)
	}
	if !v.debugMode {
		if csToken.DbgStat != "disabled-since-boot" {
			return fmt.Errorf("invalid dbgstat: %s", csToken.DbgStat)
		}
		if !slices.Contains(csToken.SubMods.ConfidentialSpace.SupportAttributes, v.validation.RequiredSupportAttr) {
			return fmt.Errorf("support_attributes missing %s", v.validation.RequiredSupportAttr)
		}
	}
	if csToken.SubMods.GCE.ProjectID != v.projectID {
		return fmt.Errorf("invalid project_id: %s, expected %s", csToken.SubMods.GCE.ProjectID, v.projectID)
	}
	return nil
}

func extractAppIDFromInstanceName(instanceName string) (string, error) {
	parts := strings.Split(instanceName, instanceNameDelimiter)
	if len(parts) < 2 {
		return "", fmt.Errorf("invalid instance name %q: expected at least 2 %q-delimited parts", instanceName, instanceNameDelimiter)
	}
	return parts[len(parts)-1], nil
}

// filterKeySetForToken narrows jwksCache to the keys whose algorithm
// matches the token's header, working around trust roots (Intel's
// among them) that reuse one key ID across multiple algorithms.
func filterKeySetForToken(tokenString string, jwksCache jwk.Set) (jwk.Set, error) {
	msg, err := jws.Parse([]byte(tokenString))
	if err != nil {
		return nil, fmt.Errorf("parse jws message: %w", err)
	}
	if len(msg.Signatures()) == 0 {
		return nil, fmt.Errorf("token has no signatures")
	}
	header := msg.Signatures()[0].ProtectedHeaders()

	tokenAlg, ok := header.Algorithm()
	if !ok {
		return nil, fmt.Errorf("token does not specify an algorithm")
	}

	filtered := jwk.NewSet()
	for i := 0; i < jwksCache.Len(); i++ {
		key, ok := jwksCache.Key(i)
		if !ok {
			continue
		}
		if keyAlg, ok := key.Algorithm(); ok && keyAlg == tokenAlg {
			_ = filtered.AddKey(key)
		}
	}
	if filtered.Len() == 0 {
		return nil, fmt.Errorf("no keys found in jwks matching algorithm %s", tokenAlg)
	}
	return filtered, nil
}

// StubVerifier accepts a JSON-encoded types.AttestationClaims in place
// of a real JWT, for tests and non-TEE local development.
type StubVerifier struct{}

func NewStubVerifier() *StubVerifier { return &StubVerifier{} }

func (v *StubVerifier) Verify(_ context.Context, doc []byte) (*types.AttestationClaims, error) {
	var claims types.AttestationClaims
	if err := json.Unmarshal(doc, &claims); err != nil {
		return nil, fmt.Errorf("stub verifier expects json-encoded claims: %w", err)
	}
	if claims.AppID == "" || claims.ImageDigest == "" {
		return nil, fmt.Errorf("stub attestation missing app_id or image_digest")
	}
	return &claims, nil
}
