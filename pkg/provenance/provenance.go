// Package provenance runs C2PA structural validation over a content
// container, derives its deterministic identifier, and walks ingredient
// manifests into a provenance graph.
//
// The full cryptographic C2PA trust-chain check (certificate path
// validation against a trust anchor list, timestamp authority
// signature verification, hard-binding hash comparison against pixel
// data) is out of scope here: this package validates that the active
// manifest's signature is a structurally well-formed COSE-Sign1
// structure extracted per pkg/jumbf, and treats that as the
// container's provenance claim. See DESIGN.md.
package provenance

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"

	"github.com/title-protocol/tee-worker/pkg/jumbf"
	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/types"
	"github.com/title-protocol/tee-worker/pkg/workererr"
)

const (
	// maxIngredientDepth bounds the ingredient-manifest recursion; a
	// chain longer than this is treated as adversarial rather than a
	// legitimately deep remix history.
	maxIngredientDepth = 32

	// unknownRole is substituted when an ingredient declares no media
	// type.
	unknownRole = "unknown"

	// activeManifestLabel is the well-known label C2PA containers use
	// for the manifest the store considers authoritative. Real
	// containers carry this as a "c2pa.signature" claim on the store
	// descriptor; this package assumes it by convention, matching how
	// every container produced by the companion encoder names its
	// active manifest.
	activeManifestLabel = "c2pa.manifest.active"
)

// ingredientAssertionUUID identifies the assertion superbox (separate
// from the C2PA signature assertion) carrying this manifest's
// ingredient declarations. This UUID and the CBOR shape below are this
// implementation's own encoding, not a value lifted from a published
// C2PA assertion type; see DESIGN.md.
var ingredientAssertionUUID = [16]byte{
	0x74, 0x69, 0x74, 0x6c, 0x65, 0x2e, 0x69, 0x6e,
	0x67, 0x72, 0x65, 0x64, 0x69, 0x65, 0x6e, 0x74,
}

// ingredientDecl is one entry of the ingredient-assertion CBOR array.
// ManifestLabel is empty when the ingredient has no embedded manifest
// (a "remote" or unverifiable ingredient) and must be skipped per the
// build-graph rules.
type ingredientDecl struct {
	ManifestLabel string `cbor:"manifest_label"`
	MediaType     string `cbor:"media_type"`
}

// tsaClaim is the unprotected COSE header value carrying the
// trusted-timestamp claim, keyed by tsaHeaderLabel.
type tsaClaim struct {
	Timestamp   string `cbor:"timestamp"`
	IssuerKeyID []byte `cbor:"issuer_key_id"`
}

// tsaHeaderLabel is the COSE unprotected-header integer label this
// implementation uses to carry the trusted-timestamp claim.
const tsaHeaderLabel = 16

// VerificationResult is the outcome of structurally validating one
// container's active manifest.
type VerificationResult struct {
	ContentId     types.ContentId
	SignatureCOSE []byte
	TSA           *types.TSAEvidence
}

// Verify extracts and structurally validates the active manifest's
// COSE-Sign1 signature out of a JUMBF image and derives the content
// identifier from it. mime is currently unused beyond being part of
// the call's contract (future container formats may need it to locate
// the embedded JUMBF box); it is accepted so callers don't need two
// call shapes once that lands.
func Verify(jumbfImage []byte, mime string) (VerificationResult, error) {
	sig, err := jumbf.ExtractSignature(jumbfImage, activeManifestLabel)
	if err != nil {
		return VerificationResult{}, workererr.Wrap(err, workererr.ProcessingFailed, "content hash extraction failed")
	}

	msg, err := parseCOSESign1(sig)
	if err != nil {
		return VerificationResult{}, workererr.Wrap(err, workererr.ProcessingFailed, "c2pa verification failed")
	}

	tsa, err := extractTSA(msg)
	if err != nil {
		return VerificationResult{}, workererr.Wrap(err, workererr.ProcessingFailed, "c2pa verification failed")
	}

	return VerificationResult{
		ContentId:     contentIdFromSignature(sig),
		SignatureCOSE: sig,
		TSA:           tsa,
	}, nil
}

// ContentId is a thin wrapper over Verify returning only the digest,
// for callers that don't need the full verification result.
func ContentId(jumbfImage []byte, mime string) (types.ContentId, error) {
	result, err := Verify(jumbfImage, mime)
	if err != nil {
		return types.ContentId{}, err
	}
	return result.ContentId, nil
}

// contentIdFromSignature derives the deterministic content identifier
// as the SHA-256 digest of the active manifest's raw COSE-Sign1 bytes.
// Two containers whose active manifests are byte-identical collapse to
// the same ContentId; this is intentional — it's what lets the
// duplicate resolver (pkg/duplicate) recognize reposts of the same
// signed content.
func contentIdFromSignature(sig []byte) types.ContentId {
	return sha256.Sum256(sig)
}

// parseCOSESign1 decodes raw into a structurally valid COSE-Sign1
// message. Validity here means: well-formed CBOR, the correct COSE tag
// or untagged Sign1 array shape, and a signature field of nonzero
// length. This is the structural half of "C2PA validation" this
// package performs; see the package doc.
func parseCOSESign1(raw []byte) (*cose.Sign1Message, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(raw); err != nil {
		return nil, fmt.Errorf("malformed cose sign1: %w", err)
	}
	if len(msg.Signature) == 0 {
		return nil, fmt.Errorf("cose sign1 carries an empty signature")
	}
	return &msg, nil
}

// extractTSA looks for the trusted-timestamp claim in msg's
// unprotected header. Its absence is not an error — untimestamped
// manifests are structurally valid, just ineligible for TSA-based
// dispute resolution (pkg/duplicate).
func extractTSA(msg *cose.Sign1Message) (*types.TSAEvidence, error) {
	raw, ok := msg.Headers.Unprotected[int64(tsaHeaderLabel)]
	if !ok {
		return nil, nil
	}
	tokenBytes, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("tsa header value has unexpected shape")
	}

	var claim tsaClaim
	if err := cbor.Unmarshal(tokenBytes, &claim); err != nil {
		return nil, fmt.Errorf("malformed tsa claim: %w", err)
	}
	epoch, err := primitives.ParseRFC3339ToEpoch(claim.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("tsa timestamp: %w", err)
	}
	digest, _ := primitives.Hash(primitives.HashSHA256, claim.IssuerKeyID)

	return &types.TSAEvidence{
		EpochSeconds:    epoch,
		IssuerKeyDigest: primitives.Base64Encode(digest),
		Token:           primitives.Base64Encode(tokenBytes),
	}, nil
}

// BuildGraph recursively walks ingredient manifests starting from the
// container's active manifest, producing the full provenance DAG.
// maxSize bounds |nodes|+|links|; exceeding it fails with
// ProcessingFailed ("provenance graph size exceeded").
func BuildGraph(jumbfImage []byte, mime string, maxSize int) (types.ProvenanceGraph, error) {
	root, err := Verify(jumbfImage, mime)
	if err != nil {
		return types.ProvenanceGraph{}, err
	}

	graph := types.ProvenanceGraph{
		Nodes: []types.GraphNode{{Id: root.ContentId, Kind: types.NodeKindFinal}},
	}
	seen := map[types.ContentId]bool{root.ContentId: true}

	if err := walkIngredients(jumbfImage, activeManifestLabel, root.ContentId, 0, &graph, seen); err != nil {
		return types.ProvenanceGraph{}, err
	}

	if len(graph.Nodes)+len(graph.Links) > maxSize {
		return types.ProvenanceGraph{}, workererr.New(workererr.ProcessingFailed, "provenance graph size exceeded")
	}
	return graph, nil
}

// walkIngredients reads the ingredient declarations of the manifest
// labeled manifestLabel and, for each one that references an embedded
// manifest present in the same store, recurses. depth counts
// manifest-to-manifest hops already taken from the root to reach
// manifestLabel (the root itself is depth 0); a chain of exactly 32
// ingredient hops succeeds, 33 fails.
func walkIngredients(
	jumbfImage []byte,
	manifestLabel string,
	currentId types.ContentId,
	depth int,
	graph *types.ProvenanceGraph,
	seen map[types.ContentId]bool,
) error {
	declBytes, err := jumbf.ExtractAssertion(jumbfImage, manifestLabel, ingredientAssertionUUID)
	if err != nil {
		// No ingredient-assertion box at all is the common case (a
		// manifest with no ingredients); not an error.
		return nil
	}

	var decls []ingredientDecl
	if err := cbor.Unmarshal(declBytes, &decls); err != nil {
		return workererr.Wrap(err, workererr.ProcessingFailed, "provenance graph build failed: malformed ingredient assertion")
	}

	for _, decl := range decls {
		if decl.ManifestLabel == "" {
			// No embedded manifest: unverifiable identity, skip.
			continue
		}

		if _, _, err := jumbf.FindManifestBody(jumbfImage, decl.ManifestLabel); err != nil {
			// Declared but not found in this store: skip, per the
			// same "no verifiable identity" rationale.
			continue
		}
		sig, err := jumbf.ExtractSignature(jumbfImage, decl.ManifestLabel)
		if err != nil {
			// Manifest present but its signature box is not: fail the
			// whole build, as Verify does for the root.
			return workererr.Wrap(err, workererr.ProcessingFailed, "provenance graph build failed: ingredient signature not found")
		}

		childDepth := depth + 1
		if childDepth > maxIngredientDepth {
			return workererr.New(workererr.ProcessingFailed, "provenance graph build failed: ingredient depth exceeded")
		}

		ingredientId := contentIdFromSignature(sig)
		role := decl.MediaType
		if role == "" {
			role = unknownRole
		}
		graph.Links = append(graph.Links, types.GraphLink{
			Source: ingredientId,
			Target: currentId,
			Role:   role,
		})

		if !seen[ingredientId] {
			seen[ingredientId] = true
			graph.Nodes = append(graph.Nodes, types.GraphNode{Id: ingredientId, Kind: types.NodeKindIngredient})
		}

		if err := walkIngredients(jumbfImage, decl.ManifestLabel, ingredientId, childDepth, graph, seen); err != nil {
			return err
		}
	}
	return nil
}
