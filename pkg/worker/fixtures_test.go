package worker

import (
	"encoding/binary"

	cose "github.com/veraison/go-cose"
)

// --- minimal local JUMBF builder helpers, mirroring the ones
// pkg/provenance's own test suite uses to construct valid containers.
// The package-internal label/UUID constants aren't reachable from
// here, so the handful actually needed are inlined.

const (
	jumbfHeaderSize      = 8
	activeManifestLabel  = "c2pa.manifest.active"
	jumbdBoxType         = 0x6A75_6D64 // "jumd"
	jumbBoxType          = 0x6A75_6D62 // "jumb"
	cborBoxType          = 0x6362_6F72 // "cbor"
)

var testSigUUID = [16]byte{
	0x63, 0x32, 0x63, 0x73, 0x00, 0x11, 0x00, 0x10,
	0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71,
}

func encodeBox(boxType uint32, contents []byte) []byte {
	total := jumbfHeaderSize + len(contents)
	out := make([]byte, jumbfHeaderSize, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	binary.BigEndian.PutUint32(out[4:8], boxType)
	return append(out, contents...)
}

func descBox(uuid [16]byte, label string) []byte {
	contents := make([]byte, 0, 17+len(label)+1)
	contents = append(contents, uuid[:]...)
	if label == "" {
		contents = append(contents, 0x00)
	} else {
		contents = append(contents, 0x02)
		contents = append(contents, []byte(label)...)
		contents = append(contents, 0x00)
	}
	return encodeBox(jumbdBoxType, contents)
}

func superbox(children ...[]byte) []byte {
	var contents []byte
	for _, c := range children {
		contents = append(contents, c...)
	}
	return encodeBox(jumbBoxType, contents)
}

func cborBox(payload []byte) []byte {
	return encodeBox(cborBoxType, payload)
}

// manifestBox builds one complete manifest superbox with no ingredient
// assertion: its own description plus a signature assertion wrapping
// sig.
func manifestBox(label string, sig []byte) []byte {
	sigAssertion := superbox(descBox(testSigUUID, "c2pa.signature"), cborBox(sig))
	manifestContents := append([]byte{}, descBox([16]byte{}, label)...)
	manifestContents = append(manifestContents, sigAssertion...)
	return encodeBox(jumbBoxType, manifestContents)
}

func buildStore(manifests ...[]byte) []byte {
	children := append([]byte{}, descBox([16]byte{}, "c2pa")...)
	for _, m := range manifests {
		children = append(children, m...)
	}
	return encodeBox(jumbBoxType, children)
}

// fakeSign1 builds a structurally valid COSE-Sign1 message with a
// nonzero signature and no unprotected TSA claim.
func fakeSign1(marker byte) []byte {
	msg := cose.NewSign1Message()
	msg.Payload = []byte{marker}
	msg.Signature = []byte{marker, marker, marker, marker}
	raw, err := msg.MarshalCBOR()
	if err != nil {
		panic(err)
	}
	return raw
}

// cleanProvenanceContent builds a structurally valid, ingredient-free
// C2PA/JUMBF container: a bare top-level jumb box, as
// jumbf.FindManifestBody expects to find starting at offset 0.
func cleanProvenanceContent(marker byte) []byte {
	return buildStore(manifestBox(activeManifestLabel, fakeSign1(marker)))
}

// validAnalyzerModule exports memory, alloc(i32)->i32, and
// process()->i32 returning a fixed offset holding a length-prefixed
// JSON body `{"result":"ok"}`. Hand-assembled WASM bytes, no toolchain
// involved in producing them.
var validAnalyzerModule = []byte{
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,

	0x01, 0x0A, 0x02,
	0x60, 0x01, 0x7F, 0x01, 0x7F,
	0x60, 0x00, 0x01, 0x7F,

	0x03, 0x03, 0x02, 0x00, 0x01,

	0x05, 0x03, 0x01, 0x00, 0x01,

	0x07, 0x1C, 0x03,
	0x06, 0x6D, 0x65, 0x6D, 0x6F, 0x72, 0x79, 0x02, 0x00,
	0x05, 0x61, 0x6C, 0x6C, 0x6F, 0x63, 0x00, 0x00,
	0x07, 0x70, 0x72, 0x6F, 0x63, 0x65, 0x73, 0x73, 0x00, 0x01,

	0x0A, 0x0D, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0B,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0B,

	0x0B, 0x1A, 0x01,
	0x00, 0x41, 0x80, 0x08, 0x0B,
	0x13,
	0x0F, 0x00, 0x00, 0x00,
	0x7B, 0x22, 0x72, 0x65, 0x73, 0x75, 0x6C, 0x74, 0x22, 0x3A, 0x22, 0x6F, 0x6B, 0x22, 0x7D,
}
