package jumbf

import (
	"encoding/binary"
)

// These helpers build well-formed JUMBF byte images for the test
// suite, so test cases don't hand-encode byte offsets inline. Each
// helper returns a fully-encoded box (header + contents).

func encodeBox(boxType uint32, contents []byte) []byte {
	total := headerSize + len(contents)
	out := make([]byte, headerSize, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	binary.BigEndian.PutUint32(out[4:8], boxType)
	return append(out, contents...)
}

func descBox(uuid [16]byte, label string) []byte {
	contents := make([]byte, 0, 17+len(label)+1)
	contents = append(contents, uuid[:]...)
	if label == "" {
		contents = append(contents, 0x00) // toggles, no label bit
	} else {
		contents = append(contents, 0x02) // toggles, label present
		contents = append(contents, []byte(label)...)
		contents = append(contents, 0x00) // null terminator
	}
	return encodeBox(boxTypeJumd, contents)
}

func superbox(children ...[]byte) []byte {
	var contents []byte
	for _, c := range children {
		contents = append(contents, c...)
	}
	return encodeBox(boxTypeJumb, contents)
}

func cborBox(payload []byte) []byte {
	return encodeBox(boxTypeCBOR, payload)
}

// buildManifestImage assembles a full top-level jumb store containing
// one manifest superbox labeled manifestLabel, itself containing one
// signature-assertion superbox (tagged with caiSignatureUUID) wrapping
// a single cbor box with signaturePayload.
func buildManifestImage(manifestLabel string, signaturePayload []byte) []byte {
	sigAssertion := superbox(
		descBox(caiSignatureUUID, "c2pa.signature"),
		cborBox(signaturePayload),
	)
	manifest := superbox(
		descBox([16]byte{}, manifestLabel),
		sigAssertion,
	)
	store := superbox(
		descBox([16]byte{}, "c2pa"),
		manifest,
	)
	return store
}
