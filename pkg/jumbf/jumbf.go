// Package jumbf walks the ISO-19566-5 nested box tree lifted out of a
// container and recovers one named manifest's COSE signature payload.
//
// Box format: [4-byte big-endian size][4-byte ASCII type][contents];
// size == 1 means an 8-byte extended size follows immediately after
// the type. Two box types matter here: the generic superbox "jumb" and
// the description box "jumd" that opens every superbox's contents. A
// description box carries a 16-byte UUID, a 1-byte toggle flag field,
// and — when bit 0x02 is set — a null-terminated ASCII label, followed
// by implementation padding.
package jumbf

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize = 8

	boxTypeJumb = 0x6A75_6D62 // "jumb"
	boxTypeJumd = 0x6A75_6D64 // "jumd"
	boxTypeCBOR = 0x6362_6F72 // "cbor"

	// maxSignatureSize is the 16 MiB ceiling on a CBOR signature
	// payload; this is an invariant, not a knob (prevents allocation
	// bombs from a malicious container).
	maxSignatureSize = 16 * 1024 * 1024

	toggleHasLabel = 0x02
)

// caiSignatureUUID is the fixed 16-byte description-box UUID
// identifying the C2PA signature assertion superbox inside a
// manifest.
var caiSignatureUUID = [16]byte{
	0x63, 0x32, 0x63, 0x73, 0x00, 0x11, 0x00, 0x10,
	0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71,
}

// ErrExtraction is returned, wrapping a more specific cause, for every
// failure mode this package can produce. The spec maps all of them to
// a single error kind (ContentHashExtractionFailed) at the request
// boundary, so callers only need to check for this sentinel type, not
// enumerate causes.
type ErrExtraction struct {
	cause error
}

func (e *ErrExtraction) Error() string { return fmt.Sprintf("jumbf extraction failed: %v", e.cause) }
func (e *ErrExtraction) Unwrap() error { return e.cause }

func extractionErr(format string, args ...interface{}) error {
	return &ErrExtraction{cause: fmt.Errorf(format, args...)}
}

type boxHeader struct {
	size     uint64 // total box size including header; 0 is the EOF sentinel
	boxType  uint32
	headerLen int // bytes actually consumed by this header (8 or 16)
}

// readHeader reads one box header at off. At EOF (no bytes remain) it
// returns the zero sentinel header rather than erroring, so callers
// can use it to detect "no more boxes here" uniformly; 1-7 remaining
// bytes are a truncated header and an error.
func readHeader(data []byte, off int) (boxHeader, error) {
	if off+headerSize > len(data) {
		if off >= len(data) {
			return boxHeader{}, nil
		}
		return boxHeader{}, extractionErr("truncated box header at offset %d", off)
	}
	size32 := binary.BigEndian.Uint32(data[off : off+4])
	boxType := binary.BigEndian.Uint32(data[off+4 : off+8])
	if size32 == 1 {
		if off+16 > len(data) {
			return boxHeader{}, extractionErr("truncated extended box header at offset %d", off)
		}
		size64 := binary.BigEndian.Uint64(data[off+8 : off+16])
		return boxHeader{size: size64, boxType: boxType, headerLen: 16}, nil
	}
	return boxHeader{size: uint64(size32), boxType: boxType, headerLen: 8}, nil
}

type descInfo struct {
	uuid  [16]byte
	label string
}

// readDescInfo reads a jumd description box body (immediately after
// its own header) bounded by contentEnd, the offset one past the last
// byte belonging to this jumd box's contents.
func readDescInfo(data []byte, off, contentEnd int) (descInfo, error) {
	if off+17 > contentEnd || off+17 > len(data) {
		return descInfo{}, extractionErr("truncated description box at offset %d", off)
	}
	var d descInfo
	copy(d.uuid[:], data[off:off+16])
	toggles := data[off+16]
	pos := off + 17

	if toggles&toggleHasLabel != 0 {
		start := pos
		terminated := false
		for pos < contentEnd && pos < len(data) {
			if data[pos] == 0 {
				terminated = true
				break
			}
			pos++
		}
		if !terminated {
			return descInfo{}, extractionErr("description box label never null-terminates within box body")
		}
		d.label = string(data[start:pos])
		pos++ // consume the terminator
	}
	// Remaining bytes up to contentEnd are implementation padding; the
	// caller already knows contentEnd and skips there directly.
	return d, nil
}

// CAISignatureUUID is the fixed description-box UUID identifying the
// C2PA signature assertion superbox inside a manifest, exported so
// callers needing to distinguish the signature assertion from other
// assertions (e.g. the manifest-data assertion) can compare against
// it directly.
var CAISignatureUUID = caiSignatureUUID

// ExtractSignature walks the top-level jumb/jumd store, finds the
// child manifest superbox whose label equals manifestLabel, and
// returns the raw bytes of that manifest's C2PA signature assertion's
// "cbor" box — the COSE-Sign1 byte string.
func ExtractSignature(data []byte, manifestLabel string) ([]byte, error) {
	return ExtractAssertion(data, manifestLabel, caiSignatureUUID)
}

// ExtractAssertion walks the top-level jumb/jumd store, finds the
// child manifest superbox whose label equals manifestLabel, then
// within that manifest finds the assertion superbox whose description
// UUID equals assertionUUID and returns the contents of its first
// "cbor" child box. This generalizes ExtractSignature to assertion
// kinds beyond the C2PA signature itself (e.g. a manifest-data
// assertion carrying ingredient declarations).
func ExtractAssertion(data []byte, manifestLabel string, assertionUUID [16]byte) ([]byte, error) {
	start, end, err := FindManifestBody(data, manifestLabel)
	if err != nil {
		return nil, err
	}
	return findAssertionInManifest(data, start, end, assertionUUID)
}

// FindManifestBody locates the manifest superbox labeled
// manifestLabel and returns the byte range of its contents (the
// region in which assertion superboxes are scanned for).
func FindManifestBody(data []byte, manifestLabel string) (start, end int, err error) {
	off := 0

	top, err := readHeader(data, off)
	if err != nil {
		return 0, 0, err
	}
	if top.boxType == 0 {
		return 0, 0, extractionErr("empty jumbf image")
	}
	if top.boxType != boxTypeJumb {
		return 0, 0, extractionErr("top-level box is not jumb (got %#x)", top.boxType)
	}
	topEnd := off + int(top.size)
	if topEnd > len(data) {
		return 0, 0, extractionErr("top-level jumb size exceeds buffer")
	}

	descOff := off + top.headerLen
	descHdr, err := readHeader(data, descOff)
	if err != nil {
		return 0, 0, err
	}
	if descHdr.boxType != boxTypeJumd {
		return 0, 0, extractionErr("top-level store descriptor is not jumd (got %#x)", descHdr.boxType)
	}
	descContentEnd := descOff + int(descHdr.size)
	if _, err := readDescInfo(data, descOff+descHdr.headerLen, descContentEnd); err != nil {
		return 0, 0, err
	}

	// Walk child manifest superboxes.
	pos := descOff + int(descHdr.size)
	for pos < topEnd {
		childHdr, err := readHeader(data, pos)
		if err != nil {
			return 0, 0, err
		}
		if childHdr.boxType == 0 || childHdr.size == 0 {
			break
		}
		childEnd := pos + int(childHdr.size)
		if childHdr.boxType != boxTypeJumb {
			pos = childEnd
			continue
		}

		childDescOff := pos + childHdr.headerLen
		childDescHdr, err := readHeader(data, childDescOff)
		if err != nil {
			return 0, 0, err
		}
		if childDescHdr.boxType != boxTypeJumd {
			pos = childEnd
			continue
		}
		childDescContentEnd := childDescOff + int(childDescHdr.size)
		childDesc, err := readDescInfo(data, childDescOff+childDescHdr.headerLen, childDescContentEnd)
		if err != nil {
			return 0, 0, err
		}

		if childDesc.label != manifestLabel {
			pos = childEnd
			continue
		}

		manifestBodyStart := childDescOff + int(childDescHdr.size)
		return manifestBodyStart, childEnd, nil
	}

	return 0, 0, extractionErr("manifest with label %q not found", manifestLabel)
}

// findAssertionInManifest scans the direct children of a matched
// manifest superbox for the one whose description UUID equals
// assertionUUID.
func findAssertionInManifest(data []byte, start, end int, assertionUUID [16]byte) ([]byte, error) {
	pos := start
	for pos < end {
		hdr, err := readHeader(data, pos)
		if err != nil {
			return nil, err
		}
		if hdr.boxType == 0 || hdr.size == 0 {
			break
		}
		boxEnd := pos + int(hdr.size)
		if hdr.boxType != boxTypeJumb {
			pos = boxEnd
			continue
		}

		descOff := pos + hdr.headerLen
		descHdr, err := readHeader(data, descOff)
		if err != nil {
			return nil, err
		}
		if descHdr.boxType != boxTypeJumd {
			pos = boxEnd
			continue
		}
		descContentEnd := descOff + int(descHdr.size)
		desc, err := readDescInfo(data, descOff+descHdr.headerLen, descContentEnd)
		if err != nil {
			return nil, err
		}

		if desc.uuid == assertionUUID {
			bodyStart := descOff + int(descHdr.size)
			return findCBORInBox(data, bodyStart, boxEnd)
		}
		pos = boxEnd
	}
	return nil, extractionErr("assertion box not found in manifest")
}

// findCBORInBox scans for the first "cbor"-typed box in [start, end)
// and returns its contents, enforcing the 16 MiB ceiling.
func findCBORInBox(data []byte, start, end int) ([]byte, error) {
	pos := start
	for pos < end {
		hdr, err := readHeader(data, pos)
		if err != nil {
			return nil, err
		}
		if hdr.boxType == 0 || hdr.size == 0 {
			break
		}
		boxEnd := pos + int(hdr.size)
		if hdr.boxType == boxTypeCBOR {
			contentStart := pos + hdr.headerLen
			contentLen := int(hdr.size) - hdr.headerLen
			if contentLen < 0 {
				return nil, extractionErr("cbor box size smaller than its header")
			}
			if contentLen > maxSignatureSize {
				return nil, extractionErr("cbor signature payload %d bytes exceeds %d byte ceiling", contentLen, maxSignatureSize)
			}
			if contentStart+contentLen > len(data) {
				return nil, extractionErr("cbor box contents exceed buffer")
			}
			return data[contentStart : contentStart+contentLen], nil
		}
		pos = boxEnd
	}
	return nil, extractionErr("cbor box not found")
}
