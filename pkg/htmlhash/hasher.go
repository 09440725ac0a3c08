// Package htmlhash provides a content hasher that normalises HTML before
// digesting it, so that cosmetic churn (whitespace, comments, inline
// scripts injecting nonces) does not register as a content change.
package htmlhash

import (
	"bytes"
	"crypto/sha256"
	"hash"
)

// Hasher scrubs an HTML document and accumulates a SHA-256 digest over the
// surviving text. Additional data can be mixed in after scrubbing.
type Hasher struct {
	digest hash.Hash
}

// NewHasher creates a Hasher primed with the scrubbed form of document.
func NewHasher(document []byte) *Hasher {
	h := &Hasher{digest: sha256.New()}
	h.digest.Write(scrub(document))
	return h
}

// AddData mixes additional bytes into the digest.
func (h *Hasher) AddData(data []byte) {
	h.digest.Write(data)
}

// Result returns the final digest.
func (h *Hasher) Result() []byte {
	return h.digest.Sum(nil)
}

// scrub strips comments, script and style bodies, all remaining tags, and
// collapses runs of whitespace to a single space.
func scrub(document []byte) []byte {
	stripped := stripBlocks(document, []byte("<!--"), []byte("-->"))
	stripped = stripBlocks(stripped, []byte("<script"), []byte("</script>"))
	stripped = stripBlocks(stripped, []byte("<style"), []byte("</style>"))

	result := make([]byte, 0, len(stripped))
	inTag := false
	lastWasSpace := true
	for _, b := range stripped {
		switch {
		case inTag:
			if b == '>' {
				inTag = false
			}
		case b == '<':
			inTag = true
		case b == ' ' || b == '\t' || b == '\r' || b == '\n':
			if !lastWasSpace {
				result = append(result, ' ')
				lastWasSpace = true
			}
		default:
			result = append(result, b)
			lastWasSpace = false
		}
	}

	return bytes.TrimRight(result, " ")
}

// stripBlocks removes every region between open and close, inclusive.
// Case differences in the markers are ignored. An unterminated block runs
// to the end of the document.
func stripBlocks(data []byte, open []byte, close []byte) []byte {
	lower := bytes.ToLower(data)
	result := make([]byte, 0, len(data))

	position := 0
	for position < len(data) {
		start := bytes.Index(lower[position:], open)
		if start < 0 {
			result = append(result, data[position:]...)
			break
		}
		start += position
		result = append(result, data[position:start]...)

		end := bytes.Index(lower[start:], close)
		if end < 0 {
			break
		}
		position = start + end + len(close)
	}

	return result
}
