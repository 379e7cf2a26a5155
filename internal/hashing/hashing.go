// Package hashing derives the deterministic content digests that drive stage
// skip decisions and provenance records.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Part is one labeled component of a canonical digest. Parts hash in the
// order given; labels keep renamed inputs from colliding with moved bytes.
type Part struct {
	Label string
	Data  []byte
}

// TextPart builds a Part from a string payload.
func TextPart(label, text string) Part {
	return Part{Label: label, Data: []byte(text)}
}

// Canonical returns the lowercase hex SHA-256 over the framed serialization
// of parts. Each part contributes label, payload length, and payload, all
// NUL-delimited, so no concatenation of payloads can produce the same digest
// under a different part split.
func Canonical(parts ...Part) string {
	h := sha256.New()
	for _, part := range parts {
		_, _ = h.Write([]byte(part.Label))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.Itoa(len(part.Data))))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(part.Data)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Content returns the lowercase hex SHA-256 of raw bytes.
func Content(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Text returns the lowercase hex SHA-256 of a string.
func Text(text string) string {
	return Content([]byte(text))
}

// File streams a file through SHA-256 and returns the lowercase hex digest.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
