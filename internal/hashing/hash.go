// Package hashing provides the content hashes used across the fabric: raw
// bytes, canonical JSON and float vectors, under one algorithm selector.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Algo names a supported digest algorithm. Values are persisted alongside
// hashes, so they must never change.
type Algo string

const (
	SHA256  Algo = "SHA-256"
	SHA3512 Algo = "SHA3-512"
	BLAKE3  Algo = "BLAKE3"

	Default = SHA256
)

// ParseAlgo accepts the canonical names case-insensitively, with or without
// the dash. An empty string selects Default.
func ParseAlgo(s string) (Algo, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	switch norm {
	case "":
		return Default, nil
	case "SHA256":
		return SHA256, nil
	case "SHA3512", "SHA3_512":
		return SHA3512, nil
	case "BLAKE3":
		return BLAKE3, nil
	}
	return "", fmt.Errorf("unsupported hash algorithm %q", s)
}

// Valid reports whether a is one of the supported algorithms.
func (a Algo) Valid() bool {
	switch a {
	case SHA256, SHA3512, BLAKE3:
		return true
	}
	return false
}

// New returns a fresh hash.Hash for a. Unknown values fall back to SHA-256;
// callers validate at the boundary with ParseAlgo.
func (a Algo) New() hash.Hash {
	switch a {
	case SHA3512:
		return sha3.New512()
	case BLAKE3:
		return blake3.New()
	default:
		return sha256.New()
	}
}

func (a Algo) String() string { return string(a) }

// Bytes returns the lower-case hex digest of b.
func Bytes(a Algo, b []byte) string {
	h := a.New()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// String hashes the UTF-8 bytes of s.
func String(a Algo, s string) string {
	return Bytes(a, []byte(s))
}

// SerializeVector lays the vector out as little-endian IEEE-754 float32
// values, the same layout a Float32Array buffer has.
func SerializeVector(vec []float64) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return buf
}

// Vector hashes the serialized vector. A nil or empty vector hashes the
// zero-length input.
func Vector(a Algo, vec []float64) string {
	return Bytes(a, SerializeVector(vec))
}

// CanonicalJSON re-encodes raw JSON with object keys sorted and insignificant
// whitespace removed. Numbers keep their original text. Empty input is
// treated as an empty object.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return out, nil
}

// JSON hashes the canonical JSON encoding of v. A nil v hashes as {}.
func JSON(a Algo, v any) (string, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		raw = nil
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode json: %w", err)
		}
		raw = b
	}
	canon, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	return Bytes(a, canon), nil
}
