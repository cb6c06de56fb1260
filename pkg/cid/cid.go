// Package cid implements self-describing Content Identifiers.
//
// A CID binds a hash-function code, a content-codec code and a digest into a
// single immutable value. Equality and ordering are by byte value, so CIDs
// are usable directly as map keys.
package cid

import (
	"bytes"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"lukechampine.com/blake3"
)

const (
	// Prefix is the prefix for HiveSwap Content Identifier strings
	Prefix = "hive"

	// DigestSize is the size of all supported digests in bytes
	DigestSize = 32
)

// HashCode identifies the hash function a CID's digest was produced with
type HashCode byte

const (
	// HashBlake3 is BLAKE3-256, the default hash function
	HashBlake3 HashCode = 0x1e

	// HashBlake2b is BLAKE2b-256
	HashBlake2b HashCode = 0xb2
)

// String returns the hash function name
func (h HashCode) String() string {
	switch h {
	case HashBlake3:
		return "blake3-256"
	case HashBlake2b:
		return "blake2b-256"
	default:
		return fmt.Sprintf("unknown-0x%02x", byte(h))
	}
}

// Codec identifies the content type a CID's block carries
type Codec byte

const (
	// CodecRaw marks opaque binary blocks
	CodecRaw Codec = 0x55

	// CodecLinked marks blocks carrying CBOR-encoded link lists, the format
	// walked by garbage collection
	CodecLinked Codec = 0x70
)

// String returns the codec name
func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecLinked:
		return "linked"
	default:
		return fmt.Sprintf("unknown-0x%02x", byte(c))
	}
}

// CID is a self-describing content identifier. The zero value is invalid.
// CID is comparable: two CIDs are equal iff their byte forms are equal.
type CID struct {
	hash   HashCode
	codec  Codec
	digest string // DigestSize raw bytes, stored as string to keep CID comparable
}

// Sum hashes data with the default hash function (BLAKE3-256) and returns
// the resulting CID.
func Sum(codec Codec, data []byte) CID {
	d := blake3.Sum256(data)
	return CID{hash: HashBlake3, codec: codec, digest: string(d[:])}
}

// SumWithHash hashes data with the chosen hash function.
func SumWithHash(h HashCode, codec Codec, data []byte) (CID, error) {
	d, err := digest(h, data)
	if err != nil {
		return CID{}, err
	}
	return CID{hash: h, codec: codec, digest: string(d)}, nil
}

func digest(h HashCode, data []byte) ([]byte, error) {
	switch h {
	case HashBlake3:
		d := blake3.Sum256(data)
		return d[:], nil
	case HashBlake2b:
		d := blake2b.Sum256(data)
		return d[:], nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownHash, byte(h))
	}
}

// NewCID assembles a CID from its parts, validating the hash code and
// digest length.
func NewCID(h HashCode, codec Codec, dig []byte) (CID, error) {
	switch h {
	case HashBlake3, HashBlake2b:
	default:
		return CID{}, fmt.Errorf("%w: 0x%02x", ErrUnknownHash, byte(h))
	}
	if len(dig) != DigestSize {
		return CID{}, fmt.Errorf("invalid digest size: got %d, want %d", len(dig), DigestSize)
	}
	return CID{hash: h, codec: codec, digest: string(dig)}, nil
}

// Decode parses the raw byte form: hash code, codec, digest.
func Decode(raw []byte) (CID, error) {
	if len(raw) != 2+DigestSize {
		return CID{}, fmt.Errorf("invalid CID length: got %d, want %d", len(raw), 2+DigestSize)
	}
	return NewCID(HashCode(raw[0]), Codec(raw[1]), raw[2:])
}

// Parse parses the canonical string form "hive:<base32(bytes)>".
func Parse(s string) (CID, error) {
	if s == "" {
		return CID{}, fmt.Errorf("empty CID string")
	}
	if !strings.HasPrefix(s, Prefix+":") {
		return CID{}, fmt.Errorf("invalid CID prefix: expected %s:", Prefix)
	}
	enc := strings.TrimPrefix(s, Prefix+":")
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(enc))
	if err != nil {
		return CID{}, fmt.Errorf("failed to decode CID: %w", err)
	}
	return Decode(raw)
}

// Defined reports whether the CID is a valid, non-zero value
func (c CID) Defined() bool {
	return len(c.digest) == DigestSize
}

// Hash returns the hash-function code
func (c CID) Hash() HashCode {
	return c.hash
}

// Codec returns the content-codec code
func (c CID) Codec() Codec {
	return c.codec
}

// Digest returns a copy of the raw digest bytes
func (c CID) Digest() []byte {
	return []byte(c.digest)
}

// Bytes returns the raw byte form: hash code, codec, digest
func (c CID) Bytes() []byte {
	raw := make([]byte, 0, 2+len(c.digest))
	raw = append(raw, byte(c.hash), byte(c.codec))
	return append(raw, c.digest...)
}

// String returns the canonical string form "hive:<base32(bytes)>"
func (c CID) String() string {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(c.Bytes())
	return fmt.Sprintf("%s:%s", Prefix, strings.ToLower(enc))
}

// HexDigest returns the digest as a hex string
func (c CID) HexDigest() string {
	return hex.EncodeToString([]byte(c.digest))
}

// Equals reports whether two CIDs are identical
func (c CID) Equals(other CID) bool {
	return c == other
}

// Less orders CIDs by their byte form
func (c CID) Less(other CID) bool {
	return bytes.Compare(c.Bytes(), other.Bytes()) < 0
}

// Verify reports whether data hashes to the CID's digest under the CID's
// own hash function. Unknown hash codes never verify.
func (c CID) Verify(data []byte) bool {
	if !c.Defined() {
		return false
	}
	d, err := digest(c.hash, data)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(d, []byte(c.digest)) == 1
}

// MarshalCBOR encodes the CID as its raw byte form
func (c CID) MarshalCBOR() ([]byte, error) {
	return cborEncodeBytes(c.Bytes())
}

// UnmarshalCBOR decodes a CID from its raw byte form
func (c *CID) UnmarshalCBOR(data []byte) error {
	raw, err := cborDecodeBytes(data)
	if err != nil {
		return err
	}
	parsed, err := Decode(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
