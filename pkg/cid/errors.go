package cid

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownHash is returned when a CID names a hash function this build
// does not implement.
var ErrUnknownHash = errors.New("unknown hash function")

// cborEncodeBytes encodes raw bytes as a CBOR byte string
func cborEncodeBytes(raw []byte) ([]byte, error) {
	return cbor.Marshal(raw)
}

// cborDecodeBytes decodes a CBOR byte string
func cborDecodeBytes(data []byte) ([]byte, error) {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid CBOR byte string: %w", err)
	}
	return raw, nil
}
