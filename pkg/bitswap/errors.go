// Package bitswap implements the block exchange protocol engine: the
// component that decides which blocks are wanted, which peers to ask, how
// inbound want/have/block traffic is processed, and how fairness between
// peers is maintained.
package bitswap

import (
	"errors"
	"fmt"

	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/constants"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
)

// ErrorKind classifies engine-level failures so callers can distinguish
// "data doesn't exist on the network yet" from "local storage is broken"
type ErrorKind int

const (
	// KindInvalidBlock marks received bytes that do not hash to the
	// claimed CID
	KindInvalidBlock ErrorKind = iota + 1
	// KindNotFound marks a want that exhausted all peers without a
	// verified block arriving
	KindNotFound
	// KindTimeout marks a want that expired before fulfillment
	KindTimeout
	// KindStoreIO marks a blockstore failure propagated from the
	// triggering local operation
	KindStoreIO
	// KindMalformedMessage marks an inbound message rejected whole
	KindMalformedMessage
	// KindClosed marks an operation against a shut-down engine
	KindClosed
)

// String returns the kind name
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidBlock:
		return "invalid-block"
	case KindNotFound:
		return "not-found"
	case KindTimeout:
		return "timeout"
	case KindStoreIO:
		return "store-io"
	case KindMalformedMessage:
		return "malformed-message"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ExchangeError is the typed error surface of the engine
type ExchangeError struct {
	Kind    ErrorKind
	Message string
	CID     cid.CID
	Peer    swarm.PeerID

	// Retryable hints whether a fresh attempt might succeed
	Retryable bool

	Cause error
}

// Error implements the error interface
func (e *ExchangeError) Error() string {
	if e.CID.Defined() {
		return fmt.Sprintf("bitswap %s: %s (cid: %s)", e.Kind, e.Message, e.CID)
	}
	return fmt.Sprintf("bitswap %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *ExchangeError) Unwrap() error {
	return e.Cause
}

// Error constructors

// NewInvalidBlockError marks bytes from peer that failed verification
func NewInvalidBlockError(c cid.CID, peer swarm.PeerID) *ExchangeError {
	return &ExchangeError{
		Kind:    KindInvalidBlock,
		Message: "block data does not hash to claimed CID",
		CID:     c,
		Peer:    peer,
	}
}

// NewBlockTooLargeError marks a locally added block over the wire size
// limit, which no compliant peer would accept
func NewBlockTooLargeError(c cid.CID, size int) *ExchangeError {
	return &ExchangeError{
		Kind:    KindInvalidBlock,
		Message: fmt.Sprintf("block size %d exceeds the %d byte wire limit", size, constants.MaxBlockSize),
		CID:     c,
	}
}

// NewNotFoundError marks a want that exhausted all known and fallback peers
func NewNotFoundError(c cid.CID) *ExchangeError {
	return &ExchangeError{
		Kind:      KindNotFound,
		Message:   "no peer provided the block",
		CID:       c,
		Retryable: true,
	}
}

// NewTimeoutError marks a want that expired
func NewTimeoutError(c cid.CID) *ExchangeError {
	return &ExchangeError{
		Kind:      KindTimeout,
		Message:   "want timed out",
		CID:       c,
		Retryable: true,
	}
}

// NewStoreIOError wraps a blockstore failure
func NewStoreIOError(op string, cause error) *ExchangeError {
	return &ExchangeError{
		Kind:    KindStoreIO,
		Message: fmt.Sprintf("blockstore %s failed", op),
		Cause:   cause,
	}
}

// NewMalformedMessageError wraps an inbound message rejection
func NewMalformedMessageError(peer swarm.PeerID, cause error) *ExchangeError {
	return &ExchangeError{
		Kind:    KindMalformedMessage,
		Message: "rejected inbound message",
		Peer:    peer,
		Cause:   cause,
	}
}

// NewClosedError marks use of a shut-down engine
func NewClosedError() *ExchangeError {
	return &ExchangeError{Kind: KindClosed, Message: "engine is closed"}
}

// Classification helpers

func kindOf(err error) (ErrorKind, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}

// IsInvalidBlock reports whether err is an invalid-block rejection
func IsInvalidBlock(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInvalidBlock
}

// IsNotFound reports whether err means the block was not obtained.
// Timeouts count: the caller's block did not arrive.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindNotFound || k == KindTimeout)
}

// IsTimeout reports whether err is a want timeout
func IsTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTimeout
}

// IsStoreIO reports whether err is a local storage failure
func IsStoreIO(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindStoreIO
}
