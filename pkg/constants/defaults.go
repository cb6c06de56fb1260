// Package constants defines cross-cutting protocol defaults and limits.
package constants

import "time"

// Protocol Configuration
const (
	// Protocol identifier negotiated by the transport layer at connection
	// time. Peers that negotiate a different version never reach the engine.
	ProtocolID = "/hiveswap/1.2.0"

	// Protocol version carried in wire frames
	ProtocolVersion = 1

	// Default ports
	DefaultQUICPort = 27487
	DefaultTCPPort  = 27489

	// Hash algorithm: BLAKE3-256 by default
	HashAlgorithm = "blake3-256"
)

// Wire limits, enforced on both send and receive paths
const (
	// MaxMessageSize bounds a single framed wire message. Oversized inbound
	// frames are rejected whole, never partially processed.
	MaxMessageSize = 4 * 1024 * 1024 // 4 MiB

	// MaxWantlistEntries bounds the wantlist section of one message
	MaxWantlistEntries = 1024

	// MaxBlockSize bounds a single block payload
	MaxBlockSize = 2 * 1024 * 1024 // 2 MiB
)

// Engine Configuration
const (
	// Want requests older than this resolve as NotFound
	DefaultWantTimeout = 30 * time.Second

	// Outbound entries destined for the same peer accumulated within this
	// window are coalesced into one wire message
	SendCoalesceWindow = 10 * time.Millisecond

	// Per-peer bounded outbound queue depth; a full queue applies
	// backpressure to the sender
	PeerQueueDepth = 64

	// A want-have for a block at or below this size is answered with the
	// block itself rather than a HAVE
	MaxBlockSizeReplaceHasWithBlock = 1024

	// How many providers a session asks before widening to broadcast
	SessionPeerFanout = 3

	// Idle peer-state entries older than this are pruned after disconnect
	PeerStateMaxIdle = 10 * time.Minute
)

// Ledger Configuration
const (
	// Debt ratio above which the default policy deprioritizes (never
	// refuses) responses. Zero disables the check.
	DefaultDebtRatioThreshold = 0.0
)
