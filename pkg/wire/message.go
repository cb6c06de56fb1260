// Package wire implements the HiveSwap exchange message and its framing.
// A message carries zero or more wantlist entries, zero or more block
// payloads and zero or more block presences, encoded as a canonical CBOR
// body inside a length-prefixed binary frame.
package wire

import (
	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

// WantType distinguishes a request for the block itself from a request for
// a presence notice
type WantType uint8

const (
	// WantBlock asks the peer to send the block
	WantBlock WantType = 0
	// WantHave asks the peer whether it holds the block
	WantHave WantType = 1
)

// String returns the want type name
func (t WantType) String() string {
	switch t {
	case WantBlock:
		return "want-block"
	case WantHave:
		return "want-have"
	default:
		return "unknown"
	}
}

// PresenceType distinguishes HAVE from DONT_HAVE notices
type PresenceType uint8

const (
	// Have announces possession of a block
	Have PresenceType = 0
	// DontHave announces a block is absent
	DontHave PresenceType = 1
)

// String returns the presence type name
func (t PresenceType) String() string {
	switch t {
	case Have:
		return "have"
	case DontHave:
		return "dont-have"
	default:
		return "unknown"
	}
}

// Entry is a single wantlist entry
type Entry struct {
	CID          cid.CID  `cbor:"cid"`
	Priority     int32    `cbor:"priority"`
	WantType     WantType `cbor:"want_type"`
	Cancel       bool     `cbor:"cancel"`
	SendDontHave bool     `cbor:"send_dont_have"`
}

// BlockData is a single block payload
type BlockData struct {
	CID  cid.CID `cbor:"cid"`
	Data []byte  `cbor:"data"`
}

// Presence is a single block presence notice
type Presence struct {
	CID  cid.CID      `cbor:"cid"`
	Type PresenceType `cbor:"type"`
}

// Message is one exchange protocol message. Build outbound messages with
// the Add methods, which coalesce duplicate CIDs.
type Message struct {
	Wantlist  []Entry     `cbor:"wantlist,omitempty"`
	Payload   []BlockData `cbor:"payload,omitempty"`
	Presences []Presence  `cbor:"block_presences,omitempty"`

	// Full marks the wantlist as a complete replacement of whatever the
	// receiver recorded for this peer, rather than an incremental update
	Full bool `cbor:"full,omitempty"`

	entryIdx    map[cid.CID]int
	presenceIdx map[cid.CID]int
	payloadIdx  map[cid.CID]int
}

// New creates an empty message
func New(full bool) *Message {
	return &Message{
		Full:        full,
		entryIdx:    make(map[cid.CID]int),
		presenceIdx: make(map[cid.CID]int),
		payloadIdx:  make(map[cid.CID]int),
	}
}

// AddEntry adds a want entry for c. Duplicate CIDs coalesce: the stronger
// want type (want-block beats want-have) and the higher priority win, and a
// want always displaces a pending cancel.
func (m *Message) AddEntry(c cid.CID, priority int32, t WantType, sendDontHave bool) {
	m.addEntry(Entry{CID: c, Priority: priority, WantType: t, SendDontHave: sendDontHave})
}

// AddCancel adds a cancel entry for c, displacing any pending want for it
func (m *Message) AddCancel(c cid.CID) {
	if i, ok := m.entryIdx[c]; ok {
		m.Wantlist[i] = Entry{CID: c, Cancel: true}
		return
	}
	m.addEntry(Entry{CID: c, Cancel: true})
}

func (m *Message) addEntry(e Entry) {
	if m.entryIdx == nil {
		m.entryIdx = make(map[cid.CID]int)
	}
	i, ok := m.entryIdx[e.CID]
	if !ok {
		m.entryIdx[e.CID] = len(m.Wantlist)
		m.Wantlist = append(m.Wantlist, e)
		return
	}
	cur := &m.Wantlist[i]
	if e.Cancel {
		return // an existing want or cancel stands
	}
	if cur.Cancel {
		*cur = e
		return
	}
	if e.WantType == WantBlock {
		cur.WantType = WantBlock
	}
	if e.Priority > cur.Priority {
		cur.Priority = e.Priority
	}
	cur.SendDontHave = cur.SendDontHave || e.SendDontHave
}

// AddBlock adds a block payload, dropping any presence notice for the same
// CID (the block supersedes it)
func (m *Message) AddBlock(b *block.Block) {
	if m.payloadIdx == nil {
		m.payloadIdx = make(map[cid.CID]int)
	}
	c := b.CID()
	if _, ok := m.payloadIdx[c]; ok {
		return
	}
	m.removePresence(c)
	m.payloadIdx[c] = len(m.Payload)
	m.Payload = append(m.Payload, BlockData{CID: c, Data: b.RawData()})
}

// AddHave adds a HAVE presence for c
func (m *Message) AddHave(c cid.CID) {
	m.addPresence(c, Have)
}

// AddDontHave adds a DONT_HAVE presence for c
func (m *Message) AddDontHave(c cid.CID) {
	m.addPresence(c, DontHave)
}

func (m *Message) addPresence(c cid.CID, t PresenceType) {
	if m.presenceIdx == nil {
		m.presenceIdx = make(map[cid.CID]int)
	}
	if _, ok := m.payloadIdx[c]; ok {
		return // a block payload supersedes any presence
	}
	if i, ok := m.presenceIdx[c]; ok {
		m.Presences[i].Type = t
		return
	}
	m.presenceIdx[c] = len(m.Presences)
	m.Presences = append(m.Presences, Presence{CID: c, Type: t})
}

func (m *Message) removePresence(c cid.CID) {
	i, ok := m.presenceIdx[c]
	if !ok {
		return
	}
	last := len(m.Presences) - 1
	if i != last {
		m.Presences[i] = m.Presences[last]
		m.presenceIdx[m.Presences[i].CID] = i
	}
	m.Presences = m.Presences[:last]
	delete(m.presenceIdx, c)
}

// Empty reports whether the message carries nothing
func (m *Message) Empty() bool {
	return len(m.Wantlist) == 0 && len(m.Payload) == 0 && len(m.Presences) == 0
}

// Size returns the approximate encoded size in bytes, used for batching
// decisions before the exact frame is built
func (m *Message) Size() int {
	size := 0
	for range m.Wantlist {
		size += EntrySize
	}
	for _, p := range m.Payload {
		size += BlockPresenceSize + len(p.Data)
	}
	size += len(m.Presences) * BlockPresenceSize
	return size
}

// Approximate per-item wire costs
const (
	// EntrySize is the approximate encoded size of one wantlist entry
	EntrySize = 2 + cid.DigestSize + 16

	// BlockPresenceSize is the approximate encoded size of one presence
	// notice, also used as the fixed overhead of a block payload
	BlockPresenceSize = 2 + cid.DigestSize + 8
)
