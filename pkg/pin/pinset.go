package pin

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

// Mode distinguishes how far a pin reaches
type Mode uint8

const (
	// ModeDirect pins the single block
	ModeDirect Mode = iota + 1
	// ModeRecursive pins the block and everything reachable through its
	// links
	ModeRecursive
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeRecursive:
		return "recursive"
	default:
		return "unknown"
	}
}

// ErrNotPinned is returned when unpinning a CID that has no pin
var ErrNotPinned = errors.New("pin: not pinned")

// pinPrefix namespaces pin records inside the shared datastore
var pinPrefix = ds.NewKey("/pins")

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func pinKey(c cid.CID) ds.Key {
	return pinPrefix.ChildString(keyEncoding.EncodeToString(c.Bytes()))
}

func keyCID(key string) (cid.CID, error) {
	name := strings.TrimPrefix(key, pinPrefix.String()+"/")
	raw, err := keyEncoding.DecodeString(name)
	if err != nil {
		return cid.CID{}, fmt.Errorf("malformed pin key %q: %w", key, err)
	}
	return cid.Decode(raw)
}

// Pinned is one pin record
type Pinned struct {
	CID  cid.CID
	Mode Mode
}

// Set is the node's pin set. Pins are held in memory and, when a
// datastore is supplied, persisted so they survive restarts. Re-pinning a
// CID replaces its mode.
type Set struct {
	mu   sync.RWMutex
	ds   ds.Datastore
	pins map[cid.CID]Mode
}

// NewSet creates a pin set backed by d, loading any persisted pins. A nil
// datastore keeps pins in memory only.
func NewSet(ctx context.Context, d ds.Datastore) (*Set, error) {
	s := &Set{ds: d, pins: make(map[cid.CID]Mode)}
	if d == nil {
		return s, nil
	}

	res, err := d.Query(ctx, dsq.Query{Prefix: pinPrefix.String()})
	if err != nil {
		return nil, fmt.Errorf("loading pins: %w", err)
	}
	defer res.Close()
	for entry := range res.Next() {
		if entry.Error != nil {
			return nil, fmt.Errorf("loading pins: %w", entry.Error)
		}
		c, err := keyCID(entry.Key)
		if err != nil {
			return nil, err
		}
		if len(entry.Value) != 1 {
			return nil, fmt.Errorf("malformed pin record for %s", c)
		}
		s.pins[c] = Mode(entry.Value[0])
	}
	return s, nil
}

// Pin records c as pinned with the given mode, replacing any existing pin
func (s *Set) Pin(ctx context.Context, c cid.CID, mode Mode) error {
	if mode != ModeDirect && mode != ModeRecursive {
		return fmt.Errorf("pin: invalid mode %d", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ds != nil {
		key := pinKey(c)
		if err := s.ds.Put(ctx, key, []byte{byte(mode)}); err != nil {
			return fmt.Errorf("persisting pin: %w", err)
		}
		if err := s.ds.Sync(ctx, key); err != nil {
			return fmt.Errorf("persisting pin: %w", err)
		}
	}
	s.pins[c] = mode
	return nil
}

// Unpin removes the pin on c, or returns ErrNotPinned
func (s *Set) Unpin(ctx context.Context, c cid.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pins[c]; !ok {
		return ErrNotPinned
	}
	if s.ds != nil {
		if err := s.ds.Delete(ctx, pinKey(c)); err != nil {
			return fmt.Errorf("removing pin: %w", err)
		}
	}
	delete(s.pins, c)
	return nil
}

// IsPinned returns c's pin mode, if any
func (s *Set) IsPinned(c cid.CID) (Mode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.pins[c]
	return m, ok
}

// Pins snapshots all pin records
func (s *Set) Pins() []Pinned {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pinned, 0, len(s.pins))
	for c, m := range s.pins {
		out = append(out, Pinned{CID: c, Mode: m})
	}
	return out
}

// Len returns the number of pins
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pins)
}
