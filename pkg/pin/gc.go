package pin

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/blockstore"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/codec/cborcanon"
)

// Resolver enumerates the child links of a block for the mark phase
type Resolver func(ctx context.Context, b *block.Block) ([]cid.CID, error)

// linkedNode is the canonical shape of a linked block's payload
type linkedNode struct {
	Links []cid.CID `cbor:"links"`
	Data  []byte    `cbor:"data,omitempty"`
}

// NewLinkedBlock builds a linked-codec block whose payload names the
// given child links plus opaque data
func NewLinkedBlock(links []cid.CID, data []byte) (*block.Block, error) {
	payload, err := cborcanon.Marshal(linkedNode{Links: links, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding linked block: %w", err)
	}
	return block.New(cid.CodecLinked, payload), nil
}

// CBORLinks resolves links from linked-codec blocks. Raw blocks are
// leaves.
func CBORLinks(_ context.Context, b *block.Block) ([]cid.CID, error) {
	if b.CID().Codec() != cid.CodecLinked {
		return nil, nil
	}
	var node linkedNode
	if err := cborcanon.Unmarshal(b.RawData(), &node); err != nil {
		return nil, fmt.Errorf("decoding linked block %s: %w", b.CID(), err)
	}
	return node.Links, nil
}

// GCConfig configures a collector
type GCConfig struct {
	// Resolver enumerates block links; nil uses CBORLinks
	Resolver Resolver

	// Guard protects CIDs held by in-flight reads; nil disables the check
	Guard *Guard

	// Live supplies extra live roots at sweep time, such as the CIDs of
	// in-flight exchange wants
	Live []func() []cid.CID

	// Logger for collection events; nil uses the standard logger
	Logger *logrus.Logger
}

// Result summarizes one collection run
type Result struct {
	// Live is the number of blocks reachable from the pin set
	Live int
	// Removed is the number of blocks deleted
	Removed int
	// Held is the number of unreachable blocks kept because a guard hold
	// or live hook protected them
	Held int
}

// GC is a mark-and-sweep collector over a blockstore. Mark walks the pin
// set (recursive pins through their links), sweep deletes every block not
// marked, not guarded and not named by a live hook.
type GC struct {
	store   blockstore.Blockstore
	pins    *Set
	resolve Resolver
	guard   *Guard
	live    []func() []cid.CID
	log     *logrus.Entry
}

// NewGC creates a collector over store and pins
func NewGC(store blockstore.Blockstore, pins *Set, cfg GCConfig) *GC {
	resolve := cfg.Resolver
	if resolve == nil {
		resolve = CBORLinks
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GC{
		store:   store,
		pins:    pins,
		resolve: resolve,
		guard:   cfg.Guard,
		live:    cfg.Live,
		log:     logger.WithField("component", "gc"),
	}
}

// Run performs one collection
func (g *GC) Run(ctx context.Context) (Result, error) {
	live, err := g.mark(ctx)
	if err != nil {
		return Result{}, err
	}
	return g.sweep(ctx, live)
}

// mark computes the live set from the pin roots
func (g *GC) mark(ctx context.Context) (map[cid.CID]struct{}, error) {
	live := make(map[cid.CID]struct{})
	for _, p := range g.pins.Pins() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch p.Mode {
		case ModeDirect:
			live[p.CID] = struct{}{}
		case ModeRecursive:
			if err := g.markRecursive(ctx, p.CID, live); err != nil {
				return nil, err
			}
		}
	}
	return live, nil
}

// markRecursive walks the link graph under root. A link whose target
// block is absent or undecodable is treated as a leaf: its CID stays
// live, its descendants are unknown.
func (g *GC) markRecursive(ctx context.Context, root cid.CID, live map[cid.CID]struct{}) error {
	stack := []cid.CID{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := live[c]; seen {
			continue
		}
		live[c] = struct{}{}

		blk, err := g.store.Get(ctx, c)
		if errors.Is(err, blockstore.ErrNotFound) {
			g.log.WithField("cid", c).Debug("pinned link target absent, skipping subtree")
			continue
		}
		if err != nil {
			return fmt.Errorf("gc mark read %s: %w", c, err)
		}
		links, err := g.resolve(ctx, blk)
		if err != nil {
			g.log.WithError(err).WithField("cid", c).Warn("unresolvable links, treating block as leaf")
			continue
		}
		stack = append(stack, links...)
	}
	return nil
}

// sweep deletes every stored block outside the live set
func (g *GC) sweep(ctx context.Context, live map[cid.CID]struct{}) (Result, error) {
	for _, hook := range g.live {
		for _, c := range hook() {
			live[c] = struct{}{}
		}
	}

	keys, err := g.store.AllKeys(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gc sweep: %w", err)
	}

	res := Result{Live: len(live)}
	for _, c := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, ok := live[c]; ok {
			continue
		}
		if g.guard != nil && g.guard.Busy(c) {
			res.Held++
			continue
		}
		if err := g.store.Delete(ctx, c); err != nil && !errors.Is(err, blockstore.ErrNotFound) {
			return res, fmt.Errorf("gc sweep delete %s: %w", c, err)
		}
		res.Removed++
	}
	g.log.WithFields(logrus.Fields{
		"live":    res.Live,
		"removed": res.Removed,
		"held":    res.Held,
	}).Info("collection complete")
	return res, nil
}
