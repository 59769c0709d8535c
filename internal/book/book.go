// Package book maintains a single asset's limit order book: two
// price-ordered sides, sequence-gated delta/snapshot application, and the
// derived quantities (touch, spread, mid, market impact) strategies read.
//
// Each Book owns its own lock. Level mutation happens exclusively through
// ApplyDelta, ApplyDeltaBatch and ApplySnapshot, each of which commits
// atomically: a reader
// calling a Best*/Snapshot accessor never observes a half-applied update.
package book

import (
	"errors"
	"sync"

	"github.com/google/btree"
	"github.com/holiman/uint256"

	"polybook/pkg/fixedpoint"
)

// Side tags which side of the book a level belongs to.
type Side uint8

const (
	Buy Side = iota
	Sell
)

// Opposite returns the other side, used when walking the book to price a
// taker order against resting liquidity.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// ErrUnfillable is returned by CalculateMarketImpact when the visible book
// does not hold enough depth to satisfy the requested size.
var ErrUnfillable = errors.New("book: insufficient depth to fill requested size")

// Level is a single (price, size) pair on one side of the book.
type Level struct {
	Price fixedpoint.P
	Qty   fixedpoint.Q
}

// Snapshot is a point-in-time, independent copy of a book's state.
type Snapshot struct {
	AssetID   string
	Sequence  uint64
	Timestamp uint64
	Hash      string
	Bids      []Level
	Asks      []Level
}

// MarketImpact summarizes the cost of marketably filling a given size.
type MarketImpact struct {
	AvgPrice   fixedpoint.P
	ImpactPct  int64 // signed, four implied fractional digits (see fixedpoint.SpreadPct)
	TotalCost  *uint256.Int
	SizeFilled fixedpoint.Q
}

// level is the value stored in both a side's btree and its fast-path index.
// The two structures share the same pointer, so updating qty in place is
// visible through either without touching the tree.
type level struct {
	price fixedpoint.P
	qty   fixedpoint.Q
}

const btreeDegree = 32

// side is one ordered half of the book: a btree for min/max/ordered
// iteration plus a map for O(1) existing-price mutation.
type side struct {
	levels map[fixedpoint.P]*level
	tree   *btree.BTreeG[*level]
}

func newSide(less btree.LessFunc[*level]) *side {
	return &side{
		levels: make(map[fixedpoint.P]*level),
		tree:   btree.NewG(btreeDegree, less),
	}
}

// set inserts or replaces the level at p. An existing price is mutated in
// place (no btree touch); a new price is the only path that allocates and
// walks the tree.
func (s *side) set(p fixedpoint.P, q fixedpoint.Q) {
	if lv, ok := s.levels[p]; ok {
		lv.qty = q
		return
	}
	lv := &level{price: p, qty: q}
	s.levels[p] = lv
	s.tree.ReplaceOrInsert(lv)
}

func (s *side) remove(p fixedpoint.P) {
	lv, ok := s.levels[p]
	if !ok {
		return
	}
	delete(s.levels, p)
	s.tree.Delete(lv)
}

func (s *side) clear() {
	clear(s.levels)
	s.tree.Clear(true)
}

// best and worst are uniform across sides because the bid side's Less is
// installed in descending-price order: Min() is always the best (touch)
// level and Max() is always the worst (trim candidate) level, for both
// bids and asks.
func (s *side) best() (*level, bool) { return s.tree.Min() }
func (s *side) worst() (*level, bool) { return s.tree.Max() }

func collect(s *side, depth int) []Level {
	out := make([]Level, 0, s.tree.Len())
	s.tree.Ascend(func(lv *level) bool {
		out = append(out, Level{Price: lv.price, Qty: lv.qty})
		return depth <= 0 || len(out) < depth
	})
	return out
}

// Book is the order book for a single asset.
type Book struct {
	mu sync.RWMutex

	assetID   string
	maxDepth  int
	sequence  uint64
	timestamp uint64
	hash      string
	tickSize  fixedpoint.P
	hasTick   bool

	bids *side
	asks *side
}

// New creates an empty book for assetID. maxDepth <= 0 means unbounded.
func New(assetID string, maxDepth int) *Book {
	return &Book{
		assetID:  assetID,
		maxDepth: maxDepth,
		bids:     newSide(func(a, b *level) bool { return a.price > b.price }),
		asks:     newSide(func(a, b *level) bool { return a.price < b.price }),
	}
}

func (b *Book) AssetID() string { return b.assetID }

func (b *Book) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

func (b *Book) Timestamp() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.timestamp
}

func (b *Book) Hash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hash
}

func (b *Book) TickSize() (fixedpoint.P, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tickSize, b.hasTick
}

// SetTickSize records the market's tick size for later validity checks. It
// does not retroactively validate existing levels.
func (b *Book) SetTickSize(t fixedpoint.P) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickSize = t
	b.hasTick = true
}

// ApplyDelta applies a single (side, price, qty) change at the given
// sequence number. It returns false (stale, a no-op) when seq does not
// advance the book's sequence; a qty of zero removes the level.
func (b *Book) ApplyDelta(s Side, p fixedpoint.P, q fixedpoint.Q, seq, ts uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.sequence {
		return false
	}
	b.sequence = seq
	b.timestamp = ts
	b.applyLevelLocked(s, p, q)
	return true
}

// DeltaChange is one (side, price, qty) update within a single price_change
// message. A batch of these shares one sequence number: the wire format has
// no per-change sequence, only a per-message one.
type DeltaChange struct {
	Side  Side
	Price fixedpoint.P
	Qty   fixedpoint.Q
}

// ApplyDeltaBatch applies every change in changes under a single sequence
// gate: seq is checked once against the book's sequence, not once per
// change, so a multi-change message does not self-invalidate after its
// first change advances the sequence. It returns false (stale, a no-op)
// when seq does not advance the book's sequence; none of changes are
// applied in that case.
func (b *Book) ApplyDeltaBatch(changes []DeltaChange, seq, ts uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.sequence {
		return false
	}
	b.sequence = seq
	b.timestamp = ts
	for _, c := range changes {
		b.applyLevelLocked(c.Side, c.Price, c.Qty)
	}
	return true
}

func (b *Book) applyLevelLocked(s Side, p fixedpoint.P, q fixedpoint.Q) {
	sd := b.sideFor(s)
	if q == 0 {
		sd.remove(p)
		return
	}
	sd.set(p, q)
	b.trimLocked(sd)
}

func (b *Book) sideFor(s Side) *side {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

// trimLocked drops the worst level repeatedly until the side is within
// maxDepth. It never removes the touch level: trimming only fires when the
// side holds strictly more than maxDepth entries, so at least one level
// (the touch) always survives alongside it.
func (b *Book) trimLocked(sd *side) {
	if b.maxDepth <= 0 {
		return
	}
	for sd.tree.Len() > b.maxDepth {
		worst, ok := sd.worst()
		if !ok {
			return
		}
		sd.remove(worst.price)
	}
}

// ApplySnapshot replaces both sides atomically. It is a no-op (stale) when
// seq does not advance the book's sequence. Input order is irrelevant: best
// is always computed as min/max over the inserted levels, not positionally.
func (b *Book) ApplySnapshot(bids, asks []Level, seq, ts uint64, hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.sequence {
		return false
	}
	b.sequence = seq
	b.timestamp = ts
	b.hash = hash

	b.bids.clear()
	b.asks.clear()
	for _, lv := range bids {
		if lv.Qty == 0 {
			continue
		}
		b.bids.set(lv.Price, lv.Qty)
	}
	for _, lv := range asks {
		if lv.Qty == 0 {
			continue
		}
		b.asks.set(lv.Price, lv.Qty)
	}
	b.trimLocked(b.bids)
	b.trimLocked(b.asks)
	return true
}

func (b *Book) BestBid() (fixedpoint.P, fixedpoint.Q, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lv, ok := b.bids.best()
	if !ok {
		return 0, 0, false
	}
	return lv.price, lv.qty, true
}

func (b *Book) BestAsk() (fixedpoint.P, fixedpoint.Q, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lv, ok := b.asks.best()
	if !ok {
		return 0, 0, false
	}
	return lv.price, lv.qty, true
}

// Spread returns ask-bid as an absolute price difference. It returns false
// when either side is empty or the book is crossed/touching.
func (b *Book) Spread() (fixedpoint.P, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bidLv, okBid := b.bids.best()
	askLv, okAsk := b.asks.best()
	if !okBid || !okAsk || askLv.price <= bidLv.price {
		return 0, false
	}
	return askLv.price - bidLv.price, true
}

// Mid returns the integer mean of best bid and best ask, rounded toward
// zero, per fixedpoint.Mid.
func (b *Book) Mid() (fixedpoint.P, bool) {
	b.mu.RLock()
	bidLv, okBid := b.bids.best()
	askLv, okAsk := b.asks.best()
	b.mu.RUnlock()
	if !okBid || !okAsk {
		return 0, false
	}
	return fixedpoint.Mid(bidLv.price, askLv.price)
}

// Bids returns up to depth levels best-first (highest price first).
// depth <= 0 returns every level.
func (b *Book) Bids(depth int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return collect(b.bids, depth)
}

// Asks returns up to depth levels best-first (lowest price first).
// depth <= 0 returns every level.
func (b *Book) Asks(depth int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return collect(b.asks, depth)
}

// Snapshot returns an independent copy of the book's current state.
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		AssetID:   b.assetID,
		Sequence:  b.sequence,
		Timestamp: b.timestamp,
		Hash:      b.hash,
		Bids:      collect(b.bids, 0),
		Asks:      collect(b.asks, 0),
	}
}

// IsValid reports I1: best_bid < best_ask whenever both sides are non-empty.
func (b *Book) IsValid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bidLv, okBid := b.bids.best()
	askLv, okAsk := b.asks.best()
	if okBid && okAsk && bidLv.price >= askLv.price {
		return false
	}
	return true
}

// IsStale reports whether the book's timestamp is older than maxAge
// relative to now (both in microseconds).
func (b *Book) IsStale(nowMicros, maxAgeMicros uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if nowMicros <= b.timestamp {
		return false
	}
	return nowMicros-b.timestamp > maxAgeMicros
}

// CalculateMarketImpact walks the side opposite s from the touch outward,
// accumulating filled size and notional cost until qty is satisfied. It
// returns ErrUnfillable if the visible book cannot cover qty.
func (b *Book) CalculateMarketImpact(s Side, qty fixedpoint.Q) (MarketImpact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	opposite := b.sideFor(s.Opposite())
	touchLv, ok := opposite.best()
	if !ok {
		return MarketImpact{}, ErrUnfillable
	}
	touch := touchLv.price

	remaining := qty
	var filled fixedpoint.Q
	cost := new(uint256.Int)
	opposite.tree.Ascend(func(lv *level) bool {
		if remaining == 0 {
			return false
		}
		take := lv.qty
		if take > remaining {
			take = remaining
		}
		cost.Add(cost, fixedpoint.Notional(lv.price, take))
		filled += take
		remaining -= take
		return remaining > 0
	})
	if remaining > 0 {
		return MarketImpact{}, ErrUnfillable
	}

	avg := avgPrice(cost, filled)
	return MarketImpact{
		AvgPrice:   avg,
		ImpactPct:  impactPct(touch, avg),
		TotalCost:  cost,
		SizeFilled: filled,
	}, nil
}

func avgPrice(cost *uint256.Int, filled fixedpoint.Q) fixedpoint.P {
	if filled == 0 {
		return 0
	}
	q := new(uint256.Int).Div(cost, uint256.NewInt(uint64(filled)))
	return fixedpoint.P(q.Uint64())
}

func impactPct(touch, avg fixedpoint.P) int64 {
	if touch == 0 {
		return 0
	}
	diff := int64(avg) - int64(touch)
	if diff < 0 {
		diff = -diff
	}
	return diff * fixedpoint.Scale / int64(touch)
}
