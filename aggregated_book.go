package match

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"
)

// AggregatedBook maintains a simplified view of the order book,
// tracking only price levels and their aggregated sizes (depth).
// It is designed for downstream services that need to rebuild
// order book state from BookLog events.
type AggregatedBook struct {
	mu    sync.RWMutex
	seqID uint64 // Last processed SequenceID for gap detection and deduplication
	ask   *treemap.TreeMap[decimal.Decimal, decimal.Decimal]
	bid   *treemap.TreeMap[decimal.Decimal, decimal.Decimal]
}

// NewAggregatedBook creates a new AggregatedBook instance with empty ask and bid sides.
func NewAggregatedBook() *AggregatedBook {
	return &AggregatedBook{
		ask: newLevelMap(false),
		bid: newLevelMap(true),
	}
}

func newLevelMap(descending bool) *treemap.TreeMap[decimal.Decimal, decimal.Decimal] {
	return treemap.NewWithKeyCompare[decimal.Decimal, decimal.Decimal](func(a, b decimal.Decimal) bool {
		if descending {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	})
}

// SequenceID returns the last processed sequence ID.
func (ab *AggregatedBook) SequenceID() uint64 {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return ab.seqID
}

// Replay applies a BookLog event to update the aggregated book state.
// Already applied sequence ids are ignored. A skipped sequence id returns ErrSequenceGap
// and leaves the book untouched; the caller must rebuild.
func (ab *AggregatedBook) Replay(log *BookLog) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if log.SequenceID <= ab.seqID {
		return nil
	}
	if log.SequenceID != ab.seqID+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, ab.seqID+1, log.SequenceID)
	}

	change := CalculateDepthChange(log)
	if !change.SizeDiff.IsZero() {
		ab.apply(change)
	}
	ab.seqID = log.SequenceID
	return nil
}

func (ab *AggregatedBook) apply(change DepthChange) {
	levels := ab.ask
	if change.Side == Buy {
		levels = ab.bid
	}

	current, _ := levels.Get(change.Price)
	next := current.Add(change.SizeDiff)
	if next.IsPositive() {
		levels.Set(change.Price, next)
		return
	}
	levels.Del(change.Price)
}

// OnRebuild resets the book to a known state, for example from a depth snapshot,
// before replaying later events.
func (ab *AggregatedBook) OnRebuild(seqID uint64, bids, asks []DepthItem) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	ab.seqID = seqID
	ab.bid = newLevelMap(true)
	ab.ask = newLevelMap(false)
	for _, item := range bids {
		ab.bid.Set(item.Price, item.Size)
	}
	for _, item := range asks {
		ab.ask.Set(item.Price, item.Size)
	}
}

// Depth returns the aggregated size at a specific price level for the given side.
// Returns zero if the price level does not exist.
func (ab *AggregatedBook) Depth(side Side, price decimal.Decimal) decimal.Decimal {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	levels := ab.ask
	if side == Buy {
		levels = ab.bid
	}
	size, ok := levels.Get(price)
	if !ok {
		return decimal.Zero
	}
	return size
}

// Levels returns up to limit levels per side, best price first.
func (ab *AggregatedBook) Levels(limit int) (bids, asks []DepthItem) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return collectLevels(ab.bid, limit), collectLevels(ab.ask, limit)
}

func collectLevels(levels *treemap.TreeMap[decimal.Decimal, decimal.Decimal], limit int) []DepthItem {
	items := make([]DepthItem, 0, min(limit, levels.Len()))
	for it := levels.Iterator(); it.Valid() && len(items) < limit; it.Next() {
		items = append(items, DepthItem{Price: it.Key(), Size: it.Value()})
	}
	return items
}

// DepthView keeps an AggregatedBook per symbol from the event stream.
// It implements Notifier so the pipeline can feed it after persistence.
type DepthView struct {
	mu    sync.RWMutex
	books map[string]*AggregatedBook
}

// NewDepthView creates an empty DepthView.
func NewDepthView() *DepthView {
	return &DepthView{books: make(map[string]*AggregatedBook)}
}

// Name implements Notifier.
func (v *DepthView) Name() string {
	return "depth_view"
}

// Notify implements Notifier.
func (v *DepthView) Notify(_ context.Context, log *BookLog) error {
	if err := v.book(log.Symbol, true).Replay(log); err != nil {
		logger.Error("depth view out of sync", "symbol", log.Symbol, "seq_id", log.SequenceID, "error", err)
		// only a Rebuild brings the symbol back
		return fmt.Errorf("%w: %w", ErrUndeliverable, err)
	}
	return nil
}

func (v *DepthView) book(symbol string, create bool) *AggregatedBook {
	v.mu.RLock()
	book, ok := v.books[symbol]
	v.mu.RUnlock()
	if ok || !create {
		return book
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if book, ok = v.books[symbol]; !ok {
		book = NewAggregatedBook()
		v.books[symbol] = book
	}
	return book
}

// Depth returns the aggregated levels of symbol, or ErrMarketNotFound if no event was seen for it.
func (v *DepthView) Depth(symbol string, limit int) (*Depth, error) {
	book := v.book(symbol, false)
	if book == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	bids, asks := book.Levels(limit)
	return &Depth{
		Symbol:   symbol,
		UpdateID: book.SequenceID(),
		Bids:     bids,
		Asks:     asks,
	}, nil
}

// Symbols lists the symbols the view has seen.
func (v *DepthView) Symbols() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	symbols := make([]string, 0, len(v.books))
	for symbol := range v.books {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Rebuild resets the view of a symbol from a full book snapshot,
// so events after the snapshot replay without a gap.
func (v *DepthView) Rebuild(snap *OrderBookSnapshot) {
	v.book(snap.Symbol, true).OnRebuild(snap.SeqID, aggregateLevels(snap.Bids), aggregateLevels(snap.Asks))
}

// aggregateLevels sums resting size per price. Orders arrive in priority order,
// so equal prices are adjacent.
func aggregateLevels(orders []Order) []DepthItem {
	items := make([]DepthItem, 0)
	for i := range orders {
		order := &orders[i]
		if n := len(items); n > 0 && items[n-1].Price.Equal(order.Price) {
			items[n-1].Size = items[n-1].Size.Add(order.Remaining)
			items[n-1].Count++
			continue
		}
		items = append(items, DepthItem{Price: order.Price, Size: order.Remaining, Count: 1})
	}
	return items
}
