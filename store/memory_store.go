package store

import (
	"context"
	"sort"
	"sync"

	match "github.com/0x5487/exchange-matcher"
)

type statusKeyMem struct {
	seq     uint64
	orderID string
}

type orderKeyMem struct {
	symbol  string
	orderID string
}

// MemoryStore is an in-memory EventStore with the same idempotence rules as PebbleStore.
type MemoryStore struct {
	mu      sync.RWMutex
	trades  map[string]map[uint64]match.Trade
	history map[string]map[statusKeyMem]match.OrderStatusUpdate
	latest  map[orderKeyMem]match.OrderStatusUpdate
	writes  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:  make(map[string]map[uint64]match.Trade),
		history: make(map[string]map[statusKeyMem]match.OrderStatusUpdate),
		latest:  make(map[orderKeyMem]match.OrderStatusUpdate),
	}
}

// RecordTrade implements match.EventStore.
func (s *MemoryStore) RecordTrade(ctx context.Context, trade *match.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol, ok := s.trades[trade.Symbol]
	if !ok {
		bySymbol = make(map[uint64]match.Trade)
		s.trades[trade.Symbol] = bySymbol
	}
	if _, exists := bySymbol[trade.ID]; exists {
		return nil
	}
	bySymbol[trade.ID] = *trade
	s.writes++
	return nil
}

// RecordOrderStatus implements match.EventStore.
func (s *MemoryStore) RecordOrderStatus(ctx context.Context, update *match.OrderStatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol, ok := s.history[update.Symbol]
	if !ok {
		bySymbol = make(map[statusKeyMem]match.OrderStatusUpdate)
		s.history[update.Symbol] = bySymbol
	}
	key := statusKeyMem{seq: update.SequenceID, orderID: update.OrderID}
	if _, exists := bySymbol[key]; exists {
		return nil
	}
	bySymbol[key] = *update
	s.writes++

	order := orderKeyMem{symbol: update.Symbol, orderID: update.OrderID}
	prev, ok := s.latest[order]
	if !ok || advances(&prev, update) {
		s.latest[order] = *update
	}
	return nil
}

// OrderStatus returns the latest recorded status of an order in symbol.
func (s *MemoryStore) OrderStatus(_ context.Context, symbol, orderID string) (*match.OrderStatusUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	update, ok := s.latest[orderKeyMem{symbol: symbol, orderID: orderID}]
	if !ok {
		return nil, match.ErrNotFound
	}
	return &update, nil
}

// Trades returns up to limit trades of symbol with an id greater than afterID, oldest first.
func (s *MemoryStore) Trades(_ context.Context, symbol string, afterID uint64, limit int) ([]match.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]match.Trade, 0)
	for id, trade := range s.trades[symbol] {
		if id > afterID {
			trades = append(trades, trade)
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ID < trades[j].ID
	})
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// LastIDs implements match.IDSource.
func (s *MemoryStore) LastIDs(ctx context.Context, symbol string) (tradeID, seqID uint64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id := range s.trades[symbol] {
		tradeID = max(tradeID, id)
	}
	for key := range s.history[symbol] {
		seqID = max(seqID, key.seq)
	}
	return tradeID, seqID, nil
}

// Writes returns how many records were actually stored, excluding duplicates.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

var _ match.EventStore = (*MemoryStore)(nil)
