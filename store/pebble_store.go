package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	match "github.com/0x5487/exchange-matcher"
	"github.com/cockroachdb/pebble"
)

// PebbleStore records trades and order status transitions in a Pebble database.
type PebbleStore struct {
	mu sync.Mutex // serializes check-then-write
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	return OpenPebbleStore(path, &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		BytesPerSync: 512 << 10,
	})
}

// OpenPebbleStore opens a Pebble database with explicit options (tests pass an in-memory FS).
func OpenPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func tradeKey(symbol string, id uint64) []byte {
	return []byte(fmt.Sprintf("t/%s/%020d", symbol, id))
}

func tradePrefix(symbol string) []byte {
	return []byte("t/" + symbol + "/")
}

func statusKey(symbol string, seq uint64, orderID string) []byte {
	return []byte(fmt.Sprintf("s/%s/%020d/%s", symbol, seq, orderID))
}

func statusPrefix(symbol string) []byte {
	return []byte("s/" + symbol + "/")
}

func latestKey(symbol, orderID string) []byte {
	return []byte("o/" + symbol + "/" + orderID)
}

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

// RecordTrade implements match.EventStore.
func (s *PebbleStore) RecordTrade(ctx context.Context, trade *match.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tradeKey(trade.Symbol, trade.ID)
	exists, err := s.has(key)
	if err != nil {
		return fmt.Errorf("failed to read trade: %w", err)
	}
	if exists {
		return nil
	}

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// RecordOrderStatus implements match.EventStore.
func (s *PebbleStore) RecordOrderStatus(ctx context.Context, update *match.OrderStatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(update.Symbol, update.SequenceID, update.OrderID)
	exists, err := s.has(key)
	if err != nil {
		return fmt.Errorf("failed to read order status: %w", err)
	}
	if exists {
		return nil
	}

	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal order status: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, data, nil); err != nil {
		return err
	}

	prev, err := s.orderStatus(update.Symbol, update.OrderID)
	switch {
	case errors.Is(err, match.ErrNotFound):
		err = batch.Set(latestKey(update.Symbol, update.OrderID), data, nil)
	case err != nil:
		return err
	case advances(prev, update):
		err = batch.Set(latestKey(update.Symbol, update.OrderID), data, nil)
	}
	if err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order status: %w", err)
	}
	return nil
}

// OrderStatus returns the latest recorded status of an order in symbol.
func (s *PebbleStore) OrderStatus(ctx context.Context, symbol, orderID string) (*match.OrderStatusUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.orderStatus(symbol, orderID)
}

func (s *PebbleStore) orderStatus(symbol, orderID string) (*match.OrderStatusUpdate, error) {
	data, closer, err := s.db.Get(latestKey(symbol, orderID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, match.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order status: %w", err)
	}
	defer closer.Close()

	var update match.OrderStatusUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order status: %w", err)
	}
	return &update, nil
}

// Trades returns up to limit trades of symbol with an id greater than afterID, oldest first.
func (s *PebbleStore) Trades(ctx context.Context, symbol string, afterID uint64, limit int) ([]match.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: tradeKey(symbol, afterID+1),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	trades := make([]match.Trade, 0)
	for iter.First(); iter.Valid() && len(trades) < limit; iter.Next() {
		var trade match.Trade
		if err := json.Unmarshal(iter.Value(), &trade); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade %s: %w", iter.Key(), err)
		}
		trades = append(trades, trade)
	}
	return trades, iter.Error()
}

// LastIDs implements match.IDSource. Keys are zero padded, so the last key
// under each prefix holds the highest id.
func (s *PebbleStore) LastIDs(ctx context.Context, symbol string) (tradeID, seqID uint64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	var trade match.Trade
	if err := s.last(tradePrefix(symbol), &trade); err != nil {
		return 0, 0, fmt.Errorf("failed to read last trade: %w", err)
	}
	var update match.OrderStatusUpdate
	if err := s.last(statusPrefix(symbol), &update); err != nil {
		return 0, 0, fmt.Errorf("failed to read last order status: %w", err)
	}
	return trade.ID, update.SequenceID, nil
}

// last decodes the value of the greatest key with prefix into v. v is untouched when there is none.
func (s *PebbleStore) last(prefix []byte, v any) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	if iter.Last() {
		if err := json.Unmarshal(iter.Value(), v); err != nil {
			return fmt.Errorf("unmarshal %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}

// StatusHistory returns up to limit status transitions of symbol after sequence afterSeq, in sequence order.
func (s *PebbleStore) StatusHistory(ctx context.Context, symbol string, afterSeq uint64, limit int) ([]match.OrderStatusUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := statusPrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(fmt.Sprintf("s/%s/%020d/", symbol, afterSeq+1)),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	updates := make([]match.OrderStatusUpdate, 0)
	for iter.First(); iter.Valid() && len(updates) < limit; iter.Next() {
		var update match.OrderStatusUpdate
		if err := json.Unmarshal(iter.Value(), &update); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order status %s: %w", iter.Key(), err)
		}
		updates = append(updates, update)
	}
	return updates, iter.Error()
}

var _ match.EventStore = (*PebbleStore)(nil)
