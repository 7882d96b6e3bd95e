package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu       sync.Mutex
	trades   []*Trade
	statuses []*OrderStatusUpdate
	err      error
}

func (s *recordingStore) RecordTrade(_ context.Context, trade *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.trades = append(s.trades, trade)
	return nil
}

func (s *recordingStore) RecordOrderStatus(_ context.Context, update *OrderStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.statuses = append(s.statuses, update)
	return nil
}

func (s *recordingStore) LastIDs(context.Context, string) (uint64, uint64, error) {
	return 0, 0, nil
}

func (s *recordingStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades), len(s.statuses)
}

type recordingNotifier struct {
	name     string
	mu       sync.Mutex
	logs     []*BookLog
	failures atomic.Int32 // remaining calls that fail
	attempts atomic.Int32
	gate     chan struct{}
}

func (n *recordingNotifier) Name() string {
	return n.name
}

func (n *recordingNotifier) Notify(ctx context.Context, log *BookLog) error {
	n.attempts.Add(1)
	if n.gate != nil {
		select {
		case <-n.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n.failures.Load() > 0 {
		n.failures.Add(-1)
		return errors.New("downstream unavailable")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, log)
	return nil
}

func (n *recordingNotifier) received() []*BookLog {
	n.mu.Lock()
	defer n.mu.Unlock()
	logs := make([]*BookLog, len(n.logs))
	copy(logs, n.logs)
	return logs
}

func shutdownPipeline(t *testing.T, p *EventPipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func openLog(symbol string, seq uint64) *BookLog {
	return &BookLog{
		SequenceID: seq,
		Type:       LogTypeOpen,
		Symbol:     symbol,
		OrderID:    "o",
		Side:       Buy,
		Price:      d(100),
		Size:       d(1),
		Remaining:  d(1),
		Status:     StatusOpen,
	}
}

func TestEventPipeline(t *testing.T) {
	t.Run("persists before notifying", func(t *testing.T) {
		store := &recordingStore{}
		notifier := &recordingNotifier{name: "wallet"}
		pipeline := NewEventPipeline(store, WithPipelineCapacity(64), WithNotifiers(notifier))
		pipeline.Start()

		engine := NewMatchingEngine(pipeline)
		require.NoError(t, engine.CreateMarket(testSymbol, MarketConfig{}))

		ctx := context.Background()
		_, err := engine.SubmitOrder(ctx, limitReq("maker", Sell, 100, 2))
		require.NoError(t, err)
		_, err = engine.SubmitOrder(ctx, limitReq("taker", Buy, 100, 1))
		require.NoError(t, err)

		require.NoError(t, engine.Shutdown(ctx))
		shutdownPipeline(t, pipeline)

		trades, statuses := store.counts()
		assert.Equal(t, 1, trades)
		// admit, open, admit, match (maker and taker)
		assert.Equal(t, 5, statuses)

		logs := notifier.received()
		require.Len(t, logs, 4)
		for i, log := range logs {
			assert.Equal(t, uint64(i+1), log.SequenceID)
		}
		assert.Equal(t, int64(0), pipeline.Backlog())
	})

	t.Run("persist failure halts the symbol only", func(t *testing.T) {
		store := &recordingStore{err: errors.New("disk full")}
		notifier := &recordingNotifier{name: "wallet"}

		var failed []string
		var mu sync.Mutex
		pipeline := NewEventPipeline(store,
			WithPipelineCapacity(16),
			WithPersistRetry(3, 0),
			WithNotifiers(notifier),
			OnPersistFailure(func(symbol string, _ *BookLog, err error) {
				mu.Lock()
				defer mu.Unlock()
				failed = append(failed, symbol)
			}),
		)

		// drive the consumer directly so the store can be fixed between events
		pipeline.OnEvent(openLog("BTC-USDT", 1))
		store.mu.Lock()
		store.err = nil
		store.mu.Unlock()
		pipeline.OnEvent(openLog("BTC-USDT", 2))
		pipeline.OnEvent(openLog("ETH-USDT", 1))

		pipeline.Start()
		shutdownPipeline(t, pipeline)

		assert.Equal(t, []string{"BTC-USDT"}, failed)
		_, statuses := store.counts()
		assert.Equal(t, 1, statuses)

		logs := notifier.received()
		require.Len(t, logs, 1)
		assert.Equal(t, "ETH-USDT", logs[0].Symbol)
	})

	t.Run("failed store halts the book through the hook", func(t *testing.T) {
		store := &recordingStore{err: errors.New("disk full")}
		var engine *MatchingEngine
		pipeline := NewEventPipeline(store,
			WithPipelineCapacity(16),
			WithPersistRetry(1, 0),
			OnPersistFailure(func(symbol string, _ *BookLog, err error) {
				_ = engine.HaltMarket(symbol, err)
			}),
		)
		t.Cleanup(func() { shutdownPipeline(t, pipeline) })
		engine = newTestEngine(t, pipeline)
		pipeline.Start()
		require.NoError(t, engine.CreateMarket(testSymbol, MarketConfig{}))

		_, err := engine.SubmitOrder(context.Background(), limitReq("o", Buy, 100, 1))
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return engine.OrderBook(testSymbol).State() == StateHalted
		}, time.Second, 10*time.Millisecond)

		_, err = engine.SubmitOrder(context.Background(), limitReq("p", Buy, 100, 1))
		assert.ErrorIs(t, err, ErrEngineUnavailable)
	})

	t.Run("notifier retries", func(t *testing.T) {
		notifier := &recordingNotifier{name: "flaky"}
		notifier.failures.Store(2)
		pipeline := NewEventPipeline(nil, WithPipelineCapacity(16), WithNotifierRetry(3, 0), WithNotifiers(notifier))
		pipeline.Start()

		pipeline.Publish(openLog(testSymbol, 1))
		shutdownPipeline(t, pipeline)

		assert.Equal(t, int32(3), notifier.attempts.Load())
		assert.Len(t, notifier.received(), 1)
	})

	t.Run("slow notifier catches up without blocking others", func(t *testing.T) {
		slow := &recordingNotifier{name: "slow", gate: make(chan struct{})}
		fast := &recordingNotifier{name: "fast"}
		pipeline := NewEventPipeline(nil,
			WithPipelineCapacity(64),
			WithNotifierQueue(1),
			WithNotifiers(slow, fast),
		)
		pipeline.Start()

		for seq := uint64(1); seq <= 10; seq++ {
			pipeline.Publish(openLog(testSymbol, seq))
			require.Eventually(t, func() bool {
				return len(fast.received()) == int(seq)
			}, time.Second, time.Millisecond)
		}
		assert.Empty(t, slow.received())

		close(slow.gate)
		shutdownPipeline(t, pipeline)

		logs := slow.received()
		require.Len(t, logs, 10)
		for i, log := range logs {
			assert.Equal(t, uint64(i+1), log.SequenceID)
		}
	})

	t.Run("failing notifier is retried until it recovers", func(t *testing.T) {
		flaky := &recordingNotifier{name: "flaky"}
		flaky.failures.Store(7)
		pipeline := NewEventPipeline(nil, WithPipelineCapacity(16), WithNotifierRetry(2, 0), WithNotifiers(flaky))
		pipeline.Start()

		pipeline.Publish(openLog(testSymbol, 1), openLog(testSymbol, 2))
		shutdownPipeline(t, pipeline)

		logs := flaky.received()
		require.Len(t, logs, 2)
		assert.Equal(t, uint64(1), logs[0].SequenceID)
		assert.Equal(t, uint64(2), logs[1].SequenceID)
		assert.Equal(t, int32(9), flaky.attempts.Load())
	})

	t.Run("undeliverable event is skipped", func(t *testing.T) {
		view := NewDepthView()
		pipeline := NewEventPipeline(nil, WithPipelineCapacity(16), WithNotifiers(view))
		pipeline.Start()

		// seq 3 cannot follow an empty view
		pipeline.Publish(openLog(testSymbol, 3))
		shutdownPipeline(t, pipeline)

		_, err := view.Depth(testSymbol, 10)
		require.NoError(t, err)
		assert.Zero(t, view.book(testSymbol, false).SequenceID())
	})

	t.Run("shutdown reports what a dead notifier still holds", func(t *testing.T) {
		dead := &recordingNotifier{name: "dead"}
		dead.failures.Store(1 << 20)
		pipeline := NewEventPipeline(nil, WithPipelineCapacity(16), WithNotifierRetry(1, 0), WithNotifiers(dead))
		pipeline.Start()

		pipeline.Publish(openLog(testSymbol, 1), openLog(testSymbol, 2))

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		err := pipeline.Shutdown(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "notifier dead: 2 events undelivered")
		assert.Empty(t, dead.received())
	})
}

func TestRetryPolicy(t *testing.T) {
	var calls, retries int
	err := retryPolicy{attempts: 3}.do(func() error {
		calls++
		return errors.New("nope")
	}, func(int, error) {
		retries++
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)

	calls = 0
	err = retryPolicy{}.do(func() error {
		calls++
		return nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = retryPolicy{attempts: 5}.do(func() error {
		calls++
		return fmt.Errorf("%w: bad payload", ErrUndeliverable)
	}, nil)
	assert.ErrorIs(t, err, ErrUndeliverable)
	assert.Equal(t, 1, calls)
}

func TestDepthViewFollowsBook(t *testing.T) {
	view := NewDepthView()
	pipeline := NewEventPipeline(nil, WithPipelineCapacity(256), WithNotifiers(view))
	pipeline.Start()

	engine := NewMatchingEngine(pipeline)
	require.NoError(t, engine.CreateMarket(testSymbol, MarketConfig{}))

	ctx := context.Background()
	for _, req := range []OrderRequest{
		limitReq("b1", Buy, 100, 2),
		limitReq("b2", Buy, 99, 3),
		limitReq("s1", Sell, 102, 4),
		limitReq("s2", Sell, 101, 1),
		limitReq("x", Sell, 100, 1),
		marketReq("m", Buy, 2),
	} {
		_, err := engine.SubmitOrder(ctx, req)
		require.NoError(t, err)
	}
	_, err := engine.ReduceOrder(ctx, testSymbol, "b2", d(1))
	require.NoError(t, err)
	_, err = engine.HandleOrderCancellation(ctx, testSymbol, "b1")
	require.NoError(t, err)

	want, err := engine.Depth(testSymbol, 10)
	require.NoError(t, err)

	require.NoError(t, engine.Shutdown(ctx))
	shutdownPipeline(t, pipeline)

	got, err := view.Depth(testSymbol, 10)
	require.NoError(t, err)
	assert.Equal(t, want.UpdateID, got.UpdateID)
	require.Len(t, got.Bids, len(want.Bids))
	require.Len(t, got.Asks, len(want.Asks))
	for i := range want.Bids {
		assert.True(t, want.Bids[i].Price.Equal(got.Bids[i].Price))
		assert.True(t, want.Bids[i].Size.Equal(got.Bids[i].Size))
	}
	for i := range want.Asks {
		assert.True(t, want.Asks[i].Price.Equal(got.Asks[i].Price))
		assert.True(t, want.Asks[i].Size.Equal(got.Asks[i].Size))
	}
	assert.Equal(t, []string{testSymbol}, view.Symbols())
}
