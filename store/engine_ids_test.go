package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	match "github.com/0x5487/exchange-matcher"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine   *match.MatchingEngine
	pipeline *match.EventPipeline
	view     *match.DepthView
}

func newHarness(s *MemoryStore) *harness {
	view := match.NewDepthView()
	pipeline := match.NewEventPipeline(s, match.WithPipelineCapacity(256), match.WithNotifiers(view))
	pipeline.Start()
	engine := match.NewMatchingEngine(pipeline,
		match.WithIDSource(s),
		match.OnMarketOpened(view.Rebuild),
	)
	return &harness{engine: engine, pipeline: pipeline, view: view}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))
	require.NoError(t, h.pipeline.Shutdown(ctx))
}

func (h *harness) trade(t *testing.T, makerID, takerID string, price, qty int64) match.Trade {
	t.Helper()
	ctx := context.Background()

	req := func(id string, side match.Side) match.OrderRequest {
		return match.OrderRequest{
			ID:       id,
			Symbol:   "BTC-USDT",
			Side:     side,
			Type:     match.Limit,
			Price:    decimal.NewFromInt(price),
			Quantity: decimal.NewFromInt(qty),
			Owner:    match.UserOwner("owner-" + id),
		}
	}
	_, err := h.engine.SubmitOrder(ctx, req(makerID, match.Sell))
	require.NoError(t, err)
	result, err := h.engine.SubmitOrder(ctx, req(takerID, match.Buy))
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	return result.Trades[0]
}

// assertViewInSync checks the depth view caught up with the book without a sequence gap.
func assertViewInSync(t *testing.T, h *harness, wantSeq uint64) {
	t.Helper()
	got, err := h.view.Depth("BTC-USDT", 10)
	require.NoError(t, err)
	assert.Equal(t, wantSeq, got.UpdateID)
}

func TestRecreatedMarketContinuesIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	h := newHarness(s)

	require.NoError(t, h.engine.CreateMarket("BTC-USDT", match.MarketConfig{}))
	first := h.trade(t, "a1", "a2", 100, 1)

	_, err := h.engine.CloseMarket(ctx, "BTC-USDT")
	require.NoError(t, err)
	require.NoError(t, h.engine.CreateMarket("BTC-USDT", match.MarketConfig{}))
	second := h.trade(t, "b1", "b2", 200, 3)
	assert.Greater(t, second.ID, first.ID)

	depth, err := h.engine.Depth("BTC-USDT", 10)
	require.NoError(t, err)
	h.stop(t)

	trades, err := s.Trades(ctx, "BTC-USDT", 0, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "a1", trades[0].MakerOrderID)
	assert.Equal(t, "b1", trades[1].MakerOrderID)
	assert.True(t, trades[1].Quantity.Equal(decimal.NewFromInt(3)))

	assertViewInSync(t, h, depth.UpdateID)

	_, seqID, err := s.LastIDs(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, depth.UpdateID, seqID)
}

func TestRestoreFromStaleSnapshotContinuesIDs(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "snapshot")
	s := NewMemoryStore()

	before := newHarness(s)
	require.NoError(t, before.engine.CreateMarket("BTC-USDT", match.MarketConfig{}))
	before.trade(t, "a1", "a2", 100, 1)
	_, err := before.engine.TakeSnapshot(ctx, dir)
	require.NoError(t, err)
	// persisted after the snapshot, then the process stops
	lost := before.trade(t, "c1", "c2", 101, 2)
	before.stop(t)

	after := newHarness(s)
	_, err = after.engine.RestoreFromSnapshot(dir)
	require.NoError(t, err)
	next := after.trade(t, "d1", "d2", 102, 1)
	assert.Equal(t, lost.ID+1, next.ID)

	depth, err := after.engine.Depth("BTC-USDT", 10)
	require.NoError(t, err)
	after.stop(t)

	trades, err := s.Trades(ctx, "BTC-USDT", 0, 10)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "d1", trades[2].MakerOrderID)

	assertViewInSync(t, after, depth.UpdateID)
}
