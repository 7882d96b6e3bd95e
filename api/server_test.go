package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	match "github.com/0x5487/exchange-matcher"
	"github.com/0x5487/exchange-matcher/protocol"
	"github.com/0x5487/exchange-matcher/store"
)

type testEnv struct {
	engine  *match.MatchingEngine
	history *store.MemoryStore
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	engine := match.NewMatchingEngine(match.NewMemoryPublishLog())
	history := store.NewMemoryStore()
	server := NewServer(engine, WithHistory(history), WithDepthView(match.NewDepthView()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	return &testEnv{
		engine:  engine,
		history: history,
		server:  server,
		handler: server.Handler(),
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (env *testEnv) createMarket(t *testing.T, symbol string) {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/markets", protocol.CreateMarketCommand{
		Symbol:   symbol,
		TickSize: "0.01",
		LotSize:  "0.001",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func limitOrder(id string, side protocol.Side, price, size string) protocol.PlaceOrderCommand {
	return protocol.PlaceOrderCommand{
		OrderID:   id,
		Side:      side,
		OrderType: protocol.OrderTypeLimit,
		Price:     price,
		Size:      size,
		OwnerID:   "user-" + id,
	}
}

func TestMarketLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "BTC-USDT")

	t.Run("duplicate market", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/markets", protocol.CreateMarketCommand{Symbol: "BTC-USDT"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/markets", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		markets := decodeBody[[]protocol.MarketResponse](t, rec)
		require.Len(t, markets, 1)
		assert.Equal(t, "BTC-USDT", markets[0].Symbol)
		assert.Equal(t, "0.01", markets[0].TickSize)
		assert.Equal(t, "running", markets[0].State)
	})

	t.Run("suspend rejects orders", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/suspend", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "suspended", decodeBody[protocol.MarketResponse](t, rec).State)

		rec = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("o1", protocol.SideBuy, "100", "1"))
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/resume", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "running", decodeBody[protocol.MarketResponse](t, rec).State)
	})

	t.Run("close", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("o2", protocol.SideBuy, "100", "1"))
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = env.do(t, http.MethodDelete, "/api/v1/markets/BTC-USDT", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		report := decodeBody[protocol.BulkCancelResponse](t, rec)
		assert.Equal(t, 1, report.Cancelled)

		rec = env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPlaceOrderMatches(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "BTC-USDT")

	rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("buy-1", protocol.SideBuy, "100", "10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[protocol.SubmitOrderResponse](t, rec)
	assert.Equal(t, protocol.OrderStatusOpen, resp.Status)
	assert.Empty(t, resp.Trades)

	rec = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("sell-1", protocol.SideSell, "100", "6"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp = decodeBody[protocol.SubmitOrderResponse](t, rec)
	assert.Equal(t, protocol.OrderStatusFilled, resp.Status)
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, "buy-1", resp.Trades[0].MakerOrderID)
	assert.Equal(t, "6", resp.Trades[0].Size)
	assert.Equal(t, "600", resp.Trades[0].Amount)

	rec = env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/orders/buy-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	order := decodeBody[protocol.OrderResponse](t, rec)
	assert.Equal(t, protocol.OrderStatusPartiallyFilled, order.Status)
	assert.Equal(t, "4", order.Remaining)

	rec = env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/depth?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	depth := decodeBody[protocol.GetDepthResponse](t, rec)
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, "100", depth.Bids[0].Price)
	assert.Equal(t, "4", depth.Bids[0].Size)
	assert.Empty(t, depth.Asks)
}

func TestPlaceOrderAssignsID(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "BTC-USDT")

	cmd := limitOrder("", protocol.SideSell, "101", "1")
	rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", cmd)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decodeBody[protocol.SubmitOrderResponse](t, rec).OrderID)
}

func TestOrderErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "BTC-USDT")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown market", "/api/v1/markets/ETH-USDT/orders", limitOrder("a", protocol.SideBuy, "100", "1"), http.StatusNotFound},
		{"off tick", "/api/v1/markets/BTC-USDT/orders", limitOrder("b", protocol.SideBuy, "100.001", "1"), http.StatusBadRequest},
		{"zero size", "/api/v1/markets/BTC-USDT/orders", limitOrder("c", protocol.SideBuy, "100", "0"), http.StatusBadRequest},
		{"bad decimal", "/api/v1/markets/BTC-USDT/orders", limitOrder("d", protocol.SideBuy, "abc", "1"), http.StatusBadRequest},
		{"empty body", "/api/v1/markets/BTC-USDT/orders", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[protocol.ErrorResponse](t, rec).Message)
		})
	}

	t.Run("duplicate order id", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("dup", protocol.SideBuy, "100", "1"))
		require.Equal(t, http.StatusCreated, rec.Code)
		rec = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("dup", protocol.SideBuy, "100", "1"))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestCancelAndReduce(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "BTC-USDT")

	for _, id := range []string{"a", "b", "c"} {
		rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder(id, protocol.SideBuy, "100", "2"))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders/a/reduce", protocol.ReduceOrderCommand{Size: "0.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1.5", decodeBody[protocol.OrderResponse](t, rec).Remaining)

	rec = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders/a/reduce", protocol.ReduceOrderCommand{Size: "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/markets/BTC-USDT/orders/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody[protocol.CancelOrderResponse](t, rec).Result)

	rec = env.do(t, http.MethodDelete, "/api/v1/markets/BTC-USDT/orders/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_found", decodeBody[protocol.CancelOrderResponse](t, rec).Result)

	rec = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders/cancel", protocol.BulkCancelCommand{OrderIDs: []string{"a", "b", "c", "zzz"}})
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[protocol.BulkCancelResponse](t, rec)
	assert.Equal(t, 4, report.Requested)
	assert.Equal(t, 2, report.Cancelled)
	assert.Equal(t, 2, report.NotFound)
	assert.Zero(t, report.Failed)

	rec = env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]protocol.OrderResponse](t, rec))
}

func TestEmergencyStop(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "BTC-USDT")
	env.createMarket(t, "ETH-USDT")

	env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("b1", protocol.SideBuy, "100", "1"))
	env.do(t, http.MethodPost, "/api/v1/markets/ETH-USDT/orders", limitOrder("e1", protocol.SideSell, "10", "1"))

	rec := env.do(t, http.MethodPost, "/api/v1/emergency-stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[protocol.EmergencyStopResponse](t, rec)
	require.Len(t, resp.Markets, 2)
	assert.Equal(t, 1, resp.Markets["BTC-USDT"].Cancelled)
	assert.Equal(t, 1, resp.Markets["ETH-USDT"].Cancelled)
	assert.Empty(t, resp.Errors)

	rec = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("b2", protocol.SideBuy, "100", "1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHaltMarket(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "BTC-USDT")

	rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/halt", map[string]string{"reason": "test"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "halted", decodeBody[protocol.MarketResponse](t, rec).State)

	rec = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder("x", protocol.SideBuy, "100", "1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, env.history.RecordTrade(ctx, &match.Trade{
			ID:       id,
			Symbol:   "BTC-USDT",
			Price:    decimal.NewFromInt(100),
			Quantity: decimal.NewFromInt(1),
			Amount:   decimal.NewFromInt(100),
		}))
	}
	require.NoError(t, env.history.RecordOrderStatus(ctx, &match.OrderStatusUpdate{
		SequenceID: 9,
		Symbol:     "BTC-USDT",
		OrderID:    "o-1",
		Status:     match.StatusFilled,
		Filled:     decimal.NewFromInt(1),
		Remaining:  decimal.Zero,
	}))

	rec := env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/trades?after=1&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trades := decodeBody[[]protocol.TradeResponse](t, rec)
	require.Len(t, trades, 2)
	assert.Equal(t, uint64(2), trades[0].TradeID)

	rec = env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/trades?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/orders/o-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[protocol.OrderStatusResponse](t, rec)
	assert.Equal(t, protocol.OrderStatusFilled, status.Status)
	assert.Equal(t, uint64(9), status.SeqID)

	rec = env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/orders/missing/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	t.Run("same order id in another market", func(t *testing.T) {
		require.NoError(t, env.history.RecordOrderStatus(ctx, &match.OrderStatusUpdate{
			SequenceID: 20,
			Symbol:     "ETH-USDT",
			OrderID:    "o-1",
			Status:     match.StatusOpen,
			Filled:     decimal.Zero,
			Remaining:  decimal.NewFromInt(3),
		}))

		rec := env.do(t, http.MethodGet, "/api/v1/markets/ETH-USDT/orders/o-1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		eth := decodeBody[protocol.OrderStatusResponse](t, rec)
		assert.Equal(t, protocol.OrderStatusOpen, eth.Status)
		assert.Equal(t, uint64(20), eth.SeqID)

		rec = env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/orders/o-1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		btc := decodeBody[protocol.OrderStatusResponse](t, rec)
		assert.Equal(t, protocol.OrderStatusFilled, btc.Status)
		assert.Equal(t, uint64(9), btc.SeqID)
	})
}

func TestDepthLimitFollowsBookLevels(t *testing.T) {
	engine := match.NewMatchingEngine(match.NewDiscardPublishLog(), match.WithBookOptions(match.WithDepthLevels(3)))
	handler := NewServer(engine, WithDepthLevels(3)).Handler()
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	require.NoError(t, engine.CreateMarket("BTC-USDT", match.MarketConfig{}))

	env := &testEnv{engine: engine, handler: handler}
	for i, price := range []string{"100", "99", "98", "97", "96"} {
		rec := env.do(t, http.MethodPost, "/api/v1/markets/BTC-USDT/orders", limitOrder(fmt.Sprintf("b%d", i), protocol.SideBuy, price, "1"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	for _, path := range []string{
		"/api/v1/markets/BTC-USDT/depth",
		"/api/v1/markets/BTC-USDT/depth?limit=50",
	} {
		rec := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		depth := decodeBody[protocol.GetDepthResponse](t, rec)
		require.Len(t, depth.Bids, 3, path)
		assert.Equal(t, "98", depth.Bids[2].Price)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/markets/BTC-USDT/depth?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[protocol.GetDepthResponse](t, rec).Bids, 2)
}

func TestAggregatedDepth(t *testing.T) {
	view := match.NewDepthView()
	engine := match.NewMatchingEngine(match.NewDiscardPublishLog())
	handler := NewServer(engine, WithDepthView(view)).Handler()
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	open := &match.BookLog{
		SequenceID: 1,
		Type:       match.LogTypeOpen,
		Symbol:     "BTC-USDT",
		Side:       match.Buy,
		Price:      decimal.NewFromInt(100),
		Size:       decimal.NewFromInt(3),
	}
	require.NoError(t, view.Notify(context.Background(), open))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/markets/BTC-USDT/aggregated-depth", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	depth := decodeBody[protocol.GetDepthResponse](t, rec)
	assert.Equal(t, uint64(1), depth.UpdateID)
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, "3", depth.Bids[0].Size)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/markets/ETH-USDT/aggregated-depth", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "BTC-USDT")

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["markets"])

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "matcher_orderbook_depth")
}

func TestCORSPreflight(t *testing.T) {
	engine := match.NewMatchingEngine(match.NewDiscardPublishLog())
	handler := NewServer(engine, WithAllowedOrigins("https://trade.example.com")).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/markets", nil)
	req.Header.Set("Origin", "https://trade.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://trade.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(match.ErrEngineUnavailable))
	assert.Equal(t, http.StatusGatewayTimeout, statusOf(match.ErrTimeout))
	assert.Equal(t, http.StatusInternalServerError, statusOf(io.EOF))
}
