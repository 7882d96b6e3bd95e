package match

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidateOrder(t *testing.T) {
	cfg := MarketConfig{TickSize: decimal.RequireFromString("0.5"), LotSize: decimal.RequireFromString("0.01")}

	tests := []struct {
		name   string
		mutate func(req *OrderRequest)
		valid  bool
	}{
		{name: "valid limit", mutate: func(req *OrderRequest) {}, valid: true},
		{name: "valid post only", mutate: func(req *OrderRequest) { req.TimeInForce = PostOnly }, valid: true},
		{name: "valid market", mutate: func(req *OrderRequest) {
			req.Type = Market
			req.Price = decimal.Zero
		}, valid: true},
		{name: "missing id", mutate: func(req *OrderRequest) { req.ID = "" }},
		{name: "wrong symbol", mutate: func(req *OrderRequest) { req.Symbol = "ETH-USDT" }},
		{name: "unknown side", mutate: func(req *OrderRequest) { req.Side = Side(9) }},
		{name: "missing owner", mutate: func(req *OrderRequest) { req.Owner = Owner{} }},
		{name: "zero quantity", mutate: func(req *OrderRequest) { req.Quantity = decimal.Zero }},
		{name: "negative quantity", mutate: func(req *OrderRequest) { req.Quantity = decimal.NewFromInt(-1) }},
		{name: "quantity off lot", mutate: func(req *OrderRequest) { req.Quantity = decimal.RequireFromString("1.005") }},
		{name: "zero limit price", mutate: func(req *OrderRequest) { req.Price = decimal.Zero }},
		{name: "price off tick", mutate: func(req *OrderRequest) { req.Price = decimal.RequireFromString("100.25") }},
		{name: "unknown time in force", mutate: func(req *OrderRequest) { req.TimeInForce = "day" }},
		{name: "market with price", mutate: func(req *OrderRequest) { req.Type = Market }},
		{name: "market fill or kill", mutate: func(req *OrderRequest) {
			req.Type = Market
			req.Price = decimal.Zero
			req.TimeInForce = FOK
		}},
		{name: "unknown type", mutate: func(req *OrderRequest) { req.Type = "stop" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := OrderRequest{
				ID:       "order-1",
				Symbol:   testSymbol,
				Side:     Buy,
				Type:     Limit,
				Price:    decimal.RequireFromString("100.5"),
				Quantity: decimal.RequireFromString("1.25"),
				Owner:    UserOwner("alice"),
			}
			tt.mutate(&req)

			err := validateOrder(req, testSymbol, cfg)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestNewOrderDefaults(t *testing.T) {
	limit := newOrder(limitReq("l", Buy, 100, 2))
	assert.Equal(t, GTC, limit.TimeInForce)
	assert.Equal(t, StatusOpen, limit.Status)
	assert.True(t, limit.Remaining.Equal(limit.Quantity))
	assert.True(t, limit.Filled.IsZero())

	market := newOrder(marketReq("m", Sell, 2))
	assert.Equal(t, IOC, market.TimeInForce)
}

func TestCrosses(t *testing.T) {
	buy := newOrder(limitReq("b", Buy, 100, 1))
	assert.True(t, crosses(buy, d(99)))
	assert.True(t, crosses(buy, d(100)))
	assert.False(t, crosses(buy, d(101)))

	sell := newOrder(limitReq("s", Sell, 100, 1))
	assert.True(t, crosses(sell, d(101)))
	assert.False(t, crosses(sell, d(99)))

	market := newOrder(marketReq("m", Buy, 1))
	assert.True(t, crosses(market, d(1_000_000)))
}

func TestFillStatus(t *testing.T) {
	order := newOrder(limitReq("o", Buy, 100, 3))
	assert.Equal(t, StatusOpen, fillStatus(order))

	order.Filled, order.Remaining = d(1), d(2)
	assert.Equal(t, StatusPartiallyFilled, fillStatus(order))

	order.Filled, order.Remaining = d(3), decimal.Zero
	assert.Equal(t, StatusFilled, fillStatus(order))
}
