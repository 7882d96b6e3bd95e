package match

import (
	"time"

	"github.com/0x5487/exchange-matcher/protocol"
	"github.com/shopspring/decimal"
)

type Side = protocol.Side

const (
	Buy  Side = protocol.SideBuy
	Sell Side = protocol.SideSell
)

type OrderType = protocol.OrderType

const (
	Market OrderType = protocol.OrderTypeMarket
	Limit  OrderType = protocol.OrderTypeLimit
)

type TimeInForce = protocol.TimeInForce

const (
	GTC      TimeInForce = protocol.TimeInForceGTC
	IOC      TimeInForce = protocol.TimeInForceIOC
	FOK      TimeInForce = protocol.TimeInForceFOK
	PostOnly TimeInForce = protocol.TimeInForcePostOnly
)

type OrderStatus = protocol.OrderStatus

const (
	StatusOpen            OrderStatus = protocol.OrderStatusOpen
	StatusPartiallyFilled OrderStatus = protocol.OrderStatusPartiallyFilled
	StatusFilled          OrderStatus = protocol.OrderStatusFilled
	StatusCancelled       OrderStatus = protocol.OrderStatusCancelled
	StatusRejected        OrderStatus = protocol.OrderStatusRejected
)

type LogType = protocol.LogType

const (
	LogTypeAdmit  LogType = protocol.LogTypeAdmit
	LogTypeOpen   LogType = protocol.LogTypeOpen
	LogTypeMatch  LogType = protocol.LogTypeMatch
	LogTypeCancel LogType = protocol.LogTypeCancel
	LogTypeReduce LogType = protocol.LogTypeReduce
	LogTypeReject LogType = protocol.LogTypeReject
)

type RejectReason = protocol.RejectReason

const (
	RejectReasonNone             RejectReason = protocol.RejectReasonNone
	RejectReasonNoLiquidity      RejectReason = protocol.RejectReasonNoLiquidity
	RejectReasonInsufficientSize RejectReason = protocol.RejectReasonInsufficientSize
	RejectReasonPostOnlyMatch    RejectReason = protocol.RejectReasonPostOnlyMatch
)

// Owner identifies who placed an order: a user account or a market-making bot.
type Owner struct {
	Kind protocol.OwnerKind `json:"kind"`
	ID   string             `json:"id"`
}

// UserOwner returns an Owner for a human account.
func UserOwner(id string) Owner {
	return Owner{Kind: protocol.OwnerKindUser, ID: id}
}

// BotOwner returns an Owner for an automated trader.
func BotOwner(id string) Owner {
	return Owner{Kind: protocol.OwnerKindBot, ID: id}
}

// OrderRequest is a validated-at-admission request to place an order.
type OrderRequest struct {
	ID          string
	Symbol      string
	Side        Side
	Type        OrderType
	TimeInForce TimeInForce // Limit only; empty means GTC
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Owner       Owner
}

// Order represents the state of an order in the order book.
// This is the serializable state used for snapshots and query results.
type Order struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	TimeInForce TimeInForce     `json:"time_in_force,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`  // Original size
	Filled      decimal.Decimal `json:"filled"`    // Matched so far
	Remaining   decimal.Decimal `json:"remaining"` // Still resting or matchable
	Status      OrderStatus     `json:"status"`
	Owner       Owner           `json:"owner"`
	Seq         uint64          `json:"seq"` // Admission sequence within the book
	CreatedAt   time.Time       `json:"created_at"`

	// Intrusive linked list pointers (ignored by JSON)
	next *Order
	prev *Order
}

// clone returns a detached copy that is safe to hand out of the book goroutine.
func (o *Order) clone() Order {
	cpy := *o
	cpy.next = nil
	cpy.prev = nil
	return cpy
}

// Trade is an immutable fill between a resting maker and an incoming taker.
// Price is always the maker's resting price.
type Trade struct {
	ID           uint64          `json:"id"` // Sequential within the symbol
	Symbol       string          `json:"symbol"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
	MakerOwner   Owner           `json:"maker_owner"`
	TakerOwner   Owner           `json:"taker_owner"`
	TakerSide    Side            `json:"taker_side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"` // Price * Quantity
	Timestamp    time.Time       `json:"timestamp"`
}

// MarketConfig holds per-market admission rules. Zero values disable a check.
type MarketConfig struct {
	TickSize decimal.Decimal `json:"tick_size"`
	LotSize  decimal.Decimal `json:"lot_size"`
}

// SubmitResult is the outcome of SubmitOrder.
type SubmitResult struct {
	Order  Order
	Trades []Trade
}

// Status returns the order's final status after matching.
func (r *SubmitResult) Status() OrderStatus {
	return r.Order.Status
}

// CancelOutcome distinguishes a real cancellation from an order that was already gone.
type CancelOutcome int8

const (
	CancelOutcomeNotFound  CancelOutcome = 0
	CancelOutcomeCancelled CancelOutcome = 1
)

func (c CancelOutcome) String() string {
	if c == CancelOutcomeCancelled {
		return "cancelled"
	}
	return "not_found"
}

// DepthItem is one aggregated price level.
type DepthItem struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Count int64
}

// Depth is a point-in-time view of the top of both sides of a book.
type Depth struct {
	Symbol   string
	UpdateID uint64
	Asks     []DepthItem
	Bids     []DepthItem
}

// DepthChange represents a change in the order book depth.
type DepthChange struct {
	Side     Side
	Price    decimal.Decimal
	SizeDiff decimal.Decimal
}
