package protocol

// Side represents the order side (Buy/Sell).
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	}
	return "unknown"
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce controls what happens to the unmatched part of a limit order.
type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "gtc"       // Good Till Cancel
	TimeInForceIOC      TimeInForce = "ioc"       // Immediate Or Cancel
	TimeInForceFOK      TimeInForce = "fok"       // Fill Or Kill
	TimeInForcePostOnly TimeInForce = "post_only" // Maker only
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Rank orders statuses by lifecycle progress. Terminal statuses share the top rank.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusOpen:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return 3
	}
	return 0
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	if s.IsTerminal() {
		return false
	}
	return next.Rank() >= s.Rank()
}

// OwnerKind distinguishes human accounts from automated market makers.
type OwnerKind string

const (
	OwnerKindUser OwnerKind = "user"
	OwnerKindBot  OwnerKind = "bot"
)

// LogType represents the type of event log.
type LogType string

const (
	LogTypeAdmit  LogType = "admit"
	LogTypeOpen   LogType = "open"
	LogTypeMatch  LogType = "match"
	LogTypeCancel LogType = "cancel"
	LogTypeReduce LogType = "reduce"
	LogTypeReject LogType = "reject"
)

// RejectReason represents the reason why an order, or its remainder, was rejected.
type RejectReason string

const (
	RejectReasonNone             RejectReason = ""
	RejectReasonNoLiquidity      RejectReason = "no_liquidity"      // Market/IOC: nothing left to match
	RejectReasonInsufficientSize RejectReason = "insufficient_size" // FOK: cannot be fully filled
	RejectReasonPostOnlyMatch    RejectReason = "post_only_match"   // PostOnly: would match immediately
)

// OrderBookState represents the lifecycle state of an order book.
type OrderBookState uint8

const (
	// OrderBookStateRunning indicates the order book is active and accepting all trading operations.
	OrderBookStateRunning OrderBookState = 0
	// OrderBookStateSuspended indicates the order book is temporarily paused; only cancel operations are allowed.
	OrderBookStateSuspended OrderBookState = 1
	// OrderBookStateHalted indicates the order book is permanently stopped; no operations are allowed.
	OrderBookStateHalted OrderBookState = 2
)

func (s OrderBookState) String() string {
	switch s {
	case OrderBookStateRunning:
		return "running"
	case OrderBookStateSuspended:
		return "suspended"
	case OrderBookStateHalted:
		return "halted"
	}
	return "unknown"
}

type DepthItem struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Count int64  `json:"count"`
}

// GetDepthResponse represents the state of the order book depth.
type GetDepthResponse struct {
	Symbol   string       `json:"symbol"`
	UpdateID uint64       `json:"update_id"`
	Asks     []*DepthItem `json:"asks"`
	Bids     []*DepthItem `json:"bids"`
}

// GetStatsResponse contains statistics about the order book queues.
type GetStatsResponse struct {
	State         string `json:"state"`
	AskDepthCount int64  `json:"ask_depth_count"`
	AskOrderCount int64  `json:"ask_order_count"`
	BidDepthCount int64  `json:"bid_depth_count"`
	BidOrderCount int64  `json:"bid_order_count"`
	SequenceID    uint64 `json:"seq_id"`
	TradeID       uint64 `json:"trade_id"`
}
