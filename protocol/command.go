package protocol

// PlaceOrderCommand is the payload for placing a new order.
type PlaceOrderCommand struct {
	OrderID     string      `json:"order_id"`
	Side        Side        `json:"side"`
	OrderType   OrderType   `json:"order_type"`
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
	Price       string      `json:"price,omitempty"` // Using string to prevent precision loss in JSON
	Size        string      `json:"size"`
	OwnerKind   OwnerKind   `json:"owner_kind,omitempty"`
	OwnerID     string      `json:"owner_id"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// CancelOrderCommand is the payload for cancelling an existing order.
type CancelOrderCommand struct {
	OrderID string `json:"order_id"`
}

// ReduceOrderCommand is the payload for shrinking a resting order without losing priority.
type ReduceOrderCommand struct {
	OrderID string `json:"order_id"`
	Size    string `json:"size"` // amount to remove from the remaining size
}

// CreateMarketCommand is the payload for creating a new market/order book.
type CreateMarketCommand struct {
	Symbol   string `json:"symbol"`
	TickSize string `json:"tick_size,omitempty"` // Minimum price increment (e.g., "0.01")
	LotSize  string `json:"lot_size,omitempty"`  // Minimum trade unit (e.g., "0.00000001")
}

// EmergencyStopCommand halts trading on the listed markets, or on every market when empty.
type EmergencyStopCommand struct {
	Symbols []string `json:"symbols,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// SubmitOrderResponse is returned by order placement.
type SubmitOrderResponse struct {
	OrderID   string          `json:"order_id"`
	Status    OrderStatus     `json:"status"`
	Filled    string          `json:"filled"`
	Remaining string          `json:"remaining"`
	Trades    []TradeResponse `json:"trades"`
}

// TradeResponse is the wire form of a trade.
type TradeResponse struct {
	TradeID      uint64 `json:"trade_id"`
	Symbol       string `json:"symbol"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	TakerSide    Side   `json:"taker_side"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Amount       string `json:"amount"`
	Timestamp    int64  `json:"timestamp"`
}

// BulkCancelResponse summarizes a fan-out cancellation.
type BulkCancelResponse struct {
	Requested int               `json:"requested"`
	Cancelled int               `json:"cancelled"`
	NotFound  int               `json:"not_found"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// EmergencyStopResponse reports per-market outcomes of an emergency stop.
type EmergencyStopResponse struct {
	Markets map[string]BulkCancelResponse `json:"markets"`
	Errors  map[string]string             `json:"errors,omitempty"`
}

// BulkCancelCommand cancels many orders of one market.
type BulkCancelCommand struct {
	OrderIDs []string `json:"order_ids"`
}

// HaltMarketCommand stops a market permanently.
type HaltMarketCommand struct {
	Reason string `json:"reason,omitempty"`
}

// CancelOrderResponse reports whether a cancellation removed a resting order.
type CancelOrderResponse struct {
	OrderID string `json:"order_id"`
	Result  string `json:"result"` // "cancelled" or "not_found"
}

// OrderResponse is the wire form of an order.
type OrderResponse struct {
	OrderID     string      `json:"order_id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	OrderType   OrderType   `json:"order_type"`
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
	Price       string      `json:"price"`
	Size        string      `json:"size"`
	Filled      string      `json:"filled"`
	Remaining   string      `json:"remaining"`
	Status      OrderStatus `json:"status"`
	OwnerKind   OwnerKind   `json:"owner_kind"`
	OwnerID     string      `json:"owner_id"`
	Seq         uint64      `json:"seq"`
	CreatedAt   int64       `json:"created_at"` // Unix milliseconds
}

// OrderStatusResponse is the last persisted status of an order.
type OrderStatusResponse struct {
	OrderID   string      `json:"order_id"`
	Symbol    string      `json:"symbol"`
	Status    OrderStatus `json:"status"`
	Filled    string      `json:"filled"`
	Remaining string      `json:"remaining"`
	SeqID     uint64      `json:"seq_id"`
	Timestamp int64       `json:"timestamp"`
}

// MarketResponse describes a market and its book state.
type MarketResponse struct {
	Symbol   string `json:"symbol"`
	TickSize string `json:"tick_size"`
	LotSize  string `json:"lot_size"`
	State    string `json:"state"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
