package match

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookLog represents an event in the order book.
// SequenceID increases by one for every event of a symbol, so downstream systems
// can order, deduplicate and detect gaps. Status is the status of OrderID after the
// event; for match events MakerStatus carries the maker's status.
//
// Size semantics per type:
//   - admit:  original quantity
//   - open:   remaining quantity that rests in the book
//   - match:  traded quantity (also in Trade)
//   - cancel: remaining quantity removed from the book
//   - reduce: quantity removed from a resting order
//   - reject: taker quantity that never rested and will never trade
type BookLog struct {
	SequenceID   uint64          `json:"seq_id"`
	Type         LogType         `json:"type"`
	Symbol       string          `json:"symbol"`
	OrderID      string          `json:"order_id"`
	Owner        Owner           `json:"owner"`
	Side         Side            `json:"side"`
	OrderType    OrderType       `json:"order_type,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	Status       OrderStatus     `json:"status"`
	Trade        *Trade          `json:"trade,omitempty"`
	MakerStatus  OrderStatus     `json:"maker_status,omitempty"`
	MakerFilled  decimal.Decimal `json:"maker_filled,omitempty"`
	MakerRemain  decimal.Decimal `json:"maker_remaining,omitempty"`
	RejectReason RejectReason    `json:"reject_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StatusUpdates expands the event into the order status transitions it records.
func (log *BookLog) StatusUpdates() []OrderStatusUpdate {
	updates := make([]OrderStatusUpdate, 0, 2)
	if log.Trade != nil {
		updates = append(updates, OrderStatusUpdate{
			SequenceID: log.SequenceID,
			Symbol:     log.Symbol,
			OrderID:    log.Trade.MakerOrderID,
			Owner:      log.Trade.MakerOwner,
			Status:     log.MakerStatus,
			Filled:     log.MakerFilled,
			Remaining:  log.MakerRemain,
			Timestamp:  log.CreatedAt,
		})
	}
	updates = append(updates, OrderStatusUpdate{
		SequenceID: log.SequenceID,
		Symbol:     log.Symbol,
		OrderID:    log.OrderID,
		Owner:      log.Owner,
		Status:     log.Status,
		Filled:     log.Filled,
		Remaining:  log.Remaining,
		Timestamp:  log.CreatedAt,
	})
	return updates
}

// OrderStatusUpdate is a single durable order state transition.
type OrderStatusUpdate struct {
	SequenceID uint64          `json:"seq_id"`
	Symbol     string          `json:"symbol"`
	OrderID    string          `json:"order_id"`
	Owner      Owner           `json:"owner"`
	Status     OrderStatus     `json:"status"`
	Filled     decimal.Decimal `json:"filled"`
	Remaining  decimal.Decimal `json:"remaining"`
	Timestamp  time.Time       `json:"timestamp"`
}

func newOrderLog(seqID uint64, typ LogType, order *Order, size decimal.Decimal, now time.Time) *BookLog {
	return &BookLog{
		SequenceID: seqID,
		Type:       typ,
		Symbol:     order.Symbol,
		OrderID:    order.ID,
		Owner:      order.Owner,
		Side:       order.Side,
		OrderType:  order.Type,
		Price:      order.Price,
		Size:       size,
		Filled:     order.Filled,
		Remaining:  order.Remaining,
		Status:     order.Status,
		CreatedAt:  now,
	}
}

func newAdmitLog(seqID uint64, order *Order, now time.Time) *BookLog {
	return newOrderLog(seqID, LogTypeAdmit, order, order.Quantity, now)
}

func newOpenLog(seqID uint64, order *Order, now time.Time) *BookLog {
	return newOrderLog(seqID, LogTypeOpen, order, order.Remaining, now)
}

func newCancelLog(seqID uint64, order *Order, size decimal.Decimal, now time.Time) *BookLog {
	return newOrderLog(seqID, LogTypeCancel, order, size, now)
}

func newReduceLog(seqID uint64, order *Order, size decimal.Decimal, now time.Time) *BookLog {
	return newOrderLog(seqID, LogTypeReduce, order, size, now)
}

func newRejectLog(seqID uint64, order *Order, size decimal.Decimal, reason RejectReason, now time.Time) *BookLog {
	log := newOrderLog(seqID, LogTypeReject, order, size, now)
	log.RejectReason = reason
	return log
}

func newMatchLog(seqID uint64, taker *Order, maker *Order, trade *Trade) *BookLog {
	log := newOrderLog(seqID, LogTypeMatch, taker, trade.Quantity, trade.Timestamp)
	log.Price = trade.Price
	log.Trade = trade
	log.MakerStatus = maker.Status
	log.MakerFilled = maker.Filled
	log.MakerRemain = maker.Remaining
	return log
}
