// Package store holds EventStore implementations for the matching engine.
//
// Keys are append-only:
//
//	t/<symbol>/<trade id>                  trade
//	s/<symbol>/<sequence id>/<order id>    order status history
//	o/<symbol>/<order id>                  latest order status
//
// Writing a trade or history entry that already exists is a no-op, so the
// pipeline can retry freely. The latest status only moves forward.
// Order ids are unique per market only, so every key carries the symbol.
package store

import (
	match "github.com/0x5487/exchange-matcher"
)

// advances reports whether next may replace prev as an order's latest status.
func advances(prev, next *match.OrderStatusUpdate) bool {
	if next.SequenceID <= prev.SequenceID {
		return false
	}
	return prev.Status.CanTransition(next.Status)
}
