package match

import (
	"time"

	"github.com/0x5487/exchange-matcher/metrics"
	"github.com/shopspring/decimal"
)

// validateOrder checks an order request against the market rules before it reaches the book.
func validateOrder(req OrderRequest, symbol string, cfg MarketConfig) error {
	if len(req.ID) == 0 {
		return errInvalid("order id is required")
	}
	if req.Symbol != symbol {
		return errInvalid("order %s is for %q, not %q", req.ID, req.Symbol, symbol)
	}
	if req.Side != Buy && req.Side != Sell {
		return errInvalid("order %s has unknown side %d", req.ID, req.Side)
	}
	if len(req.Owner.ID) == 0 {
		return errInvalid("order %s has no owner", req.ID)
	}
	if !req.Quantity.IsPositive() {
		return errInvalid("order %s quantity %s must be positive", req.ID, req.Quantity)
	}
	if cfg.LotSize.IsPositive() && !req.Quantity.Mod(cfg.LotSize).IsZero() {
		return errInvalid("order %s quantity %s is not a multiple of lot size %s", req.ID, req.Quantity, cfg.LotSize)
	}

	switch req.Type {
	case Limit:
		if !req.Price.IsPositive() {
			return errInvalid("limit order %s price %s must be positive", req.ID, req.Price)
		}
		if cfg.TickSize.IsPositive() && !req.Price.Mod(cfg.TickSize).IsZero() {
			return errInvalid("order %s price %s is not a multiple of tick size %s", req.ID, req.Price, cfg.TickSize)
		}
		switch req.TimeInForce {
		case "", GTC, IOC, FOK, PostOnly:
		default:
			return errInvalid("order %s has unknown time in force %q", req.ID, req.TimeInForce)
		}
	case Market:
		if !req.Price.IsZero() {
			return errInvalid("market order %s must not carry a price", req.ID)
		}
		if req.TimeInForce != "" && req.TimeInForce != IOC {
			return errInvalid("market order %s cannot use time in force %q", req.ID, req.TimeInForce)
		}
	default:
		return errInvalid("order %s has unknown type %q", req.ID, req.Type)
	}

	return nil
}

func newOrder(req OrderRequest) *Order {
	tif := req.TimeInForce
	if req.Type == Limit && tif == "" {
		tif = GTC
	}
	if req.Type == Market {
		tif = IOC
	}
	return &Order{
		ID:          req.ID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: tif,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Filled:      decimal.Zero,
		Remaining:   req.Quantity,
		Status:      StatusOpen,
		Owner:       req.Owner,
	}
}

// crosses reports whether a taker accepts a resting price.
// Market orders accept any price.
func crosses(taker *Order, price decimal.Decimal) bool {
	if taker.Type == Market {
		return true
	}
	if taker.Side == Buy {
		return taker.Price.GreaterThanOrEqual(price)
	}
	return taker.Price.LessThanOrEqual(price)
}

// queues returns the taker's own side and the side it matches against.
func (book *OrderBook) queues(side Side) (*queue, *queue) {
	if side == Buy {
		return book.bidQueue, book.askQueue
	}
	return book.askQueue, book.bidQueue
}

// submit admits an order and matches it. Events are published only when the whole
// command succeeds; on an invariant violation the book halts and nothing is emitted.
func (book *OrderBook) submit(order *Order) (*SubmitResult, error) {
	if other, _ := book.find(order.ID); other != nil {
		return nil, errInvalid("%s: %w", order.ID, ErrDuplicateOrder)
	}

	now := book.now()
	book.orderSeq++
	order.Seq = book.orderSeq
	order.CreatedAt = now

	myQueue, targetQueue := book.queues(order.Side)
	logs := make([]*BookLog, 0, 4)
	logs = append(logs, newAdmitLog(book.nextSeq(), order, now))

	accepts := func(price decimal.Decimal) bool {
		return crosses(order, price)
	}

	switch order.TimeInForce {
	case PostOnly:
		if head := targetQueue.peekHeadOrder(); head != nil && accepts(head.Price) {
			logs = append(logs, book.rejectRemainder(order, RejectReasonPostOnlyMatch, now))
			return book.finish(order, nil, logs), nil
		}
	case FOK:
		if targetQueue.crossableSize(accepts, order.Quantity).LessThan(order.Quantity) {
			logs = append(logs, book.rejectRemainder(order, RejectReasonInsufficientSize, now))
			return book.finish(order, nil, logs), nil
		}
	}

	trades, logs, err := book.match(order, targetQueue, logs)
	if err != nil {
		return nil, err
	}

	if order.Remaining.IsPositive() {
		switch {
		case order.Type == Limit && (order.TimeInForce == GTC || order.TimeInForce == PostOnly):
			myQueue.insertOrder(order)
			logs = append(logs, newOpenLog(book.nextSeq(), order, now))
		case order.TimeInForce == FOK:
			return nil, errInvariant("fill-or-kill order %s left %s unfilled after liquidity check", order.ID, order.Remaining)
		default:
			logs = append(logs, book.rejectRemainder(order, RejectReasonNoLiquidity, now))
		}
	}

	return book.finish(order, trades, logs), nil
}

// rejectRemainder drops the part of a taker that will never trade or rest.
// The order ends Cancelled when some of it filled and Rejected otherwise.
func (book *OrderBook) rejectRemainder(order *Order, reason RejectReason, now time.Time) *BookLog {
	removed := order.Remaining
	order.Remaining = decimal.Zero
	if order.Filled.IsPositive() {
		order.Status = StatusCancelled
	} else {
		order.Status = StatusRejected
	}
	return newRejectLog(book.nextSeq(), order, removed, reason, now)
}

func (book *OrderBook) finish(order *Order, trades []Trade, logs []*BookLog) *SubmitResult {
	book.emit(logs...)
	metrics.IncOrders(book.symbol, string(order.Status))
	metrics.AddTrades(book.symbol, len(trades))
	return &SubmitResult{Order: order.clone(), Trades: trades}
}

// match fills the taker against the best resting orders while prices cross.
// Each fill trades at the maker's price; makers that reach zero leave the book.
func (book *OrderBook) match(taker *Order, targetQueue *queue, logs []*BookLog) ([]Trade, []*BookLog, error) {
	var trades []Trade

	for taker.Remaining.IsPositive() {
		maker := targetQueue.peekHeadOrder()
		if maker == nil || !crosses(taker, maker.Price) {
			break
		}

		fill := decimal.Min(taker.Remaining, maker.Remaining)
		if !fill.IsPositive() {
			return nil, nil, errInvariant("non-positive fill %s between %s and %s", fill, taker.ID, maker.ID)
		}

		if _, err := targetQueue.reduceOrder(maker.ID, fill); err != nil {
			return nil, nil, err
		}
		maker.Filled = maker.Filled.Add(fill)
		maker.Status = fillStatus(maker)

		taker.Remaining = taker.Remaining.Sub(fill)
		taker.Filled = taker.Filled.Add(fill)
		taker.Status = fillStatus(taker)

		if maker.Filled.GreaterThan(maker.Quantity) || taker.Filled.GreaterThan(taker.Quantity) {
			return nil, nil, errInvariant("overfill on %s/%s", maker.ID, taker.ID)
		}

		trade := &Trade{
			ID:           book.tradeID.Add(1),
			Symbol:       book.symbol,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			MakerOwner:   maker.Owner,
			TakerOwner:   taker.Owner,
			TakerSide:    taker.Side,
			Price:        maker.Price,
			Quantity:     fill,
			Amount:       maker.Price.Mul(fill),
			Timestamp:    taker.CreatedAt,
		}
		trades = append(trades, *trade)
		logs = append(logs, newMatchLog(book.nextSeq(), taker, maker, trade))
	}

	return trades, logs, nil
}

func fillStatus(order *Order) OrderStatus {
	if order.Remaining.IsZero() {
		return StatusFilled
	}
	if order.Filled.IsPositive() {
		return StatusPartiallyFilled
	}
	return StatusOpen
}
