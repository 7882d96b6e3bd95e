package match

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/0x5487/exchange-matcher/metrics"
	"github.com/0x5487/exchange-matcher/protocol"
	"github.com/shopspring/decimal"
)

type OrderBookState = protocol.OrderBookState

const (
	StateRunning   OrderBookState = protocol.OrderBookStateRunning
	StateSuspended OrderBookState = protocol.OrderBookStateSuspended
	StateHalted    OrderBookState = protocol.OrderBookStateHalted
)

// commandType represents the type of command sent to the order book.
type commandType uint8

const (
	cmdSubmit commandType = iota
	cmdCancel
	cmdReduce
	cmdSuspend
	cmdResume
	cmdOpenOrders
	cmdOrder
	cmdStats
	cmdSnapshot
)

func (c commandType) String() string {
	switch c {
	case cmdSubmit:
		return "submit"
	case cmdCancel:
		return "cancel"
	case cmdReduce:
		return "reduce"
	case cmdSuspend:
		return "suspend"
	case cmdResume:
		return "resume"
	case cmdOpenOrders:
		return "open_orders"
	case cmdOrder:
		return "order"
	case cmdStats:
		return "stats"
	case cmdSnapshot:
		return "snapshot"
	}
	return "unknown"
}

func (c commandType) mutates() bool {
	return c == cmdSubmit || c == cmdCancel || c == cmdReduce
}

// command is a unit of work for the book goroutine.
// Every command carries a buffered response channel so the loop never blocks on a reply.
type command struct {
	typ     commandType
	order   *Order
	orderID string
	size    decimal.Decimal
	resp    chan response
}

type response struct {
	data any
	err  error
}

func (cmd *command) reply(data any, err error) {
	if cmd.resp == nil {
		return
	}
	select {
	case cmd.resp <- response{data: data, err: err}:
	default:
	}
}

// BookStats contains statistics about the order book queues
type BookStats struct {
	State         OrderBookState
	AskDepthCount int64
	AskOrderCount int64
	BidDepthCount int64
	BidOrderCount int64
	SequenceID    uint64
	TradeID       uint64
}

// OrderBookOption configures an OrderBook.
type OrderBookOption func(*OrderBook)

// WithMarketConfig sets the tick and lot size checked at admission.
func WithMarketConfig(cfg MarketConfig) OrderBookOption {
	return func(book *OrderBook) {
		book.config = cfg
	}
}

// WithCommandBuffer sets the capacity of the command channel.
func WithCommandBuffer(size int) OrderBookOption {
	return func(book *OrderBook) {
		if size > 0 {
			book.cmdChan = make(chan command, size)
		}
	}
}

// WithDepthLevels sets how many price levels per side the lock-free top-of-book view keeps.
func WithDepthLevels(levels uint32) OrderBookOption {
	return func(book *OrderBook) {
		if levels > 0 {
			book.depthLevels = levels
		}
	}
}

// OrderBook holds the resting orders of one symbol.
// A single goroutine (Start) owns the queues; everything else talks to it through cmdChan.
type OrderBook struct {
	symbol           string
	config           MarketConfig
	state            atomic.Uint32
	seqID            atomic.Uint64 // last BookLog sequence id
	tradeID          atomic.Uint64
	orderSeq         uint64 // admission sequence, book goroutine only
	isShutdown       atomic.Bool
	bidQueue         *queue
	askQueue         *queue
	cmdChan          chan command
	done             chan struct{}
	shutdownComplete chan struct{}
	publishTrader    PublishLog
	depthLevels      uint32
	top              atomic.Pointer[Depth]
	now              func() time.Time
}

// NewOrderBook creates a new order book instance.
func NewOrderBook(symbol string, publishTrader PublishLog, opts ...OrderBookOption) *OrderBook {
	book := &OrderBook{
		symbol:           symbol,
		bidQueue:         NewBuyerQueue(),
		askQueue:         NewSellerQueue(),
		cmdChan:          make(chan command, defaultCommandBuffer),
		done:             make(chan struct{}),
		shutdownComplete: make(chan struct{}),
		publishTrader:    publishTrader,
		depthLevels:      defaultDepthLevels,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(book)
	}
	book.refreshDepth()
	return book
}

// Symbol returns the market symbol of the book.
func (book *OrderBook) Symbol() string {
	return book.symbol
}

// Config returns the admission rules of the book.
func (book *OrderBook) Config() MarketConfig {
	return book.config
}

// State returns the current lifecycle state.
func (book *OrderBook) State() OrderBookState {
	return OrderBookState(book.state.Load())
}

// Submit validates and matches an order, returning its final state and the trades it produced.
func (book *OrderBook) Submit(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	if err := validateOrder(req, book.symbol, book.config); err != nil {
		return nil, err
	}

	data, err := book.do(ctx, command{typ: cmdSubmit, order: newOrder(req)})
	if err != nil {
		return nil, err
	}
	result, _ := data.(*SubmitResult)
	return result, nil
}

// Cancel removes a resting order. Orders that are unknown or already terminal
// yield CancelOutcomeNotFound and a nil error.
func (book *OrderBook) Cancel(ctx context.Context, orderID string) (CancelOutcome, error) {
	if len(orderID) == 0 {
		return CancelOutcomeNotFound, nil
	}

	data, err := book.do(ctx, command{typ: cmdCancel, orderID: orderID})
	if err != nil {
		return CancelOutcomeNotFound, err
	}
	outcome, _ := data.(CancelOutcome)
	return outcome, nil
}

// Reduce shrinks a resting order by size without changing its priority.
// The order is cancelled when nothing remains.
func (book *OrderBook) Reduce(ctx context.Context, orderID string, size decimal.Decimal) (Order, error) {
	if len(orderID) == 0 {
		return Order{}, ErrNotFound
	}
	if !size.IsPositive() {
		return Order{}, errInvalid("reduce size %s must be positive", size)
	}
	if book.config.LotSize.IsPositive() && !size.Mod(book.config.LotSize).IsZero() {
		return Order{}, errInvalid("reduce size %s is not a multiple of lot size %s", size, book.config.LotSize)
	}

	data, err := book.do(ctx, command{typ: cmdReduce, orderID: orderID, size: size})
	if err != nil {
		return Order{}, err
	}
	order, _ := data.(Order)
	return order, nil
}

// Suspend stops admission. Cancel and reduce keep working.
func (book *OrderBook) Suspend(ctx context.Context) error {
	_, err := book.do(ctx, command{typ: cmdSuspend})
	return err
}

// Resume re-opens admission on a suspended book.
func (book *OrderBook) Resume(ctx context.Context) error {
	_, err := book.do(ctx, command{typ: cmdResume})
	return err
}

// Halt stops the book permanently. It does not go through the command channel,
// so it takes effect even when the book goroutine is blocked.
func (book *OrderBook) Halt(cause error) {
	book.halt(cause)
}

// OpenOrders returns copies of all resting orders, bids first, each side in priority order.
func (book *OrderBook) OpenOrders(ctx context.Context) ([]Order, error) {
	data, err := book.do(ctx, command{typ: cmdOpenOrders})
	if err != nil {
		return nil, err
	}
	orders, _ := data.([]Order)
	return orders, nil
}

// Order returns a copy of a resting order.
func (book *OrderBook) Order(ctx context.Context, orderID string) (Order, error) {
	data, err := book.do(ctx, command{typ: cmdOrder, orderID: orderID})
	if err != nil {
		return Order{}, err
	}
	order, _ := data.(Order)
	return order, nil
}

// GetStats returns usage statistics for the order book.
func (book *OrderBook) GetStats(ctx context.Context) (*BookStats, error) {
	data, err := book.do(ctx, command{typ: cmdStats})
	if err != nil {
		return nil, err
	}
	stats, _ := data.(*BookStats)
	return stats, nil
}

// TakeSnapshot captures the current state of the order book between two commands.
func (book *OrderBook) TakeSnapshot(ctx context.Context) (*OrderBookSnapshot, error) {
	data, err := book.do(ctx, command{typ: cmdSnapshot})
	if err != nil {
		return nil, err
	}
	snap, _ := data.(*OrderBookSnapshot)
	return snap, nil
}

// Depth returns up to limit levels per side from the last published view.
// It never waits for the book goroutine.
func (book *OrderBook) Depth(limit uint32) *Depth {
	top := book.top.Load()
	result := &Depth{
		Symbol:   top.Symbol,
		UpdateID: top.UpdateID,
		Asks:     slices.Clone(top.Asks[:min(int(limit), len(top.Asks))]),
		Bids:     slices.Clone(top.Bids[:min(int(limit), len(top.Bids))]),
	}
	return result
}

// BestBid returns the highest bid level, if any.
func (book *OrderBook) BestBid() (DepthItem, bool) {
	top := book.top.Load()
	if len(top.Bids) == 0 {
		return DepthItem{}, false
	}
	return top.Bids[0], true
}

// BestAsk returns the lowest ask level, if any.
func (book *OrderBook) BestAsk() (DepthItem, bool) {
	top := book.top.Load()
	if len(top.Asks) == 0 {
		return DepthItem{}, false
	}
	return top.Asks[0], true
}

// do sends a command to the book goroutine and waits for its reply.
// A context timeout leaves the outcome unknown: the command may still run.
func (book *OrderBook) do(ctx context.Context, cmd command) (any, error) {
	if book.isShutdown.Load() {
		return nil, ErrShutdown
	}

	cmd.resp = make(chan response, 1)

	select {
	case book.cmdChan <- cmd:
	case <-book.done:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}

	select {
	case res := <-cmd.resp:
		return res.data, res.err
	case <-book.shutdownComplete:
		select {
		case res := <-cmd.resp:
			return res.data, res.err
		default:
			return nil, ErrShutdown
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// Start starts the order book loop.
// Returns nil when Shutdown() is called and all pending commands are drained.
func (book *OrderBook) Start() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-book.done:
			return book.drain()
		case cmd := <-book.cmdChan:
			book.process(cmd)
		}
	}
}

// Shutdown signals the order book to stop accepting new commands and waits for all pending ones to be processed.
// Returns nil if shutdown completed successfully, or ctx.Err() if the context was cancelled.
func (book *OrderBook) Shutdown(ctx context.Context) error {
	if book.isShutdown.CompareAndSwap(false, true) {
		close(book.done)
	}

	select {
	case <-book.shutdownComplete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain processes all remaining commands in the channel before returning.
func (book *OrderBook) drain() error {
	defer close(book.shutdownComplete)

	for {
		select {
		case cmd := <-book.cmdChan:
			book.process(cmd)
		default:
			return nil
		}
	}
}

// process runs one command. A panic or invariant violation halts the book
// instead of letting a corrupted book keep trading.
func (book *OrderBook) process(cmd command) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := errInvariant("panic while processing %s: %v", cmd.typ, r)
			book.halt(err)
			cmd.reply(nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err))
		}
	}()

	data, err := book.execute(cmd)
	if err != nil && errors.Is(err, ErrInvariantViolation) {
		book.halt(err)
		err = fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	if cmd.typ.mutates() {
		book.refreshDepth()
	}
	cmd.reply(data, err)

	metrics.ObserveCommandLatency(book.symbol, cmd.typ.String(), time.Since(start))
}

func (book *OrderBook) execute(cmd command) (any, error) {
	state := book.State()

	switch cmd.typ {
	case cmdSubmit:
		if state == StateHalted {
			return nil, ErrEngineUnavailable
		}
		if state == StateSuspended {
			return nil, fmt.Errorf("%w: %s", ErrMarketClosed, book.symbol)
		}
		return book.submit(cmd.order)
	case cmdCancel:
		if state == StateHalted {
			return CancelOutcomeNotFound, ErrEngineUnavailable
		}
		return book.cancel(cmd.orderID), nil
	case cmdReduce:
		if state == StateHalted {
			return nil, ErrEngineUnavailable
		}
		return book.reduce(cmd.orderID, cmd.size)
	case cmdSuspend:
		return nil, book.transition(StateRunning, StateSuspended)
	case cmdResume:
		return nil, book.transition(StateSuspended, StateRunning)
	case cmdOpenOrders:
		orders := book.bidQueue.toSnapshot()
		return append(orders, book.askQueue.toSnapshot()...), nil
	case cmdOrder:
		order, _ := book.find(cmd.orderID)
		if order == nil {
			return nil, ErrNotFound
		}
		return order.clone(), nil
	case cmdStats:
		return &BookStats{
			State:         state,
			AskDepthCount: book.askQueue.depthCount(),
			AskOrderCount: book.askQueue.orderCount(),
			BidDepthCount: book.bidQueue.depthCount(),
			BidOrderCount: book.bidQueue.orderCount(),
			SequenceID:    book.seqID.Load(),
			TradeID:       book.tradeID.Load(),
		}, nil
	case cmdSnapshot:
		return book.createSnapshot(), nil
	}

	return nil, fmt.Errorf("unknown command %d", cmd.typ)
}

// transition moves the book between running and suspended.
// Moving to the state the book is already in is a no-op.
func (book *OrderBook) transition(from, to OrderBookState) error {
	current := book.State()
	switch current {
	case to:
		return nil
	case StateHalted:
		return ErrEngineUnavailable
	case from:
		if !book.state.CompareAndSwap(uint32(from), uint32(to)) {
			return ErrEngineUnavailable
		}
		metrics.SetBookState(book.symbol, float64(to))
		logger.Info("order book state changed", "symbol", book.symbol, "from", from.String(), "to", to.String())
		return nil
	}
	return fmt.Errorf("cannot move %s from %s to %s", book.symbol, current, to)
}

func (book *OrderBook) halt(cause error) {
	prev := OrderBookState(book.state.Swap(uint32(StateHalted)))
	if prev == StateHalted {
		return
	}
	metrics.SetBookState(book.symbol, float64(StateHalted))
	logger.Error("order book halted", "symbol", book.symbol, "from", prev.String(), "error", cause)
}

// find looks an order up on both sides.
func (book *OrderBook) find(orderID string) (*Order, *queue) {
	if order := book.bidQueue.order(orderID); order != nil {
		return order, book.bidQueue
	}
	if order := book.askQueue.order(orderID); order != nil {
		return order, book.askQueue
	}
	return nil, nil
}

func (book *OrderBook) nextSeq() uint64 {
	return book.seqID.Add(1)
}

func (book *OrderBook) emit(logs ...*BookLog) {
	if len(logs) == 0 {
		return
	}
	book.publishTrader.Publish(logs...)
}

// refreshDepth republishes the copy-on-write top-of-book view.
func (book *OrderBook) refreshDepth() {
	book.top.Store(&Depth{
		Symbol:   book.symbol,
		UpdateID: book.seqID.Load(),
		Asks:     book.askQueue.depth(book.depthLevels),
		Bids:     book.bidQueue.depth(book.depthLevels),
	})
	metrics.SetOrderbookDepth(book.symbol, Buy.String(), float64(book.bidQueue.depthCount()))
	metrics.SetOrderbookDepth(book.symbol, Sell.String(), float64(book.askQueue.depthCount()))
}

// cancel removes a resting order and emits a cancel event for its remaining size.
func (book *OrderBook) cancel(orderID string) CancelOutcome {
	order, q := book.find(orderID)
	if order == nil {
		return CancelOutcomeNotFound
	}

	q.removeOrder(orderID)
	removed := order.Remaining
	order.Remaining = decimal.Zero
	order.Status = StatusCancelled
	book.emit(newCancelLog(book.nextSeq(), order, removed, book.now()))
	return CancelOutcomeCancelled
}

// reduce shrinks a resting order in place.
func (book *OrderBook) reduce(orderID string, size decimal.Decimal) (Order, error) {
	order, q := book.find(orderID)
	if order == nil {
		return Order{}, ErrNotFound
	}
	if size.GreaterThan(order.Remaining) {
		return Order{}, errInvalid("reduce size %s exceeds remaining %s of %s", size, order.Remaining, orderID)
	}

	if _, err := q.reduceOrder(orderID, size); err != nil {
		return Order{}, err
	}
	if order.Remaining.IsZero() {
		order.Status = StatusCancelled
	}
	book.emit(newReduceLog(book.nextSeq(), order, size, book.now()))
	return order.clone(), nil
}

// createSnapshot copies the book state. Called from the book goroutine only.
func (book *OrderBook) createSnapshot() *OrderBookSnapshot {
	return &OrderBookSnapshot{
		Symbol:   book.symbol,
		State:    book.State(),
		Config:   book.config,
		SeqID:    book.seqID.Load(),
		OrderSeq: book.orderSeq,
		TradeID:  book.tradeID.Load(),
		Bids:     book.bidQueue.toSnapshot(),
		Asks:     book.askQueue.toSnapshot(),
	}
}

// Restore rebuilds the book from a snapshot. It must be called before Start.
func (book *OrderBook) Restore(snap *OrderBookSnapshot) {
	book.seqID.Store(snap.SeqID)
	book.tradeID.Store(snap.TradeID)
	book.orderSeq = snap.OrderSeq
	book.config = snap.Config
	book.state.Store(uint32(snap.State))

	book.bidQueue = NewBuyerQueue()
	book.askQueue = NewSellerQueue()

	restoreOrders := func(orders []Order, q *queue) {
		for i := range orders {
			order := orders[i]
			q.insertOrder(&order)
		}
	}
	restoreOrders(snap.Bids, book.bidQueue)
	restoreOrders(snap.Asks, book.askQueue)

	book.refreshDepth()
}

// SeedIDs raises the trade and sequence counters to at least tradeID and seqID.
// It must be called before Start.
func (book *OrderBook) SeedIDs(tradeID, seqID uint64) {
	if tradeID > book.tradeID.Load() {
		book.tradeID.Store(tradeID)
	}
	if seqID > book.seqID.Load() {
		book.seqID.Store(seqID)
	}
	book.refreshDepth()
}
