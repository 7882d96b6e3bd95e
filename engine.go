package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x5487/exchange-matcher/protocol"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBulkConcurrency = 64
	seedTimeout            = 5 * time.Second
)

// BulkCancelReport counts the outcome of a fan-out cancellation.
// Orders that were already filled or cancelled are counted as NotFound, not as failures.
type BulkCancelReport struct {
	Requested int
	Cancelled int
	NotFound  int
	Failed    int
	Failures  map[string]error // order id -> error
}

// EmergencyStopReport holds per-market results of EmergencyStop.
type EmergencyStopReport struct {
	Markets  map[string]BulkCancelReport
	Failures map[string]error // symbol -> error that prevented the stop
}

// Cancelled sums cancellations over all markets.
func (r EmergencyStopReport) Cancelled() int {
	total := 0
	for _, m := range r.Markets {
		total += m.Cancelled
	}
	return total
}

// EngineOption configures a MatchingEngine.
type EngineOption func(*MatchingEngine)

// WithBookOptions applies options to every order book the engine creates.
func WithBookOptions(opts ...OrderBookOption) EngineOption {
	return func(engine *MatchingEngine) {
		engine.bookOpts = append(engine.bookOpts, opts...)
	}
}

// WithBulkConcurrency bounds how many cancellations a bulk operation runs at once.
func WithBulkConcurrency(n int) EngineOption {
	return func(engine *MatchingEngine) {
		if n > 0 {
			engine.bulkLimit = n
		}
	}
}

// WithIDSource makes every new or restored book continue the trade and sequence ids
// recorded in src instead of starting at zero.
func WithIDSource(src IDSource) EngineOption {
	return func(engine *MatchingEngine) {
		engine.ids = src
	}
}

// OnMarketOpened registers fn to run with the initial state of every book
// the engine creates or restores, before the book accepts commands.
func OnMarketOpened(fn func(snap *OrderBookSnapshot)) EngineOption {
	return func(engine *MatchingEngine) {
		engine.onOpen = append(engine.onOpen, fn)
	}
}

type lastIDs struct {
	tradeID uint64
	seqID   uint64
}

// MatchingEngine manages the order books of all markets.
// It owns the symbol to book mapping; callers never hold a book across calls.
type MatchingEngine struct {
	isShutdown    atomic.Bool
	orderbooks    sync.Map
	publishTrader PublishLog
	bookOpts      []OrderBookOption
	bulkLimit     int
	ids           IDSource
	onOpen        []func(snap *OrderBookSnapshot)
	retired       sync.Map // symbol -> lastIDs of closed books
	wg            sync.WaitGroup
}

// NewMatchingEngine creates a new matching engine instance.
func NewMatchingEngine(publishTrader PublishLog, opts ...EngineOption) *MatchingEngine {
	engine := &MatchingEngine{
		publishTrader: publishTrader,
		bulkLimit:     defaultBulkConcurrency,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// CreateMarket creates and starts the order book for symbol.
func (engine *MatchingEngine) CreateMarket(symbol string, cfg MarketConfig) error {
	if engine.isShutdown.Load() {
		return ErrShutdown
	}
	if len(symbol) == 0 {
		return fmt.Errorf("%w: market symbol is required", ErrInvalidOrder)
	}
	if cfg.TickSize.IsNegative() || cfg.LotSize.IsNegative() {
		return fmt.Errorf("%w: tick and lot size must not be negative", ErrInvalidOrder)
	}

	if engine.OrderBook(symbol) != nil {
		return fmt.Errorf("%w: %s", ErrMarketExists, symbol)
	}

	book := engine.newBook(symbol, cfg)
	if err := engine.seedIDs(book); err != nil {
		return err
	}
	if _, loaded := engine.orderbooks.LoadOrStore(symbol, book); loaded {
		return fmt.Errorf("%w: %s", ErrMarketExists, symbol)
	}
	engine.startBook(book)

	logger.Info("market created", "symbol", symbol, "tick_size", cfg.TickSize.String(), "lot_size", cfg.LotSize.String())
	return nil
}

func (engine *MatchingEngine) newBook(symbol string, cfg MarketConfig) *OrderBook {
	opts := make([]OrderBookOption, 0, len(engine.bookOpts)+1)
	opts = append(opts, engine.bookOpts...)
	opts = append(opts, WithMarketConfig(cfg))
	return NewOrderBook(symbol, engine.publishTrader, opts...)
}

// seedIDs moves a new book past every id a previous book of the same symbol used,
// whether in this process or, through the IDSource, before a restart.
func (engine *MatchingEngine) seedIDs(book *OrderBook) error {
	if v, ok := engine.retired.Load(book.symbol); ok {
		ids, _ := v.(lastIDs)
		book.SeedIDs(ids.tradeID, ids.seqID)
	}
	if engine.ids == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
	defer cancel()
	tradeID, seqID, err := engine.ids.LastIDs(ctx, book.symbol)
	if err != nil {
		return fmt.Errorf("load last ids of %s: %w", book.symbol, err)
	}
	book.SeedIDs(tradeID, seqID)
	return nil
}

// startBook notifies OnMarketOpened hooks and starts the book goroutine.
func (engine *MatchingEngine) startBook(book *OrderBook) {
	if len(engine.onOpen) > 0 {
		snap := book.createSnapshot()
		for _, fn := range engine.onOpen {
			fn(snap)
		}
	}

	engine.wg.Add(1)
	go func() {
		defer engine.wg.Done()
		if err := book.Start(); err != nil {
			logger.Error("order book stopped with error", "symbol", book.symbol, "error", err)
		}
	}()
}

// OrderBook retrieves the order book for a symbol.
// Returns nil if the market does not exist.
func (engine *MatchingEngine) OrderBook(symbol string) *OrderBook {
	book, found := engine.orderbooks.Load(symbol)
	if !found {
		return nil
	}

	orderbook, _ := book.(*OrderBook)
	return orderbook
}

func (engine *MatchingEngine) book(symbol string) (*OrderBook, error) {
	if engine.isShutdown.Load() {
		return nil, ErrShutdown
	}
	book := engine.OrderBook(symbol)
	if book == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return book, nil
}

// Markets returns all market symbols in lexical order.
func (engine *MatchingEngine) Markets() []string {
	symbols := make([]string, 0)
	engine.orderbooks.Range(func(key, _ any) bool {
		symbols = append(symbols, key.(string))
		return true
	})
	sort.Strings(symbols)
	return symbols
}

// SuspendMarket stops order admission for symbol. Cancellations keep working.
func (engine *MatchingEngine) SuspendMarket(ctx context.Context, symbol string) error {
	book, err := engine.book(symbol)
	if err != nil {
		return err
	}
	return book.Suspend(ctx)
}

// ResumeMarket re-opens a suspended market.
func (engine *MatchingEngine) ResumeMarket(ctx context.Context, symbol string) error {
	book, err := engine.book(symbol)
	if err != nil {
		return err
	}
	return book.Resume(ctx)
}

// HaltMarket stops a market permanently. Every later operation on it fails with ErrEngineUnavailable.
// It does not wait for the book goroutine, so it is safe to call from event consumers.
func (engine *MatchingEngine) HaltMarket(symbol string, cause error) error {
	book := engine.OrderBook(symbol)
	if book == nil {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	book.Halt(cause)
	return nil
}

// CloseMarket stops admission, cancels every resting order and removes the market.
func (engine *MatchingEngine) CloseMarket(ctx context.Context, symbol string) (BulkCancelReport, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return BulkCancelReport{}, err
	}

	if err := book.Suspend(ctx); err != nil {
		return BulkCancelReport{}, err
	}

	orders, err := book.OpenOrders(ctx)
	if err != nil {
		return BulkCancelReport{}, err
	}
	report := engine.cancelOrders(ctx, book, orderIDs(orders))
	if report.Failed > 0 {
		return report, fmt.Errorf("close %s: %d cancellations failed", symbol, report.Failed)
	}

	err = book.Shutdown(ctx)
	engine.retired.Store(symbol, lastIDs{tradeID: book.tradeID.Load(), seqID: book.seqID.Load()})
	engine.orderbooks.Delete(symbol)
	if err != nil {
		return report, err
	}

	logger.Info("market closed", "symbol", symbol, "cancelled", report.Cancelled)
	return report, nil
}

// SubmitOrder validates, admits and matches an order.
// It returns the order's final state and the trades it produced.
func (engine *MatchingEngine) SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	book, err := engine.book(req.Symbol)
	if err != nil {
		return nil, err
	}
	return book.Submit(ctx, req)
}

// PlaceOrder parses a wire command and submits it to symbol.
func (engine *MatchingEngine) PlaceOrder(ctx context.Context, symbol string, cmd *protocol.PlaceOrderCommand) (*SubmitResult, error) {
	req, err := ParsePlaceOrder(symbol, cmd)
	if err != nil {
		return nil, err
	}
	return engine.SubmitOrder(ctx, req)
}

// ParsePlaceOrder converts a string-typed command into an OrderRequest.
func ParsePlaceOrder(symbol string, cmd *protocol.PlaceOrderCommand) (OrderRequest, error) {
	if cmd == nil {
		return OrderRequest{}, errInvalid("empty command")
	}

	size, err := decimal.NewFromString(cmd.Size)
	if err != nil {
		return OrderRequest{}, errInvalid("size %q: %v", cmd.Size, err)
	}

	price := decimal.Zero
	if len(cmd.Price) > 0 {
		price, err = decimal.NewFromString(cmd.Price)
		if err != nil {
			return OrderRequest{}, errInvalid("price %q: %v", cmd.Price, err)
		}
	}

	kind := cmd.OwnerKind
	if len(kind) == 0 {
		kind = protocol.OwnerKindUser
	}
	if kind != protocol.OwnerKindUser && kind != protocol.OwnerKindBot {
		return OrderRequest{}, errInvalid("unknown owner kind %q", kind)
	}

	return OrderRequest{
		ID:          cmd.OrderID,
		Symbol:      symbol,
		Side:        cmd.Side,
		Type:        cmd.OrderType,
		TimeInForce: cmd.TimeInForce,
		Price:       price,
		Quantity:    size,
		Owner:       Owner{Kind: kind, ID: cmd.OwnerID},
	}, nil
}

// HandleOrderCancellation cancels orderID on symbol.
// An order that is unknown, filled or already cancelled yields CancelOutcomeNotFound and no error.
func (engine *MatchingEngine) HandleOrderCancellation(ctx context.Context, symbol string, orderID string) (CancelOutcome, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return CancelOutcomeNotFound, err
	}
	return book.Cancel(ctx, orderID)
}

// ReduceOrder shrinks a resting order without changing its priority.
func (engine *MatchingEngine) ReduceOrder(ctx context.Context, symbol string, orderID string, size decimal.Decimal) (Order, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return Order{}, err
	}
	return book.Reduce(ctx, orderID, size)
}

// CancelOrders cancels many orders of one market independently.
// Individual failures are counted, never returned.
func (engine *MatchingEngine) CancelOrders(ctx context.Context, symbol string, orderIDs []string) (BulkCancelReport, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return BulkCancelReport{}, err
	}
	return engine.cancelOrders(ctx, book, orderIDs), nil
}

func (engine *MatchingEngine) cancelOrders(ctx context.Context, book *OrderBook, orderIDs []string) BulkCancelReport {
	report := BulkCancelReport{
		Requested: len(orderIDs),
		Failures:  make(map[string]error),
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(engine.bulkLimit)
	for _, id := range orderIDs {
		id := id
		g.Go(func() error {
			outcome, err := book.Cancel(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Failures[id] = err
			case outcome == CancelOutcomeCancelled:
				report.Cancelled++
			default:
				report.NotFound++
			}
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// EmergencyStop suspends the given markets, or all markets when none are given,
// and cancels their resting orders. Markets are handled independently.
func (engine *MatchingEngine) EmergencyStop(ctx context.Context, symbols ...string) EmergencyStopReport {
	if len(symbols) == 0 {
		symbols = engine.Markets()
	}

	report := EmergencyStopReport{
		Markets:  make(map[string]BulkCancelReport, len(symbols)),
		Failures: make(map[string]error),
	}
	var mu sync.Mutex

	var g errgroup.Group
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			result, err := engine.stopMarket(ctx, symbol)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures[symbol] = err
				return nil
			}
			report.Markets[symbol] = result
			return nil
		})
	}
	_ = g.Wait()

	logger.Warn("emergency stop executed", "markets", len(symbols), "cancelled", report.Cancelled(), "failed_markets", len(report.Failures))
	return report
}

func (engine *MatchingEngine) stopMarket(ctx context.Context, symbol string) (BulkCancelReport, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return BulkCancelReport{}, err
	}
	if err := book.Suspend(ctx); err != nil {
		return BulkCancelReport{}, err
	}
	orders, err := book.OpenOrders(ctx)
	if err != nil {
		return BulkCancelReport{}, err
	}
	return engine.cancelOrders(ctx, book, orderIDs(orders)), nil
}

func orderIDs(orders []Order) []string {
	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	return ids
}

// OpenOrders returns the resting orders of a market.
func (engine *MatchingEngine) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return nil, err
	}
	return book.OpenOrders(ctx)
}

// Order returns a resting order. Filled, cancelled and unknown orders yield ErrNotFound.
func (engine *MatchingEngine) Order(ctx context.Context, symbol string, orderID string) (Order, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return Order{}, err
	}
	return book.Order(ctx, orderID)
}

// Depth returns up to limit price levels per side without waiting for the book goroutine.
func (engine *MatchingEngine) Depth(symbol string, limit uint32) (*Depth, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return nil, err
	}
	return book.Depth(limit), nil
}

// BestBid returns the best bid level of a market.
func (engine *MatchingEngine) BestBid(symbol string) (DepthItem, bool, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return DepthItem{}, false, err
	}
	item, ok := book.BestBid()
	return item, ok, nil
}

// BestAsk returns the best ask level of a market.
func (engine *MatchingEngine) BestAsk(symbol string) (DepthItem, bool, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return DepthItem{}, false, err
	}
	item, ok := book.BestAsk()
	return item, ok, nil
}

// Stats returns queue statistics of a market.
func (engine *MatchingEngine) Stats(ctx context.Context, symbol string) (*BookStats, error) {
	book, err := engine.book(symbol)
	if err != nil {
		return nil, err
	}
	return book.GetStats(ctx)
}

// Shutdown gracefully shuts down all order books in the engine.
// It blocks until all order books have drained or the context is cancelled.
// Returns nil if all order books shut down successfully, or an aggregated error otherwise.
func (engine *MatchingEngine) Shutdown(ctx context.Context) error {
	engine.isShutdown.Store(true)

	var wg sync.WaitGroup
	var errs []error
	var errMu sync.Mutex

	engine.orderbooks.Range(func(key, value any) bool {
		wg.Add(1)
		go func(symbol string, book *OrderBook) {
			defer wg.Done()
			if err := book.Shutdown(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
				errMu.Unlock()
			}
		}(key.(string), value.(*OrderBook))
		return true
	})

	wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	done := make(chan struct{})
	go func() {
		engine.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
