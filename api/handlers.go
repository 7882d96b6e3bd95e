package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/shopspring/decimal"

	match "github.com/0x5487/exchange-matcher"
	"github.com/0x5487/exchange-matcher/protocol"
)

// ==============================
// Markets
// ==============================

func (s *Server) market(symbol string) (protocol.MarketResponse, error) {
	book := s.engine.OrderBook(symbol)
	if book == nil {
		return protocol.MarketResponse{}, match.ErrMarketNotFound
	}
	cfg := book.Config()
	return protocol.MarketResponse{
		Symbol:   symbol,
		TickSize: cfg.TickSize.String(),
		LotSize:  cfg.LotSize.String(),
		State:    book.State().String(),
	}, nil
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	symbols := s.engine.Markets()
	markets := make([]protocol.MarketResponse, 0, len(symbols))
	for _, symbol := range symbols {
		m, err := s.market(symbol)
		if err != nil {
			// closed between listing and lookup
			continue
		}
		markets = append(markets, m)
	}
	s.respondJSON(w, http.StatusOK, markets)
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.CreateMarketCommand
	if err := s.decode(r, &cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := match.MarketConfig{TickSize: decimal.Zero, LotSize: decimal.Zero}
	var err error
	if cmd.TickSize != "" {
		if cfg.TickSize, err = decimal.NewFromString(cmd.TickSize); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid tick_size")
			return
		}
	}
	if cmd.LotSize != "" {
		if cfg.LotSize, err = decimal.NewFromString(cmd.LotSize); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid lot_size")
			return
		}
	}

	if err := s.engine.CreateMarket(cmd.Symbol, cfg); err != nil {
		s.respondEngineError(w, err)
		return
	}
	m, err := s.market(cmd.Symbol)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	stats, err := s.engine.Stats(r.Context(), symbol)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toStatsResponse(stats))
}

func (s *Server) handleCloseMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	report, err := s.engine.CloseMarket(r.Context(), symbol)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toBulkCancelResponse(report))
}

func (s *Server) handleSuspendMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.engine.SuspendMarket(r.Context(), symbol); err != nil {
		s.respondEngineError(w, err)
		return
	}
	m, _ := s.market(symbol)
	s.respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleResumeMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.engine.ResumeMarket(r.Context(), symbol); err != nil {
		s.respondEngineError(w, err)
		return
	}
	m, _ := s.market(symbol)
	s.respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleHaltMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var cmd protocol.HaltMarketCommand
	if err := s.decodeOptional(r, &cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reason := cmd.Reason
	if reason == "" {
		reason = "operator request"
	}
	if err := s.engine.HaltMarket(symbol, fmt.Errorf("operator halt: %s", reason)); err != nil {
		s.respondEngineError(w, err)
		return
	}
	m, _ := s.market(symbol)
	s.respondJSON(w, http.StatusOK, m)
}

// ==============================
// Market data
// ==============================

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit, err := queryInt(r, "limit", min(defaultDepth, s.depthLevels), s.depthLevels)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	depth, err := s.engine.Depth(symbol, uint32(limit))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toDepthResponse(depth))
}

func (s *Server) handleAggregatedDepth(w http.ResponseWriter, r *http.Request) {
	if s.depthView == nil {
		s.respondError(w, http.StatusNotImplemented, "aggregated depth is not enabled")
		return
	}
	symbol := mux.Vars(r)["symbol"]
	limit, err := queryInt(r, "limit", defaultDepth, maxAggregatedDepth)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	depth, err := s.depthView.Depth(symbol, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toDepthResponse(depth))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.respondError(w, http.StatusNotImplemented, "trade history is not enabled")
		return
	}
	symbol := mux.Vars(r)["symbol"]

	limit, err := queryInt(r, "limit", defaultPageLimit, maxPageLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		if after, err = strconv.ParseUint(raw, 10, 64); err != nil {
			s.respondError(w, http.StatusBadRequest, "after must be a trade id")
			return
		}
	}

	trades, err := s.history.Trades(r.Context(), symbol, after, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toTradeResponses(trades))
}

// ==============================
// Orders
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var cmd protocol.PlaceOrderCommand
	if err := s.decode(r, &cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.OrderID == "" {
		cmd.OrderID = xid.New().String()
	}

	result, err := s.engine.PlaceOrder(r.Context(), symbol, &cmd)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, toSubmitResponse(result))
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	orders, err := s.engine.OpenOrders(r.Context(), symbol)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	resp := make([]protocol.OrderResponse, len(orders))
	for i := range orders {
		resp[i] = toOrderResponse(&orders[i])
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	order, err := s.engine.Order(r.Context(), vars["symbol"], vars["id"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toOrderResponse(&order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	outcome, err := s.engine.HandleOrderCancellation(r.Context(), vars["symbol"], vars["id"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, protocol.CancelOrderResponse{
		OrderID: vars["id"],
		Result:  outcome.String(),
	})
}

func (s *Server) handleBulkCancel(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var cmd protocol.BulkCancelCommand
	if err := s.decode(r, &cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.engine.CancelOrders(r.Context(), symbol, cmd.OrderIDs)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toBulkCancelResponse(report))
}

func (s *Server) handleReduceOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var cmd protocol.ReduceOrderCommand
	if err := s.decode(r, &cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	size, err := decimal.NewFromString(cmd.Size)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid size")
		return
	}

	order, err := s.engine.ReduceOrder(r.Context(), vars["symbol"], vars["id"], size)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toOrderResponse(&order))
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.respondError(w, http.StatusNotImplemented, "order history is not enabled")
		return
	}
	vars := mux.Vars(r)
	update, err := s.history.OrderStatus(r.Context(), vars["symbol"], vars["id"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toOrderStatusResponse(update))
}

// ==============================
// Risk
// ==============================

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.EmergencyStopCommand
	if err := s.decodeOptional(r, &cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Warn("emergency stop requested", "symbols", cmd.Symbols, "reason", cmd.Reason)
	report := s.engine.EmergencyStop(r.Context(), cmd.Symbols...)
	s.respondJSON(w, http.StatusOK, toEmergencyStopResponse(report))
}
