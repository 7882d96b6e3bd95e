// Package api exposes the matching engine over HTTP and streams book events
// over websocket.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	match "github.com/0x5487/exchange-matcher"
	"github.com/0x5487/exchange-matcher/metrics"
	"github.com/0x5487/exchange-matcher/protocol"
)

const (
	maxBodyBytes     = 1 << 20
	defaultDepth       = 20
	maxAggregatedDepth = 1000
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// History serves persisted trades and order statuses.
type History interface {
	Trades(ctx context.Context, symbol string, afterID uint64, limit int) ([]match.Trade, error)
	OrderStatus(ctx context.Context, symbol, orderID string) (*match.OrderStatusUpdate, error)
}

// Option configures a Server.
type Option func(*Server)

// WithHub uses hub for the /ws endpoint. The caller registers it as a pipeline notifier.
func WithHub(hub *Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithDepthView serves aggregated depth rebuilt from the event stream.
func WithDepthView(view *match.DepthView) Option {
	return func(s *Server) {
		s.depthView = view
	}
}

// WithDepthLevels caps /depth at the number of levels each book publishes
// (match.WithDepthLevels). Larger limits are clamped.
func WithDepthLevels(levels int) Option {
	return func(s *Server) {
		if levels > 0 {
			s.depthLevels = levels
		}
	}
}

// WithHistory serves trade and order status history.
func WithHistory(history History) Option {
	return func(s *Server) {
		s.history = history
	}
}

// WithAllowedOrigins sets the CORS origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithSerializer replaces the JSON request and response encoding.
func WithSerializer(serializer protocol.Serializer) Option {
	return func(s *Server) {
		if serializer != nil {
			s.serializer = serializer
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine      *match.MatchingEngine
	hub         *Hub
	depthView   *match.DepthView
	depthLevels int
	history     History
	serializer  protocol.Serializer
	origins     []string
	logger      *slog.Logger
	router      *mux.Router
	httpServer  *http.Server
}

// NewServer creates a new API server
func NewServer(engine *match.MatchingEngine, opts ...Option) *Server {
	s := &Server{
		engine:      engine,
		depthLevels: defaultDepth,
		serializer:  protocol.DefaultJSONSerializer{},
		origins:     []string{"*"},
		logger:      slog.Default(),
		router:      mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", "api")
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Markets
	api.HandleFunc("/markets", s.handleListMarkets).Methods(http.MethodGet)
	api.HandleFunc("/markets", s.handleCreateMarket).Methods(http.MethodPost)
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}", s.handleCloseMarket).Methods(http.MethodDelete)
	api.HandleFunc("/markets/{symbol}/suspend", s.handleSuspendMarket).Methods(http.MethodPost)
	api.HandleFunc("/markets/{symbol}/resume", s.handleResumeMarket).Methods(http.MethodPost)
	api.HandleFunc("/markets/{symbol}/halt", s.handleHaltMarket).Methods(http.MethodPost)

	// Market data
	api.HandleFunc("/markets/{symbol}/depth", s.handleDepth).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}/aggregated-depth", s.handleAggregatedDepth).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}/trades", s.handleTrades).Methods(http.MethodGet)

	// Orders
	api.HandleFunc("/markets/{symbol}/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	api.HandleFunc("/markets/{symbol}/orders", s.handleOpenOrders).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}/orders/cancel", s.handleBulkCancel).Methods(http.MethodPost)
	api.HandleFunc("/markets/{symbol}/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)
	api.HandleFunc("/markets/{symbol}/orders/{id}/reduce", s.handleReduceOrder).Methods(http.MethodPost)
	api.HandleFunc("/markets/{symbol}/orders/{id}/status", s.handleOrderStatus).Methods(http.MethodGet)

	// Risk
	api.HandleFunc("/emergency-stop", s.handleEmergencyStop).Methods(http.MethodPost)

	s.router.Handle("/ws", s.hub)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the websocket hub and serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"markets": len(s.engine.Markets()),
		"clients": s.hub.Clients(),
	})
}

// decode reads a bounded request body into v.
func (s *Server) decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return s.serializer.Unmarshal(body, v)
}

// decodeOptional is decode for endpoints where every field has a default.
func (s *Server) decodeOptional(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		return err
	}
	return s.serializer.Unmarshal(body, v)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	body, err := s.serializer.Marshal(data)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, protocol.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// respondEngineError maps engine errors to HTTP statuses.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.respondError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, match.ErrInvalidOrder) && errors.Is(err, match.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, match.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, match.ErrNotFound), errors.Is(err, match.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, match.ErrMarketExists), errors.Is(err, match.ErrMarketClosed):
		return http.StatusConflict
	case errors.Is(err, match.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, match.ErrEngineUnavailable), errors.Is(err, match.ErrShutdown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// queryInt reads a non-negative integer query parameter, clamped to upper.
func queryInt(r *http.Request, key string, def, upper int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return min(n, upper), nil
}
