// Package rpc serves the market's in-process API over HTTP with JSON bodies.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/tendermint/market/internal/market"
	"github.com/tendermint/market/internal/wallet"
	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/libs/service"
	"github.com/tendermint/market/types"
)

// Market is the API the server exposes. *market.Reactor implements it.
type Market interface {
	TraderID() types.TraderID
	CreateAsk(ctx context.Context, assets types.AssetPair, timeout types.Timeout) (*types.Order, error)
	CreateBid(ctx context.Context, assets types.AssetPair, timeout types.Timeout) (*types.Order, error)
	CancelOrder(ctx context.Context, id types.OrderID) (*types.Order, error)
	Orders(ctx context.Context) ([]*types.Order, error)
	Order(ctx context.Context, id types.OrderID) (*types.Order, error)
	Asks(ctx context.Context) ([]market.Level, error)
	Bids(ctx context.Context) ([]market.Level, error)
	Transactions(ctx context.Context) ([]*types.Transaction, error)
	Transaction(ctx context.Context, id types.TransactionID) (*types.Transaction, error)
	Payments(ctx context.Context, id types.TransactionID) ([]*types.Payment, error)
	QueryOrderStatus(ctx context.Context, id types.OrderID) (market.OrderState, error)
	Peers(ctx context.Context) ([]market.Peer, error)
	Matchmakers(ctx context.Context) ([]market.Peer, error)
}

var _ Market = (*market.Reactor)(nil)

// Config configures the HTTP server.
type Config struct {
	ListenAddress string

	// CORSAllowedOrigins enables CORS when not empty. "*" allows every
	// origin.
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string

	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// DefaultConfig returns a configuration listening on localhost.
func DefaultConfig() Config {
	return Config{
		ListenAddress:      "127.0.0.1:8085",
		CORSAllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPut, http.MethodPost},
		CORSAllowedHeaders: []string{"Origin", "Accept", "Content-Type", "X-Requested-With"},
		MaxBodyBytes:       1 << 20,
		RequestTimeout:     30 * time.Second,
	}
}

// Server is the REST collaborator of the market reactor.
type Server struct {
	service.BaseService
	logger log.Logger
	cfg    Config
	market Market
	clock  clock.Clock

	handler  http.Handler
	listener net.Listener
	server   *http.Server
	done     chan error
}

// Option sets an optional parameter on the Server.
type Option func(*Server)

// WithClock sets the clock used to derive order status.
func WithClock(clk clock.Clock) Option { return func(s *Server) { s.clock = clk } }

// NewServer returns a server for m. It does not listen until started.
func NewServer(logger log.Logger, cfg Config, m Market, options ...Option) *Server {
	s := &Server{
		logger: logger.With("module", "rpc"),
		cfg:    cfg,
		market: m,
		clock:  clock.New(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.handler = s.routes()
	s.BaseService = *service.NewBaseService(s.logger, "RPC", s)
	return s
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddress
	}
	return s.listener.Addr().String()
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/asks", s.handleLevels(true)).Methods(http.MethodGet)
	r.HandleFunc("/bids", s.handleLevels(false)).Methods(http.MethodGet)
	r.HandleFunc("/asks", s.handleCreate(true)).Methods(http.MethodPut)
	r.HandleFunc("/bids", s.handleCreate(false)).Methods(http.MethodPut)
	r.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id}", s.handleOrder).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}/status", s.handleOrderStatus).Methods(http.MethodGet)
	r.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", s.handleTransaction).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/payments", s.handlePayments).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/matchmakers", s.handleMatchmakers).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.Use(s.middleware)

	if len(s.cfg.CORSAllowedOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: s.cfg.CORSAllowedMethods,
		AllowedHeaders: s.cfg.CORSAllowedHeaders,
	}).Handler(r)
}

// middleware bounds request bodies and durations and logs every request.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		begin := time.Now()
		if s.cfg.MaxBodyBytes > 0 {
			req.Body = http.MaxBytesReader(w, req.Body, s.cfg.MaxBodyBytes)
		}
		if s.cfg.RequestTimeout > 0 {
			ctx, cancel := context.WithTimeout(req.Context(), s.cfg.RequestTimeout)
			defer cancel()
			req = req.WithContext(ctx)
		}
		next.ServeHTTP(w, req)
		s.logger.Debug("served request", "method", req.Method, "path", req.URL.Path, "duration", time.Since(begin))
	})
}

// OnStart implements service.Service.
func (s *Server) OnStart(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.done = make(chan error, 1)
	go func() {
		err := s.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	s.logger.Info("serving rpc", "addr", s.Addr())
	return nil
}

// OnStop implements service.Service.
func (s *Server) OnStop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shut down rpc server", "err", err)
	}
	if err := <-s.done; err != nil {
		s.logger.Error("rpc server stopped with error", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorJSON struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorJSON{Error: err.Error()})
}

// statusOf maps market errors to HTTP status codes.
func statusOf(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case types.IsValidationError(err), errors.Is(err, types.ErrSameAsset), errors.Is(err, wallet.ErrUnknownAsset):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, market.ErrOrderNotFound), errors.Is(err, market.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrOrderNotOpen):
		return http.StatusConflict
	case errors.Is(err, market.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, req *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "err", err)
	}
	writeError(w, status, err)
}
