// Package server exposes the venue's client REST surface: order entry and
// queries, account state, and the market-data pass-through. Responses use the
// same {status, data, reason} envelope as the symbol service.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/pkg/telemetry"
)

// Config tunes the REST server. Zero values fall back to defaults.
type Config struct {
	RateLimit float64
	RateBurst int
}

// Server owns the HTTP listener and per-IP rate limiting. Handlers carry the
// route logic.
type Server struct {
	handlers *Handlers
	logger   core.ILogger

	srv *http.Server
	mu  sync.Mutex

	ipLimiters sync.Map // ip -> *rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int

	requestCounter metric.Int64Counter
}

func NewServer(handlers *Handlers, cfg Config, logger core.ILogger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}

	requestCounter, _ := telemetry.GetMeter("rest-api").Int64Counter(
		telemetry.MetricHTTPRequestsTotal,
		metric.WithDescription("REST requests served"))

	return &Server{
		handlers:       handlers,
		logger:         logger.WithField("component", "rest_server"),
		rateLimit:      rate.Limit(cfg.RateLimit),
		rateBurst:      cfg.RateBurst,
		requestCounter: requestCounter,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /order", s.handlers.CreateOrder)
	mux.HandleFunc("GET /order", s.handlers.GetOrder)
	mux.HandleFunc("GET /order/{orderId}", s.handlers.GetOrderByID)
	mux.HandleFunc("GET /order/all/open", s.handlers.OpenOrders)
	mux.HandleFunc("DELETE /order", s.handlers.CancelOrder)
	mux.HandleFunc("DELETE /order/byid", s.handlers.CancelOrderByID)

	mux.HandleFunc("GET /exchange", s.handlers.SymbolInfo)
	mux.HandleFunc("GET /exchange/all", s.handlers.AllSymbols)
	mux.HandleFunc("GET /exchange/latestPrice", s.handlers.LatestPrice)
	mux.HandleFunc("GET /exchange/candles", s.handlers.passthrough("/candles"))
	mux.HandleFunc("GET /exchange/trades", s.handlers.passthrough("/trades"))
	mux.HandleFunc("GET /exchange/prices", s.handlers.passthrough("/prices"))

	mux.HandleFunc("GET /user/positions", s.handlers.Positions)
	mux.HandleFunc("POST /user/leverage", s.handlers.SetLeverage)
	mux.HandleFunc("POST /user/hedge", s.handlers.SetHedge)
	mux.HandleFunc("GET /user/balance", s.handlers.Balances)

	mux.HandleFunc("GET /health", s.handlers.Health)

	return s.withMetrics(s.withRateLimit(mux))
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info("Starting REST server", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the HTTP listener down. In-flight requests run to completion.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping REST server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if !s.ipLimiter(ip).Allow() {
			s.logger.Warn("IP rate limit exceeded", "ip", ip, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.requestCounter.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("status", strconv.Itoa(rec.status)),
		))
	})
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if l, ok := s.ipLimiters.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	l, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return l.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
