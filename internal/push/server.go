package push

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	wsActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paper_trading_ws_active_connections",
		Help: "Current number of active push WebSocket connections",
	}, []string{"endpoint"})

	wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_trading_ws_rejected_total",
		Help: "Total number of rejected push WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(wsActiveConnections)
	prometheus.MustRegister(wsRejectedTotal)
}

// ServerConfig tunes the push server. Zero values fall back to defaults.
type ServerConfig struct {
	AllowedOrigins []string
	MaxConnections int
	RateLimit      float64
	RateBurst      int
	Production     bool
}

// Server upgrades authenticated WebSocket connections and pumps hub messages
// to them.
type Server struct {
	hub    *Hub
	store  core.IStore
	logger core.ILogger

	srv      *http.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex

	allowedOrigins []string
	production     bool

	connSemaphore chan struct{}

	ipLimiters sync.Map // ip -> *rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// NewServer creates a push server. The store authenticates connections.
func NewServer(hub *Hub, store core.IStore, cfg ServerConfig, logger core.ILogger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}

	s := &Server{
		hub:            hub,
		store:          store,
		logger:         logger.WithField("component", "push_server"),
		allowedOrigins: cfg.AllowedOrigins,
		production:     cfg.Production,
		connSemaphore:  make(chan struct{}, cfg.MaxConnections),
		rateLimit:      rate.Limit(cfg.RateLimit),
		rateBurst:      cfg.RateBurst,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	s.logger.Info("Starting push server", "addr", addr)

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

// Stop shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping push server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (bots, CLIs) connect without an Origin header.
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected connection with invalid Origin", "origin", origin, "error", err.Error())
		wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			if s.production {
				wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// handleWebSocket authenticates, rate-limits, and upgrades one connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := s.remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("IP rate limit exceeded", "ip", ip)
		wsRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	key := r.URL.Query().Get("key")
	secret := r.URL.Query().Get("secret")
	user, err := s.store.GetUserByCredentials(r.Context(), key, secret)
	if err != nil {
		wsRejectedTotal.WithLabelValues("auth").Inc()
		http.Error(w, "User not found", http.StatusBadRequest)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		wsActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			wsActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		s.logger.Warn("Max connections reached")
		wsRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err.Error())
		return
	}

	client := NewClient(uuid.New().String(), user.ID)
	s.hub.Register(client)
	s.logger.Info("Client connected", "client_id", client.id, "user", user.ID, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
	s.logger.Info("Client disconnected", "client_id", client.id, "user", user.ID)
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Write error", "client_id", client.id, "error", err.Error())
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive; clients only receive.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Read error", "client_id", client.id, "error", err.Error())
			}
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func (s *Server) remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}
