package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/symbols"
	"github.com/Gainium/paper-trading-sh/internal/trading/account"
	"github.com/Gainium/paper-trading-sh/internal/trading/order"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"
)

// envelope is the response shape shared with the symbol service.
type envelope struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// marketData is the slice of the symbol-service client the proxy routes use.
type marketData interface {
	AllSymbols(ctx context.Context, exchange core.Exchange) ([]*core.Symbol, error)
	Passthrough(ctx context.Context, path string, params map[string]string) ([]byte, error)
}

// Handlers carries the route logic over the venue services.
type Handlers struct {
	account *account.Service
	orders  *order.Service
	symbols core.ISymbolProvider
	md      marketData
	prices  core.IPriceSource
	logger  core.ILogger
}

func NewHandlers(
	acct *account.Service,
	orders *order.Service,
	symbolProvider core.ISymbolProvider,
	md marketData,
	prices core.IPriceSource,
	logger core.ILogger,
) *Handlers {
	return &Handlers{
		account: acct,
		orders:  orders,
		symbols: symbolProvider,
		md:      md,
		prices:  prices,
		logger:  logger.WithField("component", "rest_handlers"),
	}
}

// badRequestSentinels are surfaced as 400 with their canonical text.
var badRequestSentinels = []error{
	apperrors.ErrUserNotFound,
	apperrors.ErrInsufficientFunds,
	apperrors.ErrOrderNotFound,
	apperrors.ErrOrderTerminal,
	apperrors.ErrDuplicateOrder,
	apperrors.ErrSymbolNotFound,
	apperrors.ErrReduceOrderRejected,
	apperrors.ErrHedgePositionSide,
	apperrors.ErrLeverageLocked,
	apperrors.ErrHedgeLocked,
	apperrors.ErrPositionNotFound,
	apperrors.ErrPriceUnavailable,
	apperrors.ErrInvalidOrderParam,
}

func writeJSON(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Status: "OK", Data: data})
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, envelope{Status: "NOTOK", Reason: reason})
}

// respondErr maps a service error onto the envelope. Domain sentinels keep
// their canonical text; anything unexpected becomes an opaque 500.
func (h *Handlers) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	for _, sentinel := range badRequestSentinels {
		if errors.Is(err, sentinel) {
			writeError(w, http.StatusBadRequest, sentinel.Error())
			return
		}
	}
	if errors.Is(err, apperrors.ErrNetwork) {
		h.logger.Warn("Upstream failure", "path", r.URL.Path, "error", err.Error())
		writeError(w, http.StatusBadGateway, "market data service unavailable")
		return
	}
	h.logger.Error("Request failed", "path", r.URL.Path, "error", err.Error())
	writeError(w, http.StatusInternalServerError, "internal error")
}

// authenticate resolves the key/secret query pair. On failure the 400 has
// already been written.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (*core.User, bool) {
	q := r.URL.Query()
	user, err := h.account.Authenticate(r.Context(), q.Get("key"), q.Get("secret"))
	if err != nil {
		h.respondErr(w, r, err)
		return nil, false
	}
	return user, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

type createOrderRequest struct {
	Key          string            `json:"key"`
	Secret       string            `json:"secret"`
	ExternalID   string            `json:"externalId"`
	Symbol       string            `json:"symbol"`
	Exchange     core.Exchange     `json:"exchange"`
	Side         core.Side         `json:"side"`
	Type         core.OrderType    `json:"type"`
	Price        decimal.Decimal   `json:"price"`
	Amount       decimal.Decimal   `json:"amount"`
	ReduceOnly   bool              `json:"reduceOnly"`
	PositionSide core.PositionSide `json:"positionSide"`
}

// CreateOrder handles POST /order.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	o, err := h.orders.CreateOrder(r.Context(), &order.CreateRequest{
		APIKey:       req.Key,
		APISecret:    req.Secret,
		ExternalID:   req.ExternalID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		Amount:       req.Amount,
		ReduceOnly:   req.ReduceOnly,
		PositionSide: req.PositionSide,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, o)
}

// GetOrder handles GET /order?externalId=&symbol=.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	o, err := h.orders.GetOrder(r.Context(), user.ID, q.Get("externalId"), q.Get("symbol"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, o)
}

// GetOrderByID handles GET /order/{orderId}.
func (h *Handlers) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	o, err := h.orders.GetOrderByID(r.Context(), user.ID, r.PathValue("orderId"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, o)
}

// OpenOrders handles GET /order/all/open.
func (h *Handlers) OpenOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	orders, err := h.orders.OpenOrders(r.Context(), user.ID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, orders)
}

// CancelOrder handles DELETE /order?externalId=&symbol=.
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	o, err := h.orders.Cancel(r.Context(), user.ID, q.Get("externalId"), q.Get("symbol"), false)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, o)
}

// CancelOrderByID handles DELETE /order/byid?id=.
func (h *Handlers) CancelOrderByID(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	o, err := h.orders.CancelByID(r.Context(), user.ID, r.URL.Query().Get("id"), false)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, o)
}

// SymbolInfo handles GET /exchange?symbol=&exchange=.
func (h *Handlers) SymbolInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sym, err := h.symbols.GetSymbol(r.Context(), q.Get("symbol"), core.Exchange(q.Get("exchange")))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, sym)
}

// AllSymbols handles GET /exchange/all?exchange=.
func (h *Handlers) AllSymbols(w http.ResponseWriter, r *http.Request) {
	syms, err := h.md.AllSymbols(r.Context(), core.Exchange(r.URL.Query().Get("exchange")))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, syms)
}

// LatestPrice handles GET /exchange/latestPrice?symbol=&exchange=. The price
// comes from the live tick board when the venue is already watching the
// symbol, falling back through the resolver chain otherwise.
func (h *Handlers) LatestPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	price, err := h.prices.LatestPrice(r.Context(), symbol, core.Exchange(q.Get("exchange")))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, symbols.PriceEntry{Symbol: symbol, Price: price})
}

// passthrough proxies candles/trades/prices to the symbol service and relays
// its envelope verbatim.
func (h *Handlers) passthrough(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := make(map[string]string)
		for k, vals := range r.URL.Query() {
			if len(vals) > 0 {
				params[k] = vals[0]
			}
		}
		body, err := h.md.Passthrough(r.Context(), path, params)
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

// Positions handles GET /user/positions.
func (h *Handlers) Positions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	positions, err := h.account.Positions(r.Context(), user.ID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, positions)
}

// Balances handles GET /user/balance.
func (h *Handlers) Balances(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	balances, err := h.account.Balances(r.Context(), user.ID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, balances)
}

type setLeverageRequest struct {
	Key      string            `json:"key"`
	Secret   string            `json:"secret"`
	Symbol   string            `json:"symbol"`
	Side     core.PositionSide `json:"side"`
	Leverage decimal.Decimal   `json:"leverage"`
}

// SetLeverage handles POST /user/leverage.
func (h *Handlers) SetLeverage(w http.ResponseWriter, r *http.Request) {
	var req setLeverageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := h.account.Authenticate(r.Context(), req.Key, req.Secret)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	row, err := h.account.SetLeverage(r.Context(), user.ID, req.Symbol, req.Side, req.Leverage)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, row)
}

type setHedgeRequest struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
	Hedge  bool   `json:"hedge"`
}

// SetHedge handles POST /user/hedge.
func (h *Handlers) SetHedge(w http.ResponseWriter, r *http.Request) {
	var req setHedgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := h.account.Authenticate(r.Context(), req.Key, req.Secret)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if err := h.account.SetHedge(r.Context(), user.ID, req.Hedge); err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeData(w, core.Hedge{UserID: user.ID, Hedge: req.Hedge})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UnixMilli(),
	})
}
