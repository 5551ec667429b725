package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/qfex/qfex/pkg/exchange"
	"github.com/qfex/qfex/pkg/exchange/book"
	"github.com/qfex/qfex/pkg/exchange/instrument"
	"github.com/qfex/qfex/pkg/exchange/ledger"
	"github.com/qfex/qfex/pkg/exchange/orders"
	"github.com/qfex/qfex/pkg/exchange/position"
)

// Server exposes the exchange over REST and WebSocket. Execution reports
// are pushed to per-account channels; orderbook updates to per-instrument
// channels.
type Server struct {
	log            *zap.SugaredLogger
	ex             *exchange.Exchange
	router         *mux.Router
	hub            *Hub
	allowedOrigins []string

	httpSrv *http.Server
}

// NewServer creates an API server and hooks the exchange's execution
// report stream into the WebSocket hub.
func NewServer(log *zap.SugaredLogger, ex *exchange.Exchange, allowedOrigins []string) *Server {
	s := &Server{
		log:            log,
		ex:             ex,
		router:         mux.NewRouter(),
		hub:            NewHub(log),
		allowedOrigins: allowedOrigins,
	}

	ex.OnExecution = func(r exchange.ExecutionReport) {
		s.hub.BroadcastToChannel("account:"+r.AccountID, r)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Instrument endpoints
	api.HandleFunc("/instruments", s.handleGetInstruments).Methods("GET")
	api.HandleFunc("/instruments/{id}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/instruments/{id}/trades", s.handleGetTrades).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts", s.handleOpenAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{id}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{id}/orders", s.handleGetOrders).Methods("GET")

	// Order endpoints
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: c.Handler(s.router),
	}

	s.log.Infow("api_listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	list := s.ex.Instruments()

	response := make([]InstrumentInfo, len(list))
	for i, ins := range list {
		response[i] = instrumentInfo(ins)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	bids, asks, err := s.ex.Depth(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "instrument not found", err.Error())
		return
	}

	respondJSON(w, OrderbookSnapshot{
		InstrumentID: id,
		Bids:         priceLevels(bids),
		Asks:         priceLevels(asks),
		Timestamp:    time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	trades, err := s.ex.RecentTrades(id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "trade lookup failed", err.Error())
		return
	}

	response := make([]TradeInfo, len(trades))
	for i, tr := range trades {
		response[i] = TradeInfo{
			ID:           tr.ID,
			InstrumentID: tr.InstrumentID,
			Price:        tr.Price,
			Volume:       tr.Volume,
			Timestamp:    tr.Timestamp,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing userId", "")
		return
	}

	snap, err := s.ex.OpenAccount(req.UserID, req.UserName, req.InitCash)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, accountInfo(snap))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, err := s.ex.GetAccount(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, accountInfo(snap))
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snaps := s.ex.GetPositions(id)
	response := make([]PositionInfo, len(snaps))
	for i, p := range snaps {
		response[i] = positionInfo(p)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	list := s.ex.OpenOrders(id)
	response := make([]OrderInfo, len(list))
	for i, o := range list {
		response[i] = orderInfo(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	o, err := s.ex.GetOrder(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	dir, ok := parseDirection(req.Direction)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid direction", req.Direction)
		return
	}
	offset, ok := parseOffset(req.Offset)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid offset", req.Offset)
		return
	}

	orderID, err := s.ex.SubmitOrder(exchange.SubmitRequest{
		UserID:       req.UserID,
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Direction:    dir,
		Offset:       offset,
		Price:        req.Price,
		Volume:       req.Volume,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.broadcastOrderbook(req.InstrumentID)
	respondJSON(w, SubmitOrderResponse{Status: "accepted", OrderID: orderID})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}

	if err := s.ex.CancelOrder(req.UserID, req.AccountID, req.OrderID); err != nil {
		s.respondDomainError(w, err)
		return
	}

	if o, err := s.ex.GetOrder(req.OrderID); err == nil {
		s.broadcastOrderbook(o.InstrumentID)
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": req.OrderID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// broadcastOrderbook pushes the instrument's book to its channel.
func (s *Server) broadcastOrderbook(instrumentID string) {
	bids, asks, err := s.ex.Depth(instrumentID)
	if err != nil {
		return
	}
	s.hub.BroadcastToChannel("orderbook:"+instrumentID, OrderbookUpdate{
		Type:         "orderbook",
		InstrumentID: instrumentID,
		Bids:         priceLevels(bids),
		Asks:         priceLevels(asks),
		Timestamp:    time.Now().UnixMilli(),
	})
}

// ==============================
// Helper Functions
// ==============================

func instrumentInfo(ins *instrument.Instrument) InstrumentInfo {
	return InstrumentInfo{
		ID:             ins.ID,
		Status:         ins.Status.String(),
		MarginRate:     ins.MarginRate,
		CommissionRate: ins.CommissionRate,
		PriceTick:      ins.PriceTick,
		MinVolume:      ins.MinVolume,
	}
}

func accountInfo(snap ledger.Snapshot) AccountInfo {
	return AccountInfo{
		AccountID: snap.ID,
		UserID:    snap.UserID,
		UserName:  snap.UserName,
		Balance:   snap.Balance,
		Frozen:    snap.Frozen,
		Available: snap.Available,
		Active:    snap.Active,
	}
}

func positionInfo(p position.Snapshot) PositionInfo {
	return PositionInfo{
		InstrumentID: p.InstrumentID,
		VolumeLong:   p.VolumeLong,
		VolumeShort:  p.VolumeShort,
		FrozenLong:   p.FrozenLong,
		FrozenShort:  p.FrozenShort,
		Margin:       p.Margin,
	}
}

func orderInfo(o *orders.Order) OrderInfo {
	return OrderInfo{
		ID:           o.ID,
		AccountID:    o.AccountID,
		InstrumentID: o.InstrumentID,
		Direction:    o.Direction.String(),
		Offset:       o.Offset.String(),
		Price:        o.Price,
		Volume:       o.Volume,
		Filled:       o.Filled,
		Left:         o.Left(),
		Status:       o.Status.String(),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func priceLevels(levels []book.Level) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Volume: l.Volume}
	}
	return out
}

func parseDirection(s string) (orders.Direction, bool) {
	switch s {
	case "BUY", "buy":
		return orders.Buy, true
	case "SELL", "sell":
		return orders.Sell, true
	default:
		return 0, false
	}
}

func parseOffset(s string) (orders.Offset, bool) {
	switch s {
	case "OPEN", "open":
		return orders.Open, true
	case "CLOSE", "close":
		return orders.Close, true
	default:
		return 0, false
	}
}

// respondDomainError maps exchange errors to HTTP statuses.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, exchange.ErrNotOwner):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, orders.ErrNotFound),
		errors.Is(err, instrument.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, position.ErrInsufficient),
		errors.Is(err, exchange.ErrInstrumentNotTradable),
		errors.Is(err, ledger.ErrDuplicateAccount),
		errors.Is(err, ledger.ErrInactive),
		errors.Is(err, orders.ErrNotCancellable):
		respondError(w, http.StatusConflict, "rejected", err.Error())
	default:
		s.log.Errorw("internal_error", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
