package api

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/yoonpark/limitd/pkg/crypto"
	"github.com/yoonpark/limitd/pkg/engine/fee"
	"github.com/yoonpark/limitd/pkg/engine/order"
	"github.com/yoonpark/limitd/pkg/engine/permit"
	"github.com/yoonpark/limitd/pkg/engine/settle"
	"github.com/yoonpark/limitd/pkg/engine/vault"
)

// Server exposes the settlement engine over REST and streams fills over
// WebSocket. All state-changing endpoints carry EIP-712 signatures; the
// recovered address is what the engine authorizes against, never a field
// in the payload.
type Server struct {
	engine  *settle.Engine
	intents *crypto.IntentSigner
	router  *mux.Router
	hub     *Hub
	log     *zap.Logger
	devnet  bool
}

func NewServer(engine *settle.Engine, domain crypto.Domain, devnet bool, log *zap.Logger) *Server {
	s := &Server{
		engine:  engine,
		intents: crypto.NewIntentSigner(domain),
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		devnet:  devnet,
	}
	s.setupRoutes()

	engine.OnFill(func(f *order.Fill) {
		info := fillInfo(f)
		s.hub.BroadcastToChannel("fills:"+f.OrderID, info)
		s.hub.BroadcastToChannel("fills:*", info)
	})
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order lifecycle
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/orders/update", s.handleUpdateOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/close", s.handleCloseOrder).Methods("POST")

	// Queries
	api.HandleFunc("/orders", s.handleGetOpenOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/fills", s.handleGetFills).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Admin
	api.HandleFunc("/admin/config", s.handleUpdateConfig).Methods("POST")

	// Devnet faucet
	if s.devnet {
		api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and blocks serving HTTP.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Admin-Signature"},
		AllowCredentials: true,
	})

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ==============================
// Mutating handlers
// ==============================

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	maker, ok := parseAddress(w, req.Maker, "maker")
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.Signature)
	if !ok {
		return
	}

	intent := &crypto.CreateOrderIntent{
		InputAsset:     req.InputAsset,
		OutputAsset:    req.OutputAsset,
		InputAmount:    new(big.Int).SetUint64(req.InputAmount),
		ExpectedOutput: new(big.Int).SetUint64(req.ExpectedOutput),
		ExpiresAt:      big.NewInt(req.ExpiresAt),
		Referrer:       common.HexToAddress(req.Referrer),
		Counterparty:   common.HexToAddress(req.Counterparty),
		Permissionless: req.Permissionless,
		Nonce:          new(big.Int).SetUint64(req.Nonce),
		Maker:          maker,
	}
	valid, err := s.intents.VerifyCreateOrder(intent, sig)
	if err != nil || !valid {
		respondError(w, http.StatusUnauthorized, "invalid signature", "")
		return
	}

	params := settle.CreateParams{
		InputAsset:     req.InputAsset,
		OutputAsset:    req.OutputAsset,
		InputAmount:    req.InputAmount,
		ExpectedOutput: req.ExpectedOutput,
		ExpiresAt:      req.ExpiresAt,
		Permissionless: req.Permissionless,
	}
	if req.Referrer != "" {
		ref, ok := parseAddress(w, req.Referrer, "referrer")
		if !ok {
			return
		}
		params.Referrer = &ref
	}
	if req.Counterparty != "" {
		cp, ok := parseAddress(w, req.Counterparty, "counterparty")
		if !ok {
			return
		}
		params.Counterparty = &cp
	}

	o, err := s.engine.CreateOrder(maker, params)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	var req FillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	taker, ok := parseAddress(w, req.Taker, "taker")
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.Signature)
	if !ok {
		return
	}

	intent := &crypto.FillOrderIntent{
		OrderID:     req.OrderID,
		InputAmount: new(big.Int).SetUint64(req.InputAmount),
		MinOutput:   new(big.Int).SetUint64(req.MinOutput),
		Nonce:       new(big.Int).SetUint64(req.Nonce),
		Taker:       taker,
	}
	valid, err := s.intents.VerifyFillOrder(intent, sig)
	if err != nil || !valid {
		respondError(w, http.StatusUnauthorized, "invalid signature", "")
		return
	}

	f, err := s.engine.FillOrder(taker, settle.FillParams{
		OrderID:     req.OrderID,
		InputAmount: req.InputAmount,
		MinOutput:   req.MinOutput,
		Ticket:      req.Ticket,
		IfVersion:   req.IfVersion,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, fillInfo(f))
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	maker, ok := parseAddress(w, req.Maker, "maker")
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.Signature)
	if !ok {
		return
	}

	intent := &crypto.UpdateOrderIntent{
		OrderID:        req.OrderID,
		ExpectedOutput: new(big.Int).SetUint64(req.ExpectedOutput),
		ExpiresAt:      big.NewInt(req.ExpiresAt),
		Counterparty:   common.HexToAddress(req.Counterparty),
		Permissionless: req.Permissionless,
		Nonce:          new(big.Int).SetUint64(req.Nonce),
		Maker:          maker,
	}
	valid, err := s.intents.VerifyUpdateOrder(intent, sig)
	if err != nil || !valid {
		respondError(w, http.StatusUnauthorized, "invalid signature", "")
		return
	}

	upd := order.Update{
		ExpectedOutput: req.ExpectedOutput,
		ExpiresAt:      req.ExpiresAt,
		Permissionless: &req.Permissionless,
	}
	if req.Counterparty != "" {
		cp, ok := parseAddress(w, req.Counterparty, "counterparty")
		if !ok {
			return
		}
		upd.Counterparty = &cp
	}

	o, err := s.engine.UpdateOrder(maker, req.OrderID, upd, req.IfVersion)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	maker, ok := parseAddress(w, req.Maker, "maker")
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.Signature)
	if !ok {
		return
	}

	intent := &crypto.CancelOrderIntent{
		OrderID: req.OrderID,
		Nonce:   new(big.Int).SetUint64(req.Nonce),
		Maker:   maker,
	}
	valid, err := s.intents.VerifyCancelOrder(intent, sig)
	if err != nil || !valid {
		respondError(w, http.StatusUnauthorized, "invalid signature", "")
		return
	}

	o, err := s.engine.CancelOrder(maker, req.OrderID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleCloseOrder(w http.ResponseWriter, r *http.Request) {
	var req CloseOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing order_id", "")
		return
	}

	// Closing an expired order needs no signature: the refund can only go
	// to the maker.
	o, err := s.engine.CloseExpired(req.OrderID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	sigHex := r.Header.Get("X-Admin-Signature")
	if sigHex == "" {
		respondError(w, http.StatusUnauthorized, "missing X-Admin-Signature", "")
		return
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "malformed signature", err.Error())
		return
	}
	caller, err := crypto.RecoverAddress(gethcrypto.Keccak256(body), sig)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid signature", err.Error())
		return
	}

	var req ConfigUpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	upd := fee.Update{
		FeeBps:           req.FeeBps,
		ReferralBps:      req.ReferralBps,
		OrderCloseDelay:  req.OrderCloseDelay,
		NewOrdersBlocked: req.NewOrdersBlocked,
		TakingBlocked:    req.TakingBlocked,
		EmergencyMode:    req.EmergencyMode,
	}
	if req.FeeRecipient != nil {
		addr, ok := parseAddress(w, *req.FeeRecipient, "fee_recipient")
		if !ok {
			return
		}
		upd.FeeRecipient = &addr
	}
	if req.Admin != nil {
		addr, ok := parseAddress(w, *req.Admin, "admin")
		if !ok {
			return
		}
		upd.Admin = &addr
	}

	cfg, err := s.engine.UpdateFeeConfig(caller, upd)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, configInfo(cfg))
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	if req.Asset == "" || req.Amount == 0 {
		respondError(w, http.StatusBadRequest, "asset and amount are required", "")
		return
	}
	if err := s.engine.Deposit(addr, req.Asset, req.Amount); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, BalanceInfo{
		Address: addr.Hex(),
		Asset:   req.Asset,
		Amount:  s.engine.Balance(addr, req.Asset),
	})
}

// ==============================
// Query handlers
// ==============================

func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.engine.OpenOrders()
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Order(mux.Vars(r)["id"])
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = n
	}
	fills, err := s.engine.Fills(mux.Vars(r)["id"], limit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	out := make([]FillInfo, len(fills))
	for i, f := range fills {
		out[i] = fillInfo(f)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"], "address")
	if !ok {
		return
	}
	orders := s.engine.OrdersByMaker(addr)
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr, ok := parseAddress(w, vars["address"], "address")
	if !ok {
		return
	}
	respondJSON(w, BalanceInfo{
		Address: addr.Hex(),
		Asset:   vars["asset"],
		Amount:  s.engine.Balance(addr, vars["asset"]),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, configInfo(s.engine.Config()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func configInfo(cfg fee.Config) ConfigInfo {
	return ConfigInfo{
		Version:          cfg.Version,
		FeeBps:           cfg.FeeBps,
		ReferralBps:      cfg.ReferralBps,
		FeeRecipient:     cfg.FeeRecipient.Hex(),
		Admin:            cfg.Admin.Hex(),
		OrderCloseDelay:  cfg.OrderCloseDelay,
		NewOrdersBlocked: cfg.NewOrdersBlocked,
		TakingBlocked:    cfg.TakingBlocked,
		EmergencyMode:    cfg.EmergencyMode,
	}
}

func parseAddress(w http.ResponseWriter, s, field string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid "+field+" address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseSignature(w http.ResponseWriter, s string) ([]byte, bool) {
	sig, err := hexutil.Decode(s)
	if err != nil || len(sig) != 65 {
		respondError(w, http.StatusUnauthorized, "malformed signature", "")
		return nil, false
	}
	return sig, true
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

// respondEngineError maps engine sentinels onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, settle.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrInvalidParameters),
		errors.Is(err, vault.ErrInsufficientFunds):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrUnauthorized),
		errors.Is(err, permit.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, order.ErrInvalidState),
		errors.Is(err, order.ErrExpired),
		errors.Is(err, order.ErrOverflow),
		errors.Is(err, permit.ErrPermissionExpired),
		errors.Is(err, settle.ErrStaleState),
		errors.Is(err, settle.ErrSlippageExceeded):
		status = http.StatusConflict
	case errors.Is(err, settle.ErrBlocked):
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, err.Error(), "")
}
