// Package rpc provides a JSON-RPC 2.0 server for the easyswap daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/metanet-platform/easyswap/internal/engine"
	"github.com/metanet-platform/easyswap/internal/types"
	"github.com/metanet-platform/easyswap/pkg/logging"
)

// Server is a JSON-RPC 2.0 server over the orderbook engine.
type Server struct {
	engine *engine.Engine
	log    *logging.Logger
	wsHub  *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler. The caller principal is parsed
// from the X-Principal header; authentication itself is out of scope.
type Handler func(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server.
func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		engine:   eng,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

// Hub returns the websocket hub so the engine can publish events to it.
func (s *Server) Hub() *WSHub {
	return s.wsHub
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Order methods
	s.handlers["order_create"] = s.orderCreate
	s.handlers["order_updatePrice"] = s.orderUpdatePrice
	s.handlers["order_cancel"] = s.orderCancel
	s.handlers["order_get"] = s.orderGet
	s.handlers["order_listMine"] = s.orderListMine
	s.handlers["order_depositInfo"] = s.orderDepositInfo

	// Orderbook methods
	s.handlers["orderbook_available"] = s.orderbookAvailable
	s.handlers["orderbook_chunks"] = s.orderbookChunks
	s.handlers["orderbook_stats"] = s.orderbookStats

	// Trade methods
	s.handlers["trade_create"] = s.tradeCreate
	s.handlers["trade_submitTx"] = s.tradeSubmitTx
	s.handlers["trade_resubmitTx"] = s.tradeResubmitTx
	s.handlers["trade_claim"] = s.tradeClaim
	s.handlers["trade_get"] = s.tradeGet
	s.handlers["trade_listMine"] = s.tradeListMine

	// Filler methods
	s.handlers["filler_info"] = s.fillerInfo
	s.handlers["filler_depositSecurity"] = s.fillerDepositSecurity
	s.handlers["filler_withdrawSecurity"] = s.fillerWithdrawSecurity

	// Chain methods
	s.handlers["chain_syncStatus"] = s.chainSyncStatus
	s.handlers["chain_recentBlocks"] = s.chainRecentBlocks

	// Admin methods
	s.handlers["admin_setOrdersEnabled"] = s.adminSetOrdersEnabled
	s.handlers["admin_events"] = s.adminEvents
}

// Start begins serving on the given address.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/ws", s.wsHub.HandleUpgrade)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go s.wsHub.Run()
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("RPC server stopped", "error", err)
		}
	}()

	s.log.Info("RPC server listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: ParseError, Message: "parse error"},
		})
		return
	}

	caller := types.AnonymousPrincipal
	if text := r.Header.Get("X-Principal"); text != "" {
		parsed, err := types.PrincipalFromText(text)
		if err != nil {
			s.writeResponse(w, &Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &Error{Code: InvalidRequest, Message: "invalid X-Principal header"},
			})
			return
		}
		caller = parsed
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &Error{Code: MethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)},
		})
		return
	}

	result, err := handler(r.Context(), caller, req.Params)
	if err != nil {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   toRPCError(err),
		})
		return
	}

	s.writeResponse(w, &Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

// toRPCError maps engine error kinds onto JSON-RPC error codes with the
// kind in the data field.
func toRPCError(err error) *Error {
	kind := engine.KindOf(err)

	code := InternalError
	switch kind {
	case engine.KindValidation:
		code = InvalidParams
	case engine.KindAuthorization, engine.KindPrecondition,
		engine.KindDuplication, engine.KindCapacity, engine.KindVerification:
		code = InvalidRequest
	}

	return &Error{Code: code, Message: err.Error(), Data: string(kind)}
}
