// Package rpc - JSON-RPC method handlers.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/engine"
	"github.com/metanet-platform/easyswap/internal/types"
	"github.com/metanet-platform/easyswap/pkg/helpers"
)

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(params, v)
}

// ----- Orders -----

func (s *Server) orderCreate(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		AmountUSD   string  `json:"amount_usd"`
		MaxBSVPrice float64 `json:"max_bsv_price"`
		BSVAddress  string  `json:"bsv_address"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	micros, err := helpers.ParseUSD(p.AmountUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid amount_usd: %w", err)
	}

	orderID, err := s.engine.CreateOrder(ctx, caller, types.USD(micros), p.MaxBSVPrice, p.BSVAddress)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"order_id": orderID}, nil
}

func (s *Server) orderUpdatePrice(_ context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderID     types.OrderID `json:"order_id"`
		MaxBSVPrice float64       `json:"max_bsv_price"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.engine.UpdateMaxBSVPrice(caller, p.OrderID, p.MaxBSVPrice); err != nil {
		return nil, err
	}
	return map[string]interface{}{"updated": true}, nil
}

func (s *Server) orderCancel(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderID types.OrderID `json:"order_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	refunded, err := s.engine.CancelOrder(ctx, caller, p.OrderID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"refunded_usd": refunded.String()}, nil
}

func (s *Server) orderGet(_ context.Context, _ types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderID types.OrderID `json:"order_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.GetOrder(p.OrderID)
}

func (s *Server) orderListMine(_ context.Context, caller types.Principal, _ json.RawMessage) (interface{}, error) {
	return s.engine.OrdersByMaker(caller)
}

func (s *Server) orderDepositInfo(_ context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderID types.OrderID `json:"order_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.GetDepositInfo(caller, p.OrderID), nil
}

// ----- Orderbook -----

func (s *Server) orderbookAvailable(_ context.Context, _ types.Principal, _ json.RawMessage) (interface{}, error) {
	available, err := s.engine.AvailableOrderbook()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"available_usd": available.String()}, nil
}

func (s *Server) orderbookChunks(_ context.Context, _ types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		Offset uint64 `json:"offset"`
		Limit  uint64 `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	return s.engine.OrderbookChunks(p.Offset, p.Limit)
}

func (s *Server) orderbookStats(_ context.Context, _ types.Principal, _ json.RawMessage) (interface{}, error) {
	return s.engine.OrderbookStats()
}

// ----- Trades -----

func (s *Server) tradeCreate(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		RequestedUSD string  `json:"requested_usd"`
		MinBSVPrice  float64 `json:"min_bsv_price"`
		AllowPartial *bool   `json:"allow_partial,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	micros, err := helpers.ParseUSD(p.RequestedUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid requested_usd: %w", err)
	}

	allowPartial := true
	if p.AllowPartial != nil {
		allowPartial = *p.AllowPartial
	}

	tradeIDs, err := s.engine.CreateTrades(ctx, caller, engine.CreateTradesRequest{
		RequestedUSD: types.USD(micros),
		MinBSVPrice:  p.MinBSVPrice,
		AllowPartial: allowPartial,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"trade_ids": tradeIDs}, nil
}

func (s *Server) tradeSubmitTx(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		TradeID  types.TradeID `json:"trade_id"`
		RawTxHex string        `json:"raw_tx_hex"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.engine.SubmitBSVTransaction(ctx, caller, p.TradeID, p.RawTxHex); err != nil {
		return nil, err
	}
	return map[string]interface{}{"submitted": true}, nil
}

func (s *Server) tradeResubmitTx(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		TradeID  types.TradeID `json:"trade_id"`
		RawTxHex string        `json:"raw_tx_hex"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.engine.ResubmitBSVTransaction(ctx, caller, p.TradeID, p.RawTxHex); err != nil {
		return nil, err
	}
	return map[string]interface{}{"resubmitted": true}, nil
}

func (s *Server) tradeClaim(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		TradeID types.TradeID `json:"trade_id"`
		TxHex   string        `json:"tx_hex"`
		BumpHex string        `json:"bump_hex"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.engine.ClaimPayout(ctx, caller, p.TradeID, p.TxHex, p.BumpHex); err != nil {
		return nil, err
	}
	return map[string]interface{}{"claimed": true}, nil
}

func (s *Server) tradeGet(_ context.Context, _ types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		TradeID types.TradeID `json:"trade_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.GetTrade(p.TradeID)
}

func (s *Server) tradeListMine(_ context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		Statuses []types.TradeStatus `json:"statuses,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	return s.engine.TradesByFiller(caller, p.Statuses)
}

// ----- Fillers -----

func (s *Server) fillerInfo(ctx context.Context, caller types.Principal, _ json.RawMessage) (interface{}, error) {
	return s.engine.FillerInfo(ctx, caller)
}

func (s *Server) fillerDepositSecurity(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		AmountUSD string `json:"amount_usd"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	micros, err := helpers.ParseUSD(p.AmountUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid amount_usd: %w", err)
	}

	if err := s.engine.DepositSecurity(ctx, caller, types.USD(micros)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"confirmed": true}, nil
}

func (s *Server) fillerWithdrawSecurity(ctx context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		AmountUSD string `json:"amount_usd"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	micros, err := helpers.ParseUSD(p.AmountUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid amount_usd: %w", err)
	}

	if err := s.engine.WithdrawSecurity(ctx, caller, types.USD(micros)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"withdrawn": true}, nil
}

// ----- Chain -----

func (s *Server) chainSyncStatus(_ context.Context, _ types.Principal, _ json.RawMessage) (interface{}, error) {
	return s.engine.Syncer().Status()
}

func (s *Server) chainRecentBlocks(_ context.Context, _ types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		Count uint64 `json:"count"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Count == 0 || p.Count > config.MaxRecentBlocks {
		p.Count = config.MaxRecentBlocks
	}
	return s.engine.Store().RecentBlockHeaders(p.Count)
}

// ----- Admin -----

func (s *Server) adminSetOrdersEnabled(_ context.Context, caller types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.engine.SetNewOrdersEnabled(caller, p.Enabled); err != nil {
		return nil, err
	}
	return map[string]interface{}{"enabled": p.Enabled}, nil
}

func (s *Server) adminEvents(_ context.Context, _ types.Principal, params json.RawMessage) (interface{}, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	return s.engine.AdminEvents(p.Limit)
}
