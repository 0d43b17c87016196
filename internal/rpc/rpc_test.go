package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/metanet-platform/easyswap/internal/engine"
	"github.com/metanet-platform/easyswap/internal/ledger"
	"github.com/metanet-platform/easyswap/internal/oracle"
	"github.com/metanet-platform/easyswap/internal/storage"
	"github.com/metanet-platform/easyswap/internal/types"
)

type fixedRate struct{}

func (fixedRate) BSVUSDRate(_ context.Context) (float64, error) { return 45, nil }

func testServer(t *testing.T) *Server {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "easyswap-rpc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mock := ledger.NewMock()
	escrow := ledger.NewEscrow(mock, "process", "")
	priceOracle := oracle.New(store, fixedRate{}, nil)

	eng := engine.New(store, escrow, priceOracle, nil, nil, nil)
	return NewServer(eng)
}

func call(t *testing.T, server *Server, principal types.Principal, method string, params interface{}) *Response {
	t.Helper()

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		rawParams = data
	}

	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if !principal.IsAnonymous() {
		req.Header.Set("X-Principal", principal.Text())
	}
	rec := httptest.NewRecorder()
	server.handleRPC(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &resp
}

func TestMethodNotFound(t *testing.T) {
	server := testServer(t)
	resp := call(t, server, types.AnonymousPrincipal, "no_such_method", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("error = %+v, want code %d", resp.Error, MethodNotFound)
	}
}

func TestOrderCreateRejectsAnonymous(t *testing.T) {
	server := testServer(t)
	resp := call(t, server, types.AnonymousPrincipal, "order_create", map[string]interface{}{
		"amount_usd": "12", "max_bsv_price": 50, "bsv_address": "1abc",
	})
	if resp.Error == nil {
		t.Fatal("anonymous order creation succeeded")
	}
	if resp.Error.Data != string(engine.KindAuthorization) {
		t.Errorf("error kind = %v, want authorization", resp.Error.Data)
	}
}

func TestOrderbookAvailableEmpty(t *testing.T) {
	server := testServer(t)
	resp := call(t, server, types.AnonymousPrincipal, "orderbook_available", nil)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	if result["available_usd"] != "0" {
		t.Errorf("available = %v, want 0", result["available_usd"])
	}
}

func TestInvalidPrincipalHeaderRejected(t *testing.T) {
	server := testServer(t)

	body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "orderbook_available", ID: 1})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("X-Principal", "not-hex")
	rec := httptest.NewRecorder()
	server.handleRPC(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("error = %+v, want invalid request", resp.Error)
	}
}
