// Package ledger - HTTP client for the ledger agent.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metanet-platform/easyswap/internal/types"
)

// HTTPClient implements Client against a JSON-over-HTTP ledger agent
// exposing /balance_of, /transfer, /transfer_from, and /approve.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a ledger agent client.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type accountJSON struct {
	Owner      string `json:"owner"`
	Subaccount string `json:"subaccount,omitempty"`
}

func toAccountJSON(a Account) accountJSON {
	out := accountJSON{Owner: a.Owner}
	if a.Subaccount != nil {
		out.Subaccount = a.Subaccount.Hex()
	}
	return out
}

type transferRequest struct {
	FromSubaccount string      `json:"from_subaccount,omitempty"`
	To             accountJSON `json:"to"`
	Amount         int64       `json:"amount"`
	Memo           string      `json:"memo,omitempty"`
	DedupKey       string      `json:"dedup_key,omitempty"`
}

type transferResponse struct {
	BlockIndex uint64 `json:"block_index"`
	Error      string `json:"error,omitempty"`
}

// BalanceOf returns the balance of an account.
func (c *HTTPClient) BalanceOf(ctx context.Context, account Account) (types.USD, error) {
	var resp struct {
		Balance int64  `json:"balance"`
		Error   string `json:"error,omitempty"`
	}
	if err := c.post(ctx, "/balance_of", toAccountJSON(account), &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, mapLedgerError(resp.Error)
	}
	return types.USD(resp.Balance), nil
}

// Transfer moves funds from this process's (sub)account to the recipient.
func (c *HTTPClient) Transfer(ctx context.Context, args TransferArgs) (uint64, error) {
	req := transferRequest{
		To:       toAccountJSON(args.To),
		Amount:   int64(args.Amount),
		Memo:     args.Memo,
		DedupKey: args.DedupKey,
	}
	if req.DedupKey == "" {
		req.DedupKey = uuid.NewString()
	}
	if args.FromSubaccount != nil {
		req.FromSubaccount = args.FromSubaccount.Hex()
	}

	var resp transferResponse
	if err := c.post(ctx, "/transfer", req, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, mapLedgerError(resp.Error)
	}
	return resp.BlockIndex, nil
}

// TransferFrom spends a prior approval on behalf of another account.
func (c *HTTPClient) TransferFrom(ctx context.Context, spenderSub *Subaccount, from, to Account, amount types.USD) (uint64, error) {
	req := struct {
		SpenderSubaccount string      `json:"spender_subaccount,omitempty"`
		From              accountJSON `json:"from"`
		To                accountJSON `json:"to"`
		Amount            int64       `json:"amount"`
	}{
		From:   toAccountJSON(from),
		To:     toAccountJSON(to),
		Amount: int64(amount),
	}
	if spenderSub != nil {
		req.SpenderSubaccount = spenderSub.Hex()
	}

	var resp transferResponse
	if err := c.post(ctx, "/transfer_from", req, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, mapLedgerError(resp.Error)
	}
	return resp.BlockIndex, nil
}

// Approve authorises a spender up to amount.
func (c *HTTPClient) Approve(ctx context.Context, spender Account, amount types.USD) (uint64, error) {
	req := struct {
		Spender accountJSON `json:"spender"`
		Amount  int64       `json:"amount"`
	}{
		Spender: toAccountJSON(spender),
		Amount:  int64(amount),
	}

	var resp transferResponse
	if err := c.post(ctx, "/approve", req, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, mapLedgerError(resp.Error)
	}
	return resp.BlockIndex, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", ErrTemporarilyUnavailable, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger error: status %d: %s", resp.StatusCode, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

func mapLedgerError(code string) error {
	switch code {
	case "InsufficientFunds":
		return ErrInsufficientFunds
	case "BadFee":
		return ErrBadFee
	case "Duplicate":
		return ErrDuplicate
	case "TemporarilyUnavailable":
		return ErrTemporarilyUnavailable
	default:
		return fmt.Errorf("ledger error: %s", code)
	}
}
