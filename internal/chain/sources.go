// Package chain - HTTP clients for the two independent header sources and
// the archival companion service.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

// Source errors
var (
	ErrSourceUnavailable = errors.New("header source unavailable")
	ErrBlockNotFound     = errors.New("block not found at source")
	ErrRateLimited       = errors.New("rate limited")
)

// TipInfo identifies a chain tip.
type TipInfo struct {
	Height uint64
	Hash   string
}

// SourceA is a whatsonchain-shaped header API:
// GET /chain/info, GET /block/height/{h}, GET /block/hash/{hash}/header.
type SourceA struct {
	baseURL    string
	httpClient *http.Client
}

// NewSourceA creates a source A client.
func NewSourceA(baseURL string) *SourceA {
	return &SourceA{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Tip returns source A's best tip.
func (s *SourceA) Tip(ctx context.Context) (*TipInfo, error) {
	body, err := get(ctx, s.httpClient, s.baseURL+"/chain/info")
	if err != nil {
		return nil, err
	}

	reduced, err := ReduceChainInfo(body)
	if err != nil {
		return nil, err
	}

	var info canonicalChainInfo
	if err := json.Unmarshal(reduced, &info); err != nil {
		return nil, fmt.Errorf("failed to parse reduced chain info: %w", err)
	}
	if info.BestBlockHash == "" {
		return nil, fmt.Errorf("chain info missing bestblockhash")
	}

	return &TipInfo{Height: info.Blocks, Hash: info.BestBlockHash}, nil
}

// HeaderByHeight returns the header at a height.
func (s *SourceA) HeaderByHeight(ctx context.Context, height uint64) (*types.BlockHeader, error) {
	body, err := get(ctx, s.httpClient, fmt.Sprintf("%s/block/height/%d", s.baseURL, height))
	if err != nil {
		return nil, err
	}
	return parseReducedHeader(body)
}

// HeaderByHash returns the header with a given block hash.
func (s *SourceA) HeaderByHash(ctx context.Context, hash string) (*types.BlockHeader, error) {
	body, err := get(ctx, s.httpClient, fmt.Sprintf("%s/block/hash/%s/header", s.baseURL, hash))
	if err != nil {
		return nil, err
	}
	return parseReducedHeader(body)
}

// SourceB is a bitails-shaped header API:
// GET /block/list?skip=S&limit=L&sort=height&direction=desc.
type SourceB struct {
	baseURL    string
	httpClient *http.Client
}

// NewSourceB creates a source B client.
func NewSourceB(baseURL string) *SourceB {
	return &SourceB{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Tip returns source B's best tip via a single-entry list query.
func (s *SourceB) Tip(ctx context.Context) (*TipInfo, error) {
	headers, err := s.ListBlocks(ctx, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("empty block list response")
	}
	return &TipInfo{Height: headers[0].Height, Hash: headers[0].Hash}, nil
}

// ListBlocks returns up to limit headers, skip blocks back from the tip,
// in descending height order.
func (s *SourceB) ListBlocks(ctx context.Context, skip, limit uint64) ([]*types.BlockHeader, error) {
	url := fmt.Sprintf("%s/block/list?skip=%d&limit=%d&sort=height&direction=desc", s.baseURL, skip, limit)
	body, err := get(ctx, s.httpClient, url)
	if err != nil {
		return nil, err
	}

	reduced, err := ReduceHeaderList(body)
	if err != nil {
		return nil, err
	}

	var canonical []canonicalHeader
	if err := json.Unmarshal(reduced, &canonical); err != nil {
		return nil, fmt.Errorf("failed to parse reduced header list: %w", err)
	}

	headers := make([]*types.BlockHeader, 0, len(canonical))
	for _, h := range canonical {
		if h.Hash == "" {
			continue
		}
		headers = append(headers, headerFromCanonical(h))
	}
	return headers, nil
}

// HeaderByHeight scans recent blocks for a height. Source B has no direct
// height lookup; the sync only ever needs heights near the tip.
func (s *SourceB) HeaderByHeight(ctx context.Context, height uint64) (*types.BlockHeader, error) {
	tip, err := s.Tip(ctx)
	if err != nil {
		return nil, err
	}
	if height > tip.Height {
		return nil, fmt.Errorf("%w: height %d above tip %d", ErrBlockNotFound, height, tip.Height)
	}

	skip := tip.Height - height
	headers, err := s.ListBlocks(ctx, skip, 1)
	if err != nil {
		return nil, err
	}
	for _, h := range headers {
		if h.Height == height {
			return h, nil
		}
	}

	// Off-by-one around a moving tip: widen the window once.
	headers, err = s.ListBlocks(ctx, saturatingSub(skip, 2), 5)
	if err != nil {
		return nil, err
	}
	for _, h := range headers {
		if h.Height == height {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
}

func parseReducedHeader(body []byte) (*types.BlockHeader, error) {
	reduced, err := ReduceHeader(body)
	if err != nil {
		return nil, err
	}

	var h canonicalHeader
	if err := json.Unmarshal(reduced, &h); err != nil {
		return nil, fmt.Errorf("failed to parse reduced header: %w", err)
	}
	if h.Hash == "" {
		return nil, fmt.Errorf("header missing hash")
	}
	return headerFromCanonical(h), nil
}

func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrBlockNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrSourceUnavailable, resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
