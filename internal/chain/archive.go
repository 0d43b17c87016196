// Package chain - Archival companion client.
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

// Archive errors
var (
	ErrArchiveUnavailable = errors.New("archive unavailable")
	ErrArchiveMiss        = errors.New("block not found in archive")
)

// ArchiveClient fetches deeply-confirmed headers one height at a time from
// the archival companion service. The archive is expected to succeed for
// any height it has ever seen.
type ArchiveClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewArchiveClient creates an archive client.
func NewArchiveClient(baseURL string) *ArchiveClient {
	return &ArchiveClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type blockInfoResponse struct {
	Success      bool    `json:"success"`
	Height       *uint64 `json:"height,omitempty"`
	Hash         *string `json:"hash,omitempty"`
	PreviousHash *string `json:"previous_hash,omitempty"`
	MerkleRoot   *string `json:"merkle_root,omitempty"`
	Timestamp    *uint64 `json:"timestamp,omitempty"`
	Header       *string `json:"header,omitempty"`
	Reason       *string `json:"reason,omitempty"`
}

// GetBlockInfo fetches the header for a height. Fields the archive does
// not carry (bits, nonce, version) default to zero; they are not used for
// SPV.
func (a *ArchiveClient) GetBlockInfo(ctx context.Context, height uint64) (*types.BlockHeader, error) {
	url := fmt.Sprintf("%s/block/%d/info", a.baseURL, height)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrArchiveUnavailable, resp.StatusCode, string(body))
	}

	var info blockInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse archive response: %w", err)
	}

	if !info.Success {
		reason := "archive returned failure"
		if info.Reason != nil {
			reason = *info.Reason
		}
		return nil, fmt.Errorf("%w: %s", ErrArchiveMiss, reason)
	}
	if info.Hash == nil || info.MerkleRoot == nil {
		return nil, fmt.Errorf("%w: incomplete archive response", ErrArchiveMiss)
	}

	header := &types.BlockHeader{
		Height:     height,
		Hash:       *info.Hash,
		MerkleRoot: *info.MerkleRoot,
	}
	if info.PreviousHash != nil {
		header.PreviousHash = *info.PreviousHash
	}
	if info.Timestamp != nil {
		header.Timestamp = *info.Timestamp
	}
	if info.Header != nil {
		header.RawHeader = *info.Header
	}

	return header, nil
}

// Tip returns the archive's best known tip, used only when both header
// sources are down.
func (a *ArchiveClient) Tip(ctx context.Context) (*TipInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/tip", nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrArchiveUnavailable, resp.StatusCode)
	}

	var tip struct {
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tip); err != nil {
		return nil, fmt.Errorf("failed to parse archive tip: %w", err)
	}
	if tip.Hash == "" {
		return nil, fmt.Errorf("%w: empty archive tip", ErrArchiveMiss)
	}

	return &TipInfo{Height: tip.Height, Hash: tip.Hash}, nil
}
