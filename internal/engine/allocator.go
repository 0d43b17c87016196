// Package engine - FIFO chunk allocation and chunk state transitions.
package engine

import (
	"time"

	"github.com/metanet-platform/easyswap/internal/types"
)

// allocation is one prospective trade: consecutive chunks taken from a
// single order.
type allocation struct {
	order  *types.Order
	chunks []*types.Chunk
	total  types.USD
}

// findMatchingChunks walks Active and PartiallyFilled orders in ascending
// creation order and selects Available chunks whose order accepts the
// agreed price. A chunk strictly larger than the remaining request is
// skipped, never split. Consecutive chunks from the same order group into
// one allocation; the group flushes on order boundary or completion.
func (e *Engine) findMatchingChunks(requested types.USD, agreedPrice float64) ([]allocation, types.USD, error) {
	orders, err := e.store.ListActiveOrdersFIFO()
	if err != nil {
		return nil, 0, errTransient(err, "failed to list active orders")
	}

	var allocations []allocation
	var current *allocation
	var totalAllocated types.USD

	flush := func() {
		if current != nil && len(current.chunks) > 0 {
			allocations = append(allocations, *current)
		}
		current = nil
	}

	for _, order := range orders {
		if totalAllocated >= requested {
			break
		}
		if order.MaxBSVPrice < agreedPrice {
			continue
		}

		for _, chunkID := range order.Chunks {
			if totalAllocated >= requested {
				break
			}

			chunk, err := e.store.GetChunk(chunkID)
			if err != nil {
				continue
			}
			if chunk.Status != types.ChunkStatusAvailable {
				continue
			}

			remaining := requested - totalAllocated
			if chunk.AmountUSD > remaining {
				// Too large for the remainder; chunks are indivisible.
				continue
			}

			if current != nil && current.order.ID != order.ID {
				flush()
			}
			if current == nil {
				current = &allocation{order: order}
			}

			current.chunks = append(current.chunks, chunk)
			current.total += chunk.AmountUSD
			totalAllocated += chunk.AmountUSD
		}
	}
	flush()

	return allocations, totalAllocated, nil
}

// lockChunks transitions Available chunks to Locked under the trade and
// bumps the order's locked total.
func (e *Engine) lockChunks(chunks []*types.Chunk, tradeID types.TradeID) error {
	for _, chunk := range chunks {
		if chunk.Status != types.ChunkStatusAvailable {
			return errPrecondition("chunk %d is not available for locking", chunk.ID)
		}

		err := e.store.UpdateChunk(chunk.ID, func(c *types.Chunk) {
			c.Status = types.ChunkStatusLocked
			id := tradeID
			c.LockedBy = &id
		})
		if err != nil {
			return errTransient(err, "failed to lock chunk %d", chunk.ID)
		}

		amount := chunk.AmountUSD
		err = e.store.UpdateOrder(chunk.OrderID, func(o *types.Order) {
			o.TotalLocked += amount
		})
		if err != nil {
			return errTransient(err, "failed to update order %d lock total", chunk.OrderID)
		}
	}
	return nil
}

// unlockChunks returns Locked chunks to the book: Available when the
// current price is within the order's cap, Idle otherwise.
func (e *Engine) unlockChunks(lockedChunks []types.LockedChunk) error {
	currentPrice, _ := e.oracle.CachedPrice()

	for _, lc := range lockedChunks {
		order, err := e.store.GetOrder(lc.OrderID)
		if err != nil {
			continue
		}

		newStatus := types.ChunkStatusAvailable
		if currentPrice > 0 && currentPrice > order.MaxBSVPrice {
			newStatus = types.ChunkStatusIdle
		}

		err = e.store.UpdateChunk(lc.ChunkID, func(c *types.Chunk) {
			c.Status = newStatus
			c.LockedBy = nil
		})
		if err != nil {
			return errTransient(err, "failed to unlock chunk %d", lc.ChunkID)
		}

		amount := lc.AmountUSD
		idle := newStatus == types.ChunkStatusIdle
		err = e.store.UpdateOrder(lc.OrderID, func(o *types.Order) {
			o.TotalLocked -= amount
			if idle {
				o.TotalIdle += amount
			}
			e.recomputeOrderStatus(o)
		})
		if err != nil {
			return errTransient(err, "failed to update order %d after unlock", lc.OrderID)
		}
	}
	return nil
}

// fillChunks transitions Locked chunks to Filled atomically with the
// order's accounting totals.
func (e *Engine) fillChunks(lockedChunks []types.LockedChunk, now time.Time) error {
	for _, lc := range lockedChunks {
		err := e.store.UpdateChunk(lc.ChunkID, func(c *types.Chunk) {
			c.Status = types.ChunkStatusFilled
			c.LockedBy = nil
			t := now
			c.FilledAt = &t
		})
		if err != nil {
			return errTransient(err, "failed to fill chunk %d", lc.ChunkID)
		}

		amount := lc.AmountUSD
		err = e.store.UpdateOrder(lc.OrderID, func(o *types.Order) {
			o.TotalFilled += amount
			o.TotalLocked -= amount
			e.recomputeOrderStatus(o)
		})
		if err != nil {
			return errTransient(err, "failed to update order %d after fill", lc.OrderID)
		}
	}
	return nil
}

// AvailableOrderbook derives the Available orderbook total.
func (e *Engine) AvailableOrderbook() (types.USD, error) {
	return e.store.AvailableOrderbookUSD()
}

// OrderbookChunk is one listed chunk of the public orderbook.
type OrderbookChunk struct {
	OrderID          types.OrderID `json:"order_id"`
	AmountUSD        types.USD     `json:"amount_usd"`
	MaxPriceCentsBSV uint64        `json:"max_price_per_bsv_in_cents"`
}

// OrderbookPage is a paginated orderbook listing.
type OrderbookPage struct {
	Chunks []OrderbookChunk `json:"chunks"`
	Total  uint64           `json:"total"`
	Offset uint64           `json:"offset"`
	Limit  uint64           `json:"limit"`
}

// OrderbookChunks lists Available chunks with pagination.
func (e *Engine) OrderbookChunks(offset, limit uint64) (*OrderbookPage, error) {
	if limit == 0 || limit > 500 {
		limit = 100
	}

	chunks, err := e.store.ListChunksByStatus(types.ChunkStatusAvailable)
	if err != nil {
		return nil, errTransient(err, "failed to list available chunks")
	}

	page := &OrderbookPage{
		Total:  uint64(len(chunks)),
		Offset: offset,
		Limit:  limit,
	}

	for i := offset; i < uint64(len(chunks)) && uint64(len(page.Chunks)) < limit; i++ {
		chunk := chunks[i]
		page.Chunks = append(page.Chunks, OrderbookChunk{
			OrderID:          chunk.OrderID,
			AmountUSD:        chunk.AmountUSD,
			MaxPriceCentsBSV: uint64(chunk.MaxBSVPrice*100 + 0.5),
		})
	}

	return page, nil
}

// Stats reports aggregate orderbook statistics.
type Stats struct {
	AvailableChunks uint64    `json:"total_active_chunks"`
	AvailableUSD    types.USD `json:"total_available_usd"`
	LockedUSD       types.USD `json:"total_locked_usd"`
	TotalOrders     uint64    `json:"total_orders"`
	TotalTrades     uint64    `json:"total_trades"`
	CurrentBSVPrice float64   `json:"current_bsv_price"`
}

// OrderbookStats aggregates counts and totals in one pass.
func (e *Engine) OrderbookStats() (*Stats, error) {
	raw, err := e.store.GetOrderbookStats()
	if err != nil {
		return nil, errTransient(err, "failed to aggregate orderbook")
	}

	price, _ := e.oracle.CachedPrice()

	return &Stats{
		AvailableChunks: raw.AvailableChunks,
		AvailableUSD:    raw.AvailableUSD,
		LockedUSD:       raw.LockedUSD,
		TotalOrders:     raw.TotalOrders,
		TotalTrades:     raw.TotalTrades,
		CurrentBSVPrice: price,
	}, nil
}
