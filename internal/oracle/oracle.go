// Package oracle supplies the cached BSV/USD market price that pins trade
// pricing. A primary rate service is queried on cache expiry; a secondary
// source slot takes over when the primary fails.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/storage"
	"github.com/metanet-platform/easyswap/pkg/logging"
)

// Oracle errors
var (
	ErrPriceStale       = errors.New("price data is stale or unavailable")
	ErrNoSource         = errors.New("no rate source configured")
	ErrAllSourcesFailed = errors.New("all rate sources failed")
)

// RateSource supplies a BSV/USD spot rate.
type RateSource interface {
	BSVUSDRate(ctx context.Context) (float64, error)
}

// Oracle caches the market price with a 5-minute TTL. The cache persists
// across restarts so matching never trusts a client-supplied price.
type Oracle struct {
	store    *storage.Storage
	primary  RateSource
	fallback RateSource
	ttl      time.Duration
	now      func() time.Time
	log      *logging.Logger
}

// New creates an Oracle. fallback may be nil.
func New(store *storage.Storage, primary, fallback RateSource) *Oracle {
	return &Oracle{
		store:    store,
		primary:  primary,
		fallback: fallback,
		ttl:      config.PriceCacheTTL,
		now:      time.Now,
		log:      logging.GetDefault().Component("oracle"),
	}
}

// SetClock overrides the time source, for tests.
func (o *Oracle) SetClock(now func() time.Time) {
	o.now = now
}

// Price returns the cached price, refreshing from the rate sources when
// the cache is older than the TTL.
func (o *Oracle) Price(ctx context.Context) (float64, error) {
	cached, updatedAt, err := o.store.CachedPrice()
	if err != nil {
		return 0, err
	}

	if cached > 0 && o.now().Sub(updatedAt) < o.ttl {
		return cached, nil
	}

	price, err := o.refresh(ctx)
	if err != nil {
		o.log.Warn("Price refresh failed", "error", err)
		return 0, err
	}
	return price, nil
}

// CachedPrice returns the cached price without refreshing. It fails with
// ErrPriceStale when the cache is zero or older than the TTL; trading
// decisions are never made on stale data.
func (o *Oracle) CachedPrice() (float64, error) {
	cached, updatedAt, err := o.store.CachedPrice()
	if err != nil {
		return 0, err
	}
	if cached <= 0 || o.now().Sub(updatedAt) > o.ttl {
		return 0, ErrPriceStale
	}
	return cached, nil
}

// ExceedsMax reports whether the current cached price is above maxPrice.
func (o *Oracle) ExceedsMax(maxPrice float64) (bool, error) {
	price, err := o.CachedPrice()
	if err != nil {
		return false, err
	}
	return price > maxPrice, nil
}

func (o *Oracle) refresh(ctx context.Context) (float64, error) {
	if o.primary == nil && o.fallback == nil {
		return 0, ErrNoSource
	}

	var primaryErr error
	if o.primary != nil {
		price, err := o.primary.BSVUSDRate(ctx)
		if err == nil && price > 0 {
			if storeErr := o.store.SetCachedPrice(price, o.now()); storeErr != nil {
				return 0, storeErr
			}
			return price, nil
		}
		primaryErr = err
		o.log.Warn("Primary rate source failed, trying fallback", "error", err)
	}

	if o.fallback != nil {
		price, err := o.fallback.BSVUSDRate(ctx)
		if err == nil && price > 0 {
			if storeErr := o.store.SetCachedPrice(price, o.now()); storeErr != nil {
				return 0, storeErr
			}
			return price, nil
		}
		return 0, fmt.Errorf("%w: primary: %v, fallback: %v", ErrAllSourcesFailed, primaryErr, err)
	}

	return 0, fmt.Errorf("%w: %v", ErrAllSourcesFailed, primaryErr)
}
