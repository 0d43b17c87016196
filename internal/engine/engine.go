// Package engine - Engine wiring and shared helpers.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/metanet-platform/easyswap/internal/chain"
	"github.com/metanet-platform/easyswap/internal/ledger"
	"github.com/metanet-platform/easyswap/internal/oracle"
	"github.com/metanet-platform/easyswap/internal/spv"
	"github.com/metanet-platform/easyswap/internal/storage"
	"github.com/metanet-platform/easyswap/internal/types"
	"github.com/metanet-platform/easyswap/pkg/logging"
)

// Notifier receives engine events for fan-out to API subscribers. Sends
// must not block.
type Notifier interface {
	Publish(event string, payload interface{})
}

// Engine owns all orderbook state. Every public operation takes the
// engine mutex for its whole turn: state is observable only at turn
// boundaries, and there is no cross-entity mutation wider than one turn.
type Engine struct {
	store    *storage.Storage
	escrow   *ledger.Escrow
	oracle   *oracle.Oracle
	verifier *spv.Verifier
	syncer   *chain.Syncer
	log      *logging.Logger

	mu sync.Mutex

	// clock is swappable for boundary tests.
	clock func() time.Time

	// admin may toggle new-order creation.
	admin types.Principal

	// resourceOK gates new-order admission on host resource reserves.
	// nil means never low.
	resourceOK func() bool

	notifier Notifier
}

// Options configures optional engine behaviour.
type Options struct {
	Admin      types.Principal
	ResourceOK func() bool
	Notifier   Notifier
}

// New creates an engine over its collaborators.
func New(store *storage.Storage, escrow *ledger.Escrow, priceOracle *oracle.Oracle,
	verifier *spv.Verifier, syncer *chain.Syncer, opts *Options) *Engine {

	e := &Engine{
		store:    store,
		escrow:   escrow,
		oracle:   priceOracle,
		verifier: verifier,
		syncer:   syncer,
		log:      logging.GetDefault().Component("engine"),
		clock:    time.Now,
	}
	if opts != nil {
		e.admin = opts.Admin
		e.resourceOK = opts.ResourceOK
		e.notifier = opts.Notifier
	}
	return e
}

// SetClock overrides the time source, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.clock = now
}

// SetNotifier attaches the event fan-out after construction; the RPC
// server is built over the engine, so the hub arrives late.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Syncer exposes the chain syncer for status queries and the scheduler.
func (e *Engine) Syncer() *chain.Syncer {
	return e.syncer
}

// Oracle exposes the price oracle.
func (e *Engine) Oracle() *oracle.Oracle {
	return e.oracle
}

// Store exposes the storage layer for read-only API queries.
func (e *Engine) Store() *storage.Storage {
	return e.store
}

func (e *Engine) publish(event string, payload interface{}) {
	if e.notifier != nil {
		e.notifier.Publish(event, payload)
	}
}

// SetNewOrdersEnabled flips the admin toggle. Only the configured admin
// may call it; violations are logged.
func (e *Engine) SetNewOrdersEnabled(caller types.Principal, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.admin.IsAnonymous() || caller != e.admin {
		e.log.Warn("Admin toggle rejected", "caller", caller.Text())
		return errAuthorization("only the admin may toggle order creation")
	}

	if err := e.store.SetNewOrdersEnabled(enabled); err != nil {
		return errTransient(err, "failed to store orders toggle")
	}

	e.emitEvent(&types.AdminEvent{
		Type:      types.AdminEventOrdersToggled,
		Timestamp: e.clock(),
		Message:   map[bool]string{true: "new orders enabled", false: "new orders disabled"}[enabled],
	})
	return nil
}

// NewOrdersEnabled reports the admin toggle state.
func (e *Engine) NewOrdersEnabled() (bool, error) {
	return e.store.NewOrdersEnabled()
}

// RefreshPrice refreshes the cached BSV price; used by the scheduler and
// at startup.
func (e *Engine) RefreshPrice(ctx context.Context) (float64, error) {
	return e.oracle.Price(ctx)
}

func (e *Engine) emitEvent(event *types.AdminEvent) {
	if err := e.store.AppendAdminEvent(event); err != nil {
		e.log.Error("Failed to append admin event", "type", event.Type, "error", err)
	}
}

// AdminEvents lists the newest audit events.
func (e *Engine) AdminEvents(limit int) ([]*types.AdminEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return e.store.ListAdminEvents(limit)
}
