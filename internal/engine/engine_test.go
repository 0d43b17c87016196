package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/metanet-platform/easyswap/internal/bsv"
	"github.com/metanet-platform/easyswap/internal/ledger"
	"github.com/metanet-platform/easyswap/internal/oracle"
	"github.com/metanet-platform/easyswap/internal/spv"
	"github.com/metanet-platform/easyswap/internal/storage"
	"github.com/metanet-platform/easyswap/internal/types"
)

// stubRate is a controllable price source.
type stubRate struct {
	price float64
}

func (s *stubRate) BSVUSDRate(_ context.Context) (float64, error) {
	return s.price, nil
}

// testEnv wires an engine over temp-dir storage, the mock ledger, a
// controllable price source, and a controllable clock.
type testEnv struct {
	t      *testing.T
	store  *storage.Storage
	mock   *ledger.Mock
	escrow *ledger.Escrow
	rate   *stubRate
	eng    *Engine

	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "easyswap-engine-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		t:     t,
		store: store,
		mock:  ledger.NewMock(),
		rate:  &stubRate{price: 45},
		now:   time.Unix(1_700_000_000, 0),
	}

	// The mock ledger keys all process-owned subaccounts under "process".
	env.escrow = ledger.NewEscrow(env.mock, "process", "")

	priceOracle := oracle.New(store, env.rate, nil)
	priceOracle.SetClock(env.clock)

	verifier := spv.NewVerifier(store, nil)

	env.eng = New(store, env.escrow, priceOracle, verifier, nil, nil)
	env.eng.SetClock(env.clock)

	// Warm the price cache.
	if _, err := env.eng.RefreshPrice(context.Background()); err != nil {
		t.Fatal(err)
	}

	return env
}

func (e *testEnv) clock() time.Time {
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

// refreshPrice re-warms the cache after a clock jump made it stale.
func (e *testEnv) refreshPrice() {
	if _, err := e.eng.RefreshPrice(context.Background()); err != nil {
		e.t.Fatal(err)
	}
}

func (e *testEnv) principal(name string) types.Principal {
	return types.PrincipalFromBytes([]byte(name))
}

func (e *testEnv) fund(account ledger.Account, usd types.USD) {
	e.mock.SetBalance(account, usd)
}

func testBSVAddress(seed byte) string {
	var payload [20]byte
	for i := range payload {
		payload[i] = seed + byte(i)
	}
	return base58.CheckEncode(payload[:], 0x00)
}

// createOrder funds the maker's security subaccount and creates an order,
// exercising the top-up path.
func (e *testEnv) createOrder(maker types.Principal, amount types.USD, maxPrice float64, addr string) types.OrderID {
	e.t.Helper()

	e.fund(e.escrow.SecurityAccount(maker), amount*2)
	orderID, err := e.eng.CreateOrder(context.Background(), maker, amount, maxPrice, addr)
	if err != nil {
		e.t.Fatalf("CreateOrder() error = %v", err)
	}
	return orderID
}

// paymentTx builds a transaction paying each locked chunk in order plus a
// change output, returning the raw hex.
func paymentTx(t *testing.T, chunks []types.LockedChunk) string {
	return paymentTxWithChange(t, chunks, 42_000)
}

// paymentTxWithChange varies the change amount, producing a distinct txid
// for the same chunk outputs.
func paymentTxWithChange(t *testing.T, chunks []types.LockedChunk, change uint64) string {
	t.Helper()

	tx := &bsv.Tx{
		Version: 1,
		Inputs: []bsv.TxInput{{
			PrevTxHash:      make([]byte, 32),
			PrevOutputIndex: 0,
			ScriptSig:       []byte{0x00},
			Sequence:        0xffffffff,
		}},
	}
	for _, lc := range chunks {
		script, ok := bsv.P2PKHScript(lc.BSVAddress)
		if !ok {
			t.Fatalf("failed to build script for %s", lc.BSVAddress)
		}
		tx.Outputs = append(tx.Outputs, bsv.TxOutput{Satoshis: lc.Satoshis, ScriptPubKey: script})
	}
	// Change back to the filler.
	changeScript, _ := bsv.P2PKHScript(testBSVAddress(0xC0))
	tx.Outputs = append(tx.Outputs, bsv.TxOutput{Satoshis: change, ScriptPubKey: changeScript})

	return tx.SerializeHex()
}

// proofFor stores a header chain covering the txid at the given height
// with depth confirmations, and returns the matching BUMP hex.
func (e *testEnv) proofFor(txHex string, height, confirmations uint64) string {
	e.t.Helper()

	txid, err := bsv.TxID(txHex)
	if err != nil {
		e.t.Fatal(err)
	}

	// Single-leaf block: the txid pairs with itself.
	proof := &spv.Proof{
		BlockHeight: height,
		Levels: [][]spv.Node{
			{
				{Offset: 0, Hash: txid, IsTxID: true},
				{Offset: 1, IsDuplicate: true},
			},
		},
	}

	root, err := spv.ComputeMerkleRoot(txid, proof)
	if err != nil {
		e.t.Fatal(err)
	}

	if err := e.store.StoreBlockHeader(&types.BlockHeader{
		Height: height, Hash: "block-" + txid[:8], MerkleRoot: root,
	}); err != nil {
		e.t.Fatal(err)
	}
	tip := height + confirmations - 1
	if err := e.store.StoreBlockHeader(&types.BlockHeader{
		Height: tip, Hash: "tip", MerkleRoot: "00",
	}); err != nil {
		e.t.Fatal(err)
	}

	bumpHex, err := proof.SerializeHex()
	if err != nil {
		e.t.Fatal(err)
	}
	return bumpHex
}

// checkOrderInvariant asserts filled + locked + idle + available +
// refunded = amount for an order, derived from chunk states.
func (e *testEnv) checkOrderInvariant(orderID types.OrderID) {
	e.t.Helper()

	order, err := e.store.GetOrder(orderID)
	if err != nil {
		e.t.Fatal(err)
	}
	chunks, err := e.store.ListChunksByOrder(orderID)
	if err != nil {
		e.t.Fatal(err)
	}

	var total types.USD
	for _, chunk := range chunks {
		total += chunk.AmountUSD
	}
	if total != order.AmountUSD {
		e.t.Errorf("order %d: chunk sum %s != amount %s", orderID, total, order.AmountUSD)
	}

	var filled, locked, idle types.USD
	for _, chunk := range chunks {
		switch chunk.Status {
		case types.ChunkStatusFilled:
			filled += chunk.AmountUSD
		case types.ChunkStatusLocked:
			locked += chunk.AmountUSD
		case types.ChunkStatusIdle:
			idle += chunk.AmountUSD
		}
	}
	if filled != order.TotalFilled {
		e.t.Errorf("order %d: filled %s != tracked %s", orderID, filled, order.TotalFilled)
	}
	if locked != order.TotalLocked {
		e.t.Errorf("order %d: locked %s != tracked %s", orderID, locked, order.TotalLocked)
	}
	if idle != order.TotalIdle {
		e.t.Errorf("order %d: idle %s != tracked %s", orderID, idle, order.TotalIdle)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	maker := env.principal("maker-validation")
	addr := testBSVAddress(0x01)
	ctx := context.Background()

	if _, err := env.eng.CreateOrder(ctx, types.AnonymousPrincipal, 12_000_000, 50, addr); KindOf(err) != KindAuthorization {
		t.Errorf("anonymous: kind = %s, want authorization", KindOf(err))
	}
	if _, err := env.eng.CreateOrder(ctx, maker, 4_000_000, 50, addr); KindOf(err) != KindValidation {
		t.Errorf("non-multiple: kind = %s, want validation", KindOf(err))
	}
	if _, err := env.eng.CreateOrder(ctx, maker, 93_000_000, 50, addr); KindOf(err) != KindValidation {
		t.Errorf("over max chunks: kind = %s, want validation", KindOf(err))
	}
	if _, err := env.eng.CreateOrder(ctx, maker, 12_000_000, 50, "bad-address"); KindOf(err) != KindValidation {
		t.Errorf("bad address: kind = %s, want validation", KindOf(err))
	}
	if _, err := env.eng.CreateOrder(ctx, maker, 12_000_000, 0, addr); KindOf(err) != KindValidation {
		t.Errorf("zero price: kind = %s, want validation", KindOf(err))
	}

	// Unfunded order fails at the funding step, not before.
	if _, err := env.eng.CreateOrder(ctx, maker, 12_000_000, 50, addr); err == nil {
		t.Error("unfunded order succeeded")
	}
}

func TestCreateOrderActivates(t *testing.T) {
	env := newTestEnv(t)
	maker := env.principal("maker-activate")
	addr := testBSVAddress(0x02)

	orderID := env.createOrder(maker, 12_000_000, 50, addr)

	order, err := env.eng.GetOrder(orderID)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderStatusActive {
		t.Errorf("status = %s, want active", order.Status)
	}
	if len(order.Chunks) != 4 {
		t.Errorf("chunks = %d, want 4", len(order.Chunks))
	}
	if order.ActivationFee != 300_000 { // 2.5% of $12
		t.Errorf("activation fee = %s, want 0.3", order.ActivationFee)
	}
	if order.IncentiveReserve != 540_000 { // 4.5% of $12
		t.Errorf("incentive = %s, want 0.54", order.IncentiveReserve)
	}

	// Deposit flow: security funded 2×amount, top-up moved $12.84, then
	// $0.30 activation left for treasury.
	orderBalance := env.mock.Balance(env.escrow.OrderAccount(maker, orderID))
	if orderBalance != 12_540_000 {
		t.Errorf("order balance = %s, want 12.54", orderBalance)
	}
	treasury := env.mock.Balance(env.escrow.Treasury())
	if treasury != 290_000 { // 0.30 − 0.01 fee
		t.Errorf("treasury = %s, want 0.29", treasury)
	}

	available, _ := env.eng.AvailableOrderbook()
	if available != 12_000_000 {
		t.Errorf("orderbook = %s, want 12", available)
	}

	env.checkOrderInvariant(orderID)
}

func TestCreateOrderStartsIdleAbovePriceCap(t *testing.T) {
	env := newTestEnv(t)
	maker := env.principal("maker-idle")

	// Market at 45, cap at 40: the order parks Idle.
	orderID := env.createOrder(maker, 6_000_000, 40, testBSVAddress(0x03))

	order, _ := env.eng.GetOrder(orderID)
	if order.Status != types.OrderStatusIdle {
		t.Errorf("status = %s, want idle", order.Status)
	}
	if order.TotalIdle != 6_000_000 {
		t.Errorf("idle = %s, want 6", order.TotalIdle)
	}

	available, _ := env.eng.AvailableOrderbook()
	if available != 0 {
		t.Errorf("orderbook = %s, want 0", available)
	}
	env.checkOrderInvariant(orderID)
}

func TestCreateOrderRespectsToggleAndCeilings(t *testing.T) {
	env := newTestEnv(t)
	admin := env.principal("admin")
	maker := env.principal("maker-limits")
	addr := testBSVAddress(0x04)

	// Admin toggle.
	envWithAdmin := newTestEnv(t)
	envWithAdmin.eng = New(envWithAdmin.store, envWithAdmin.escrow, envWithAdmin.eng.Oracle(),
		nil, nil, &Options{Admin: admin})
	envWithAdmin.eng.SetClock(envWithAdmin.clock)
	if err := envWithAdmin.eng.SetNewOrdersEnabled(admin, false); err != nil {
		t.Fatal(err)
	}
	envWithAdmin.fund(envWithAdmin.escrow.SecurityAccount(maker), 100_000_000)
	if _, err := envWithAdmin.eng.CreateOrder(context.Background(), maker, 12_000_000, 50, addr); KindOf(err) != KindCapacity {
		t.Errorf("toggle off: kind = %s, want capacity", KindOf(err))
	}

	// Per-maker ceiling: $270 cap, three $90 orders hit it exactly, the
	// fourth is rejected.
	for i := 0; i < 3; i++ {
		env.createOrder(maker, 90_000_000, 50, addr)
	}
	env.fund(env.escrow.SecurityAccount(maker), 200_000_000)
	if _, err := env.eng.CreateOrder(context.Background(), maker, 3_000_000, 50, addr); KindOf(err) != KindCapacity {
		t.Errorf("maker ceiling: kind = %s, want capacity", KindOf(err))
	}
}

func TestUpdateMaxBSVPrice(t *testing.T) {
	env := newTestEnv(t)
	maker := env.principal("maker-retarget")
	orderID := env.createOrder(maker, 6_000_000, 40, testBSVAddress(0x05)) // starts Idle at 45

	// Raising the cap above market re-lists the chunks.
	if err := env.eng.UpdateMaxBSVPrice(maker, orderID, 50); err != nil {
		t.Fatalf("UpdateMaxBSVPrice() error = %v", err)
	}

	order, _ := env.eng.GetOrder(orderID)
	if order.MaxBSVPrice != 50 {
		t.Errorf("max price = %f, want 50", order.MaxBSVPrice)
	}
	if order.Status != types.OrderStatusActive {
		t.Errorf("status = %s, want active", order.Status)
	}

	available, _ := env.eng.AvailableOrderbook()
	if available != 6_000_000 {
		t.Errorf("orderbook = %s, want 6", available)
	}

	// Only the maker may retarget.
	if err := env.eng.UpdateMaxBSVPrice(env.principal("stranger"), orderID, 60); KindOf(err) != KindAuthorization {
		t.Errorf("kind = %s, want authorization", KindOf(err))
	}

	env.checkOrderInvariant(orderID)
}

func TestCancelOrderRefunds(t *testing.T) {
	env := newTestEnv(t)
	maker := env.principal("maker-cancel")
	orderID := env.createOrder(maker, 12_000_000, 50, testBSVAddress(0x06))

	refunded, err := env.eng.CancelOrder(context.Background(), maker, orderID)
	if err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	// Balance after activation: 12.54; nothing locked, all refundable.
	if refunded != 12_540_000 {
		t.Errorf("refunded = %s, want 12.54", refunded)
	}

	// The maker observes gross − fee.
	makerBalance := env.mock.Balance(env.escrow.DefaultAccount(maker))
	if makerBalance != 12_530_000 {
		t.Errorf("maker balance = %s, want 12.53", makerBalance)
	}

	order, _ := env.eng.GetOrder(orderID)
	if order.Status != types.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", order.Status)
	}

	chunks, _ := env.store.ListChunksByOrder(orderID)
	for _, chunk := range chunks {
		if chunk.Status != types.ChunkStatusRefunded {
			t.Errorf("chunk %d status = %s, want refunded", chunk.ID, chunk.Status)
		}
	}

	// Cancelling again fails: the order is terminal.
	if _, err := env.eng.CancelOrder(context.Background(), maker, orderID); KindOf(err) != KindPrecondition {
		t.Errorf("second cancel kind = %s, want precondition", KindOf(err))
	}
	env.checkOrderInvariant(orderID)
}
