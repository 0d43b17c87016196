package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/metanet-platform/easyswap/internal/storage"
)

type stubRate struct {
	price float64
	err   error
	calls int
}

func (s *stubRate) BSVUSDRate(_ context.Context) (float64, error) {
	s.calls++
	return s.price, s.err
}

func testOracleStore(t *testing.T) *storage.Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "easyswap-oracle-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPriceCachesWithinTTL(t *testing.T) {
	store := testOracleStore(t)
	primary := &stubRate{price: 45}
	o := New(store, primary, nil)

	now := time.Now()
	o.SetClock(func() time.Time { return now })

	price, err := o.Price(context.Background())
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if price != 45 {
		t.Errorf("price = %f, want 45", price)
	}
	if primary.calls != 1 {
		t.Errorf("calls = %d, want 1", primary.calls)
	}

	// Within TTL: served from cache.
	now = now.Add(4 * time.Minute)
	if _, err := o.Price(context.Background()); err != nil {
		t.Fatal(err)
	}
	if primary.calls != 1 {
		t.Errorf("cache miss within TTL: calls = %d", primary.calls)
	}

	// Past TTL: refreshed.
	now = now.Add(2 * time.Minute)
	primary.price = 52
	price, _ = o.Price(context.Background())
	if price != 52 || primary.calls != 2 {
		t.Errorf("price = %f calls = %d, want 52 / 2", price, primary.calls)
	}
}

func TestCachedPriceRejectsStale(t *testing.T) {
	store := testOracleStore(t)
	o := New(store, &stubRate{price: 45}, nil)

	now := time.Now()
	o.SetClock(func() time.Time { return now })

	if _, err := o.CachedPrice(); !errors.Is(err, ErrPriceStale) {
		t.Errorf("empty cache error = %v, want ErrPriceStale", err)
	}

	if _, err := o.Price(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := o.CachedPrice(); err != nil {
		t.Errorf("fresh cache rejected: %v", err)
	}

	now = now.Add(6 * time.Minute)
	if _, err := o.CachedPrice(); !errors.Is(err, ErrPriceStale) {
		t.Errorf("stale cache error = %v, want ErrPriceStale", err)
	}
}

func TestFallbackSource(t *testing.T) {
	store := testOracleStore(t)
	primary := &stubRate{err: errors.New("primary down")}
	fallback := &stubRate{price: 48}
	o := New(store, primary, fallback)

	price, err := o.Price(context.Background())
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if price != 48 {
		t.Errorf("price = %f, want 48 from fallback", price)
	}

	// Both down.
	store2 := testOracleStore(t)
	o2 := New(store2, &stubRate{err: errors.New("down")}, &stubRate{err: errors.New("down")})
	if _, err := o2.Price(context.Background()); !errors.Is(err, ErrAllSourcesFailed) {
		t.Errorf("error = %v, want ErrAllSourcesFailed", err)
	}
}

func TestRateClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rates" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"rate": 4525000000, "decimals": 8}`))
	}))
	defer server.Close()

	client := NewRateClient(server.URL)
	price, err := client.BSVUSDRate(context.Background())
	if err != nil {
		t.Fatalf("BSVUSDRate() error = %v", err)
	}
	if price != 45.25 {
		t.Errorf("price = %f, want 45.25", price)
	}
}

func TestRateClientRejectsZeroRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"rate": 0, "decimals": 8}`))
	}))
	defer server.Close()

	client := NewRateClient(server.URL)
	if _, err := client.BSVUSDRate(context.Background()); !errors.Is(err, ErrRateInvalid) {
		t.Errorf("error = %v, want ErrRateInvalid", err)
	}
}
