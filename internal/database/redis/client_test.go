package redis

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bardlex/blockseal/internal/sealer"
	"github.com/bardlex/blockseal/pkg/circuit"
	bsErrors "github.com/bardlex/blockseal/pkg/errors"
)

// compile-time check
var _ sealer.NonceCache = (*Client)(nil)

func TestNonceKey(t *testing.T) {
	key := sealer.Key{Algorithm: "md5", ContentDigest: "d41d8cd98f00b204e9800998ecf8427e", Difficulty: 5}
	want := "seal:nonce:md5:d41d8cd98f00b204e9800998ecf8427e:5"

	if got := NonceKey(key); got != want {
		t.Errorf("NonceKey() = %q, want %q", got, want)
	}
}

func unreachableClient(t *testing.T, onChange func(string, circuit.State, circuit.State)) *Client {
	t.Helper()
	c := newClient(&Config{
		// nothing listens on port 1
		Addr:          "127.0.0.1:1",
		MaxRetries:    -1,
		DialTimeout:   100 * time.Millisecond,
		ReadTimeout:   100 * time.Millisecond,
		WriteTimeout:  100 * time.Millisecond,
		TTL:           time.Minute,
		OnStateChange: onChange,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_UnreachableReturnsCacheError(t *testing.T) {
	c := unreachableClient(t, nil)
	key := sealer.Key{Algorithm: "md5", ContentDigest: "ab", Difficulty: 1}
	ctx := context.Background()

	_, ok, err := c.GetNonce(ctx, key)
	if err == nil {
		t.Fatal("GetNonce() against an unreachable server should fail")
	}
	if ok {
		t.Error("GetNonce() should not report a hit on error")
	}

	if err := c.SetNonce(ctx, key, big.NewInt(7)); err == nil {
		t.Fatal("SetNonce() against an unreachable server should fail")
	}
	if !bsErrors.IsType(err, bsErrors.ErrorTypeInternal) && !bsErrors.IsType(err, bsErrors.ErrorTypeCache) {
		t.Errorf("SetNonce() error type = %v, want cache or retry wrapper", err)
	}

	if c.Health(ctx) == nil {
		t.Error("Health() should fail for an unreachable server")
	}
}

func TestClient_BreakerOpens(t *testing.T) {
	var transitions []circuit.State
	c := unreachableClient(t, func(name string, _, to circuit.State) {
		if name != "redis" {
			t.Errorf("breaker name = %q, want redis", name)
		}
		transitions = append(transitions, to)
	})
	key := sealer.Key{Algorithm: "md5", ContentDigest: "ab", Difficulty: 1}

	for range 5 {
		_, _, _ = c.GetNonce(context.Background(), key)
	}

	if got := c.BreakerStats().State; got != circuit.StateOpen {
		t.Errorf("breaker state = %s, want open", got)
	}
	if len(transitions) == 0 || transitions[0] != circuit.StateOpen {
		t.Errorf("transitions = %v, want first transition to open", transitions)
	}
}

func newMiniredisClient(t *testing.T, ttl time.Duration) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewClient(&Config{Addr: mr.Addr(), TTL: ttl})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestClient_NonceRoundTrip(t *testing.T) {
	c, mr := newMiniredisClient(t, time.Hour)
	ctx := context.Background()
	key := sealer.Key{Algorithm: "md5", ContentDigest: "cf8509693f42f8d4341a7efe8f6affff", Difficulty: 4}

	// wider than uint64
	nonce, _ := new(big.Int).SetString("340282366920938463463374607431768211457", 10)
	if err := c.SetNonce(ctx, key, nonce); err != nil {
		t.Fatalf("SetNonce() error = %v", err)
	}

	stored, err := mr.Get(NonceKey(key))
	if err != nil || stored != nonce.String() {
		t.Errorf("stored value = %q (%v), want %s", stored, err, nonce)
	}
	if ttl := mr.TTL(NonceKey(key)); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	got, ok, err := c.GetNonce(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetNonce() = %v, %v, %v", got, ok, err)
	}
	if got.Cmp(nonce) != 0 {
		t.Errorf("GetNonce() = %s, want %s", got, nonce)
	}

	if err := c.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestClient_Miss(t *testing.T) {
	c, mr := newMiniredisClient(t, time.Minute)
	ctx := context.Background()
	key := sealer.Key{Algorithm: "md5", ContentDigest: "ab", Difficulty: 1}

	got, ok, err := c.GetNonce(ctx, key)
	if err != nil || ok || got != nil {
		t.Fatalf("GetNonce() on empty cache = %v, %v, %v, want a clean miss", got, ok, err)
	}

	if err := c.SetNonce(ctx, key, big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	if _, ok, err := c.GetNonce(ctx, key); err != nil || ok {
		t.Errorf("GetNonce() after expiry = %v, %v, want a clean miss", ok, err)
	}
	if got := c.BreakerStats().State; got != circuit.StateClosed {
		t.Errorf("misses should not trip the breaker, state = %s", got)
	}
}

func TestClient_MalformedValue(t *testing.T) {
	c, mr := newMiniredisClient(t, 0)
	key := sealer.Key{Algorithm: "md5", ContentDigest: "ab", Difficulty: 1}

	for _, raw := range []string{"0x1f", "-5", "twelve"} {
		if err := mr.Set(NonceKey(key), raw); err != nil {
			t.Fatal(err)
		}

		_, ok, err := c.GetNonce(context.Background(), key)
		if ok || err == nil {
			t.Errorf("GetNonce(%q) = %v, %v, want an error", raw, ok, err)
			continue
		}
		if !bsErrors.IsType(err, bsErrors.ErrorTypeCache) {
			t.Errorf("GetNonce(%q) error = %v, want cache type", raw, err)
		}
		if bsErrors.GetContext(err)["value"] != raw {
			t.Errorf("error context = %v, want value %q", bsErrors.GetContext(err), raw)
		}
	}
}
