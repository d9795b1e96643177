package sealer

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/blockseal/internal/hashing"
	"github.com/bardlex/blockseal/internal/seal"
	"github.com/bardlex/blockseal/pkg/log"
)

type recordingObserver struct {
	mu     sync.Mutex
	seals  []SealEvent
	checks []CheckEvent
}

func (r *recordingObserver) ObserveSeal(_ context.Context, ev SealEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seals = append(r.seals, ev)
}

func (r *recordingObserver) ObserveCheck(_ context.Context, ev CheckEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, ev)
}

type failingCache struct {
	gets, sets int
}

func (f *failingCache) GetNonce(context.Context, Key) (*big.Int, bool, error) {
	f.gets++
	return nil, false, errors.New("connection refused")
}

func (f *failingCache) SetNonce(context.Context, Key, *big.Int) error {
	f.sets++
	return errors.New("connection refused")
}

func newTestSealer(t *testing.T, opts ...Option) (*Sealer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := log.NewWithWriter(&buf, "blockseal", "test", "info", "json")
	miner := seal.NewMiner(hashing.MustNew(hashing.MD5))
	return New(miner, logger, opts...), &buf
}

func TestSealer_SealAndCheck(t *testing.T) {
	obs := &recordingObserver{}
	s, logs := newTestSealer(t, WithObservers(obs))

	b := seal.NewBlock("sealer block", 3)
	out, err := s.Seal(context.Background(), b)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if out.Cached {
		t.Error("first seal without a cache should not be cached")
	}
	if out.Attempts != out.Nonce.Uint64()+1 {
		t.Errorf("Attempts = %d, want %d", out.Attempts, out.Nonce.Uint64()+1)
	}
	if b.Nonce().Cmp(out.Nonce) != 0 {
		t.Errorf("block nonce = %s, want %s", b.Nonce(), out.Nonce)
	}

	valid, err := s.Check(context.Background(), b)
	if err != nil || !valid {
		t.Fatalf("Check() = %v, %v; want true", valid, err)
	}

	b.Content = "sealer block!"
	if valid, _ := s.Check(context.Background(), b); valid {
		t.Error("Check() after tampering = true, want false")
	}

	if len(obs.seals) != 1 || obs.seals[0].Status != StatusSealed {
		t.Errorf("seal events = %+v, want one sealed event", obs.seals)
	}
	if len(obs.checks) != 2 {
		t.Fatalf("check events = %d, want 2", len(obs.checks))
	}
	if obs.checks[0].State != seal.StateSealedValid || obs.checks[1].State != seal.StateSealedInvalid {
		t.Errorf("check states = %s, %s", obs.checks[0].State, obs.checks[1].State)
	}

	if !strings.Contains(logs.String(), `"msg":"block sealed"`) {
		t.Errorf("expected a block sealed record, got %s", logs.String())
	}
}

func TestSealer_CacheHit(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	obs := &recordingObserver{}
	s, _ := newTestSealer(t, WithCache(cache), WithObservers(obs))

	first, err := s.Seal(context.Background(), seal.NewBlock("cached", 3))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache entries = %d, want 1", cache.Len())
	}

	b := seal.NewBlock("cached", 3)
	second, err := s.Seal(context.Background(), b)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !second.Cached || second.Attempts != 0 {
		t.Errorf("second seal = %+v, want a cached outcome with no attempts", second)
	}
	if second.Nonce.Cmp(first.Nonce) != 0 || second.Digest != first.Digest {
		t.Errorf("cached nonce %s / digest %s, want %s / %s", second.Nonce, second.Digest, first.Nonce, first.Digest)
	}
	if !b.IsSealed() {
		t.Error("cache hit should seal the block")
	}
	if len(obs.seals) != 2 || !obs.seals[1].Cached {
		t.Errorf("seal events = %+v, want second one cached", obs.seals)
	}
}

func TestSealer_PoisonedCacheIsIgnored(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	s, logs := newTestSealer(t, WithCache(cache))
	oracle := hashing.MustNew(hashing.MD5)

	key := Key{Algorithm: hashing.MD5, ContentDigest: oracle.Digest([]byte("poisoned")), Difficulty: 3}
	want, err := seal.NewMiner(oracle).Search(context.Background(), "poisoned", 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	// a nonce one below the winner cannot validate
	bad := new(big.Int).Sub(want.Nonce, big.NewInt(1))
	if bad.Sign() < 0 {
		bad = new(big.Int).Add(want.Nonce, big.NewInt(1))
	}
	_ = cache.SetNonce(context.Background(), key, bad)

	out, err := s.Seal(context.Background(), seal.NewBlock("poisoned", 3))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if out.Cached {
		t.Error("a cached nonce that fails validation must not be used")
	}
	if out.Nonce.Cmp(want.Nonce) != 0 {
		t.Errorf("nonce = %s, want %s", out.Nonce, want.Nonce)
	}
	if !strings.Contains(logs.String(), "cached nonce does not validate") {
		t.Error("expected a warning about the rejected cache entry")
	}

	// the mined value replaced the bad entry
	got, ok, _ := cache.GetNonce(context.Background(), key)
	if !ok || got.Cmp(want.Nonce) != 0 {
		t.Errorf("cache entry = %v (ok=%v), want %s", got, ok, want.Nonce)
	}
}

func TestSealer_SharedCacheHoldsLowestNonce(t *testing.T) {
	cache := NewMemoryCache(16, 0)
	oracle := hashing.MustNew(hashing.MD5)
	logger := log.NewWithWriter(&bytes.Buffer{}, "blockseal", "test", "info", "json")

	// a parallel writer and a sequential reader share one cache
	writer := New(seal.NewMiner(oracle, seal.WithWorkers(4)), logger, WithCache(cache))
	reader := New(seal.NewMiner(oracle), logger, WithCache(cache))

	if _, err := writer.Seal(context.Background(), seal.NewBlock("sealer block", 3)); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	key := Key{Algorithm: hashing.MD5, ContentDigest: oracle.Digest([]byte("sealer block")), Difficulty: 3}
	stored, ok, _ := cache.GetNonce(context.Background(), key)
	if !ok || stored.Cmp(big.NewInt(9349)) != 0 {
		t.Fatalf("cache entry = %v (ok=%v), want the lowest nonce 9349", stored, ok)
	}

	out, err := reader.Seal(context.Background(), seal.NewBlock("sealer block", 3))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !out.Cached || out.Nonce.Cmp(big.NewInt(9349)) != 0 {
		t.Errorf("reader outcome = %+v, want cached nonce 9349", out)
	}
}

func TestSealer_CacheFailureDoesNotFailSeal(t *testing.T) {
	cache := &failingCache{}
	s, logs := newTestSealer(t, WithCache(cache))

	if _, err := s.Seal(context.Background(), seal.NewBlock("resilient", 2)); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if cache.gets != 1 || cache.sets != 1 {
		t.Errorf("cache calls get=%d set=%d, want 1 each", cache.gets, cache.sets)
	}
	if !strings.Contains(logs.String(), "nonce cache lookup failed") {
		t.Error("expected cache lookup failure to be logged")
	}
}

func TestSealer_Failures(t *testing.T) {
	obs := &recordingObserver{}
	s, _ := newTestSealer(t, WithObservers(obs))

	_, err := s.Seal(context.Background(), seal.NewBlock("x", 40))
	if !errors.Is(err, seal.ErrInvalidDifficulty) {
		t.Errorf("Seal(d=40) error = %v, want ErrInvalidDifficulty", err)
	}

	_, err = s.Seal(context.Background(), seal.NewBlock("x", 32), seal.WithMaxAttempts(10))
	if !errors.Is(err, seal.ErrSearchExhausted) {
		t.Errorf("Seal(d=32) error = %v, want ErrSearchExhausted", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Seal(ctx, seal.NewBlock("x", 32))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Seal(canceled) error = %v, want context.Canceled", err)
	}

	want := []string{StatusInvalid, StatusExhausted, StatusCanceled}
	if len(obs.seals) != len(want) {
		t.Fatalf("seal events = %d, want %d", len(obs.seals), len(want))
	}
	for i, status := range want {
		if obs.seals[i].Status != status {
			t.Errorf("event %d status = %s, want %s", i, obs.seals[i].Status, status)
		}
		if obs.seals[i].Err == nil {
			t.Errorf("event %d should carry its error", i)
		}
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StatusSealed},
		{seal.ErrSearchExhausted, StatusExhausted},
		{seal.ErrInvalidDifficulty, StatusInvalid},
		{context.DeadlineExceeded, StatusCanceled},
		{errors.New("boom"), StatusError},
	}
	for _, tt := range tests {
		if got := Status(tt.err); got != tt.want {
			t.Errorf("Status(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestKey_String(t *testing.T) {
	k := Key{Algorithm: "md5", ContentDigest: "abc", Difficulty: 4}
	if got := k.String(); got != "md5:abc:4" {
		t.Errorf("Key.String() = %q, want %q", got, "md5:abc:4")
	}
}

func TestMemoryCache_EvictionAndTTL(t *testing.T) {
	c := NewMemoryCache(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	keys := []Key{{ContentDigest: "a"}, {ContentDigest: "b"}, {ContentDigest: "c"}}
	for i, k := range keys {
		_ = c.SetNonce(ctx, k, big.NewInt(int64(i)))
	}

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if _, ok, _ := c.GetNonce(ctx, keys[0]); ok {
		t.Error("oldest entry should have been evicted")
	}
	if n, ok, _ := c.GetNonce(ctx, keys[2]); !ok || n.Int64() != 2 {
		t.Errorf("GetNonce(c) = %v, %v; want 2, true", n, ok)
	}

	// overwriting does not grow the eviction queue
	_ = c.SetNonce(ctx, keys[2], big.NewInt(20))
	if n, ok, _ := c.GetNonce(ctx, keys[1]); !ok || n.Int64() != 1 {
		t.Errorf("GetNonce(b) = %v, %v; want 1, true", n, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.GetNonce(ctx, keys[2]); ok {
		t.Error("entry should have expired")
	}
}
