package seal

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/blockseal/internal/hashing"
	"github.com/bardlex/blockseal/pkg/log"
)

// DefaultProgressInterval is the number of attempts per worker between
// progress log records.
const DefaultProgressInterval = 1 << 20

var (
	errSearchTimeout = errors.New("search timeout")
	errBudgetSpent   = errors.New("attempt budget spent")
)

// Option configures a search
type Option func(*options)

type options struct {
	maxAttempts      uint64
	timeout          time.Duration
	workers          int
	logger           *log.Logger
	progressInterval uint64
}

// WithMaxAttempts limits the search to nonces below n. Zero means unbounded.
func WithMaxAttempts(n uint64) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithTimeout bounds the wall-clock time of a search. Zero means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithWorkers sets the number of goroutines searching in parallel
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = max(n, 1) }
}

// WithLogger enables periodic search progress records at debug level
func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProgressInterval sets how many attempts each worker makes between
// progress records.
func WithProgressInterval(n uint64) Option {
	return func(o *options) { o.progressInterval = n }
}

// Result describes a successful search
type Result struct {
	Nonce         *big.Int
	ContentDigest string
	Digest        string
	Attempts      uint64
	Elapsed       time.Duration
}

// Hashrate returns candidate digests per second
func (r *Result) Hashrate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Attempts) / r.Elapsed.Seconds()
}

// Miner searches for nonces. It holds no per-search state and is safe for
// concurrent use.
type Miner struct {
	oracle   hashing.Oracle
	defaults options
}

// NewMiner creates a miner. Options given here apply to every search and can
// be overridden per call.
func NewMiner(oracle hashing.Oracle, opts ...Option) *Miner {
	m := &Miner{
		oracle: oracle,
		defaults: options{
			workers:          1,
			progressInterval: DefaultProgressInterval,
		},
	}
	for _, opt := range opts {
		opt(&m.defaults)
	}
	return m
}

// Oracle returns the digest function the miner uses
func (m *Miner) Oracle() hashing.Oracle {
	return m.oracle
}

// Mine searches for the lowest valid nonce for b and stores it on b
func (m *Miner) Mine(ctx context.Context, b *Block, opts ...Option) (*big.Int, error) {
	res, err := m.Search(ctx, b.Content, b.Difficulty, opts...)
	if err != nil {
		return nil, err
	}
	b.nonce = res.Nonce
	return new(big.Int).Set(res.Nonce), nil
}

// Search finds the lowest nonce sealing content at difficulty without
// touching any block.
//
// A search bounded by WithMaxAttempts or WithTimeout that runs out fails
// with ErrSearchExhausted. Cancellation of ctx by the caller returns the
// context's error instead.
func (m *Miner) Search(ctx context.Context, content string, difficulty int, opts ...Option) (*Result, error) {
	o := m.defaults
	for _, opt := range opts {
		opt(&o)
	}

	if err := ValidateDifficulty(m.oracle, difficulty); err != nil {
		return nil, err
	}

	start := time.Now()

	contentDigest := m.oracle.Digest([]byte(content))
	value, err := ContentValue(contentDigest)
	if err != nil {
		return nil, err
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.timeout, errSearchTimeout)
		defer cancel()
	}

	s := &search{
		oracle:     m.oracle,
		value:      value,
		difficulty: difficulty,
		opts:       o,
	}
	if o.maxAttempts > 0 {
		s.limit = new(big.Int).SetUint64(o.maxAttempts)
	}

	nonce, err := s.run(ctx)
	elapsed := time.Since(start)
	attempts := s.attempts.Load()

	if err != nil {
		switch {
		case errors.Is(err, errBudgetSpent):
			return nil, searchExhausted(ReasonMaxAttempts, difficulty, attempts, elapsed)
		case errors.Is(context.Cause(ctx), errSearchTimeout):
			return nil, searchExhausted(ReasonTimeout, difficulty, attempts, elapsed)
		default:
			return nil, err
		}
	}

	return &Result{
		Nonce:         nonce,
		ContentDigest: contentDigest,
		Digest:        CandidateDigest(m.oracle, value, nonce),
		Attempts:      attempts,
		Elapsed:       elapsed,
	}, nil
}

// search is the state of one nonce search shared by its workers
type search struct {
	oracle     hashing.Oracle
	value      *big.Int
	difficulty int
	limit      *big.Int // exclusive, nil when unbounded
	opts       options

	attempts atomic.Uint64

	mu    sync.Mutex
	found atomic.Bool
	best  *big.Int
}

// run searches with the configured workers. Worker i tests nonces
// i, i+W, i+2W, ... and stops once its next nonce exceeds the best found
// so far, so every nonce below the winner is tested and the lowest wins.
func (s *search) run(ctx context.Context) (*big.Int, error) {
	workers := max(s.opts.workers, 1)

	if workers == 1 {
		if err := s.scan(ctx, 0, 1); err != nil {
			return nil, err
		}
		return s.result()
	}

	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs[id] = s.scan(ctx, id, workers)
		}(i)
	}
	wg.Wait()

	// A worker that stopped early leaves lower nonces untested, so a
	// partial search never returns a winner.
	for _, err := range errs {
		if err != nil && !errors.Is(err, errBudgetSpent) {
			return nil, err
		}
	}
	return s.result()
}

func (s *search) result() (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.best == nil {
		return nil, errBudgetSpent
	}
	return s.best, nil
}

// scan tests first, first+step, ... for one worker
func (s *search) scan(ctx context.Context, worker, step int) error {
	nonce := big.NewInt(int64(worker))
	stride := big.NewInt(int64(step))
	candidate := new(big.Int).Add(s.value, nonce)
	buf := make([]byte, 0, 128)
	done := ctx.Done()

	var tested uint64
	defer func() { s.attempts.Add(tested) }()

	for {
		select {
		case <-done:
			return ctx.Err()
		default:
		}

		if s.limit != nil && nonce.Cmp(s.limit) >= 0 {
			return errBudgetSpent
		}
		if s.passed(nonce) {
			return nil
		}

		buf = candidate.Append(buf[:0], 10)
		digest := s.oracle.Digest(buf)
		tested++

		if HasSentinelSuffix(digest, s.difficulty) {
			s.offer(nonce)
			return nil
		}

		if s.opts.logger != nil && s.opts.progressInterval > 0 && tested%s.opts.progressInterval == 0 {
			s.opts.logger.LogSearchProgress(worker, tested, nonce.String())
		}

		nonce.Add(nonce, stride)
		candidate.Add(candidate, stride)
	}
}

// passed reports whether a lower winner than nonce is already known
func (s *search) passed(nonce *big.Int) bool {
	if !s.found.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best.Cmp(nonce) < 0
}

func (s *search) offer(nonce *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.best == nil || nonce.Cmp(s.best) < 0 {
		s.best = new(big.Int).Set(nonce)
		s.found.Store(true)
	}
}
