// Package sealer composes the miner and validator with a nonce cache and
// observers. Services use it instead of calling the seal package directly.
package sealer

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/bardlex/blockseal/internal/seal"
	"github.com/bardlex/blockseal/pkg/log"
)

// Seal outcome statuses reported to observers
const (
	StatusSealed    = "sealed"
	StatusExhausted = "exhausted"
	StatusInvalid   = "invalid"
	StatusCanceled  = "canceled"
	StatusError     = "error"
)

// Key identifies a cached nonce. Mining is deterministic, so the nonce for a
// key never changes.
type Key struct {
	Algorithm     string
	ContentDigest string
	Difficulty    int
}

// String returns the colon-joined key
func (k Key) String() string {
	return k.Algorithm + ":" + k.ContentDigest + ":" + strconv.Itoa(k.Difficulty)
}

// NonceCache memoizes search results
type NonceCache interface {
	// GetNonce returns the cached nonce and whether one was found
	GetNonce(ctx context.Context, key Key) (*big.Int, bool, error)
	SetNonce(ctx context.Context, key Key, nonce *big.Int) error
}

// SealEvent describes one Seal call
type SealEvent struct {
	Algorithm  string
	Difficulty int
	Status     string
	Cached     bool
	Attempts   uint64
	Elapsed    time.Duration
	Err        error
}

// CheckEvent describes one Check call
type CheckEvent struct {
	Algorithm  string
	Difficulty int
	State      seal.State
	Elapsed    time.Duration
}

// Observer receives seal and check events. Implementations must not block.
type Observer interface {
	ObserveSeal(ctx context.Context, ev SealEvent)
	ObserveCheck(ctx context.Context, ev CheckEvent)
}

// Outcome is the result of a Seal call
type Outcome struct {
	Nonce         *big.Int
	ContentDigest string
	Digest        string
	Attempts      uint64
	Elapsed       time.Duration
	Cached        bool
}

// Option configures a Sealer
type Option func(*Sealer)

// WithCache sets the nonce cache
func WithCache(cache NonceCache) Option {
	return func(s *Sealer) { s.cache = cache }
}

// WithObservers adds observers
func WithObservers(observers ...Observer) Option {
	return func(s *Sealer) { s.observers = append(s.observers, observers...) }
}

// Sealer seals and checks blocks
type Sealer struct {
	miner     *seal.Miner
	validator *seal.Validator
	cache     NonceCache
	observers []Observer
	logger    *log.Logger
}

// New creates a sealer around miner
func New(miner *seal.Miner, logger *log.Logger, opts ...Option) *Sealer {
	s := &Sealer{
		miner:     miner,
		validator: seal.NewValidator(miner.Oracle()),
		logger:    logger.WithComponent("sealer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Algorithm returns the name of the digest function in use
func (s *Sealer) Algorithm() string {
	return s.miner.Oracle().Name()
}

// DigestLength returns the hex digest length, the upper bound on difficulty
func (s *Sealer) DigestLength() int {
	return s.miner.Oracle().Size()
}

// Seal assigns a nonce to b, from the cache when a verified entry exists
// and by mining otherwise. Search options are passed through to the miner.
func (s *Sealer) Seal(ctx context.Context, b *seal.Block, opts ...seal.Option) (*Outcome, error) {
	start := time.Now()
	logger := s.logger.WithBlock(s.Algorithm(), b.Difficulty)

	if err := seal.ValidateDifficulty(s.miner.Oracle(), b.Difficulty); err != nil {
		s.observeSeal(ctx, b, nil, err, time.Since(start))
		return nil, err
	}

	key := Key{
		Algorithm:     s.Algorithm(),
		ContentDigest: s.miner.Oracle().Digest([]byte(b.Content)),
		Difficulty:    b.Difficulty,
	}

	if out := s.fromCache(ctx, logger, b, key); out != nil {
		out.Elapsed = time.Since(start)
		s.observeSeal(ctx, b, out, nil, out.Elapsed)
		logger.LogBlockSealed(out.Nonce.String(), 0, out.Elapsed, true)
		return out, nil
	}

	res, err := s.miner.Search(ctx, b.Content, b.Difficulty, opts...)
	if err != nil {
		s.observeSeal(ctx, b, nil, err, time.Since(start))
		logger.WithError(err).Warn("seal failed")
		return nil, err
	}

	if err := b.SetNonce(res.Nonce); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetNonce(ctx, key, res.Nonce); err != nil {
			logger.WithError(err).Warn("failed to cache nonce")
		}
	}

	out := &Outcome{
		Nonce:         res.Nonce,
		ContentDigest: res.ContentDigest,
		Digest:        res.Digest,
		Attempts:      res.Attempts,
		Elapsed:       time.Since(start),
	}
	s.observeSeal(ctx, b, out, nil, out.Elapsed)
	logger.LogBlockSealed(out.Nonce.String(), out.Attempts, out.Elapsed, false)

	return out, nil
}

// fromCache returns an outcome for a cached nonce that still validates.
//
// Validation proves the nonce seals the block, not that it is the lowest
// one. The cache is trusted to hold only nonces written by Seal, which are
// always search winners; a cache shared with other writers can make Seal
// return a valid nonce other than the one mining would find.
func (s *Sealer) fromCache(ctx context.Context, logger *log.Logger, b *seal.Block, key Key) *Outcome {
	if s.cache == nil {
		return nil
	}

	nonce, ok, err := s.cache.GetNonce(ctx, key)
	if err != nil {
		logger.WithError(err).Warn("nonce cache lookup failed")
		return nil
	}
	if !ok {
		return nil
	}

	candidate := seal.NewBlock(b.Content, b.Difficulty)
	if err := candidate.SetNonce(nonce); err != nil {
		logger.WithError(err).Warn("discarding cached nonce")
		return nil
	}

	insp, err := s.validator.Inspect(candidate)
	if err != nil || !insp.Valid() {
		logger.WithFields("nonce", nonce.String()).Warn("cached nonce does not validate, mining again")
		return nil
	}

	if err := b.SetNonce(nonce); err != nil {
		return nil
	}

	return &Outcome{
		Nonce:         insp.Nonce,
		ContentDigest: insp.ContentDigest,
		Digest:        insp.Digest,
		Cached:        true,
	}
}

// Inspect validates b and reports the evidence to observers
func (s *Sealer) Inspect(ctx context.Context, b *seal.Block) (*seal.Inspection, error) {
	start := time.Now()

	insp, err := s.validator.Inspect(b)
	if err != nil {
		return nil, err
	}

	ev := CheckEvent{
		Algorithm:  s.Algorithm(),
		Difficulty: b.Difficulty,
		State:      insp.State,
		Elapsed:    time.Since(start),
	}
	for _, o := range s.observers {
		o.ObserveCheck(ctx, ev)
	}

	s.logger.WithBlock(s.Algorithm(), b.Difficulty).LogSealCheck(insp.Valid(), insp.State.String())
	return insp, nil
}

// Check reports whether b is sealed and still valid
func (s *Sealer) Check(ctx context.Context, b *seal.Block) (bool, error) {
	insp, err := s.Inspect(ctx, b)
	if err != nil {
		return false, err
	}
	return insp.Valid(), nil
}

func (s *Sealer) observeSeal(ctx context.Context, b *seal.Block, out *Outcome, err error, elapsed time.Duration) {
	if len(s.observers) == 0 {
		return
	}

	ev := SealEvent{
		Algorithm:  s.Algorithm(),
		Difficulty: b.Difficulty,
		Status:     Status(err),
		Elapsed:    elapsed,
		Err:        err,
	}
	if out != nil {
		ev.Cached = out.Cached
		ev.Attempts = out.Attempts
	}

	for _, o := range s.observers {
		o.ObserveSeal(ctx, ev)
	}
}

// Status maps a Seal error to an outcome status
func Status(err error) string {
	switch {
	case err == nil:
		return StatusSealed
	case errors.Is(err, seal.ErrSearchExhausted):
		return StatusExhausted
	case errors.Is(err, seal.ErrInvalidDifficulty):
		return StatusInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	default:
		return StatusError
	}
}
