package seal

import (
	"errors"
	"fmt"
	"time"

	bserrors "github.com/bardlex/blockseal/pkg/errors"
)

// Sentinel errors. Operations wrap them in a *bserrors.ServiceError, so
// match with errors.Is.
var (
	// ErrInvalidDifficulty is returned when a difficulty lies outside [0, D]
	ErrInvalidDifficulty = errors.New("invalid difficulty")
	// ErrSearchExhausted is returned when a bounded search finds no nonce
	ErrSearchExhausted = errors.New("nonce search exhausted")
	// ErrMalformedDigest is returned when an oracle produces a non-hex digest
	ErrMalformedDigest = errors.New("malformed digest")
	// ErrInvalidNonce is returned for negative or unparsable nonces
	ErrInvalidNonce = errors.New("invalid nonce")
)

// Exhaustion reasons attached to ErrSearchExhausted errors under "reason"
const (
	ReasonMaxAttempts = "max_attempts"
	ReasonTimeout     = "timeout"
)

func invalidDifficulty(op string, difficulty, maxDifficulty int) error {
	return bserrors.Wrap(ErrInvalidDifficulty, bserrors.ErrorTypeValidation, op,
		fmt.Sprintf("difficulty %d outside [0, %d]", difficulty, maxDifficulty)).
		WithContext("difficulty", difficulty).
		WithContext("max_difficulty", maxDifficulty)
}

func malformedDigest(op, digest string) error {
	return bserrors.Wrap(ErrMalformedDigest, bserrors.ErrorTypeInternal, op,
		"digest is not hexadecimal").
		WithContext("digest", digest)
}

func searchExhausted(reason string, difficulty int, attempts uint64, elapsed time.Duration) error {
	return bserrors.Wrap(ErrSearchExhausted, bserrors.ErrorTypeExhausted, "mine",
		"no nonce found within budget").
		WithContext("reason", reason).
		WithContext("difficulty", difficulty).
		WithContext("attempts", attempts).
		WithContext("elapsed", elapsed.String())
}

// ExhaustionReason returns the reason attached to an ErrSearchExhausted
// error, or "" for any other error.
func ExhaustionReason(err error) string {
	if !errors.Is(err, ErrSearchExhausted) {
		return ""
	}
	for se := bserrors.Find(err); se != nil; se = bserrors.Find(se.Cause) {
		if reason, ok := se.Context["reason"].(string); ok {
			return reason
		}
	}
	return ""
}
