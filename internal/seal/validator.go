package seal

import (
	"math/big"

	"github.com/bardlex/blockseal/internal/hashing"
)

// Validator checks sealed blocks against their current content. It is
// stateless and safe for concurrent use.
type Validator struct {
	oracle hashing.Oracle
}

// NewValidator creates a validator using oracle
func NewValidator(oracle hashing.Oracle) *Validator {
	return &Validator{oracle: oracle}
}

// Oracle returns the digest function the validator uses
func (v *Validator) Oracle() hashing.Oracle {
	return v.oracle
}

// Inspection is the recomputed evidence behind a check
type Inspection struct {
	State         State
	ContentDigest string
	Digest        string // candidate digest, empty when unsealed
	Nonce         *big.Int
}

// Valid reports whether the block was sealed and still matches its content
func (i *Inspection) Valid() bool {
	return i.State == StateSealedValid
}

// Check reports whether b is sealed and its nonce still satisfies its
// current content. An unsealed block is not an error; it is simply invalid.
func (v *Validator) Check(b *Block) (bool, error) {
	insp, err := v.Inspect(b)
	if err != nil {
		return false, err
	}
	return insp.Valid(), nil
}

// State derives the lifecycle state of b
func (v *Validator) State(b *Block) (State, error) {
	insp, err := v.Inspect(b)
	if err != nil {
		return StateUnsealed, err
	}
	return insp.State, nil
}

// Inspect recomputes the content and candidate digests for b
func (v *Validator) Inspect(b *Block) (*Inspection, error) {
	if err := ValidateDifficulty(v.oracle, b.Difficulty); err != nil {
		return nil, err
	}

	insp := &Inspection{State: StateUnsealed}
	if !b.IsSealed() {
		return insp, nil
	}

	insp.Nonce = b.Nonce()
	insp.ContentDigest = v.oracle.Digest([]byte(b.Content))

	value, err := ContentValue(insp.ContentDigest)
	if err != nil {
		return nil, err
	}

	insp.Digest = CandidateDigest(v.oracle, value, insp.Nonce)
	if HasSentinelSuffix(insp.Digest, b.Difficulty) {
		insp.State = StateSealedValid
	} else {
		insp.State = StateSealedInvalid
	}
	return insp, nil
}
