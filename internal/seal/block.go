// Package seal implements proof-of-work sealing of blocks.
//
// A Miner searches for the lowest nonce n such that the digest of the
// decimal string of V+n ends in Difficulty copies of the sentinel digit,
// where V is the block's content digest read as a base-16 integer. A
// Validator repeats that computation from the block's current content and
// stored nonce, so any later edit to the content is detected with
// probability 1-16^-Difficulty.
package seal

import (
	"fmt"
	"math/big"
	"strings"
)

// Sentinel is the hex digit a candidate digest must end in.
const Sentinel = 'f'

// Block is a unit of content sealed with a proof-of-work nonce.
//
// The nonce is held separately from the content: editing Content after
// sealing leaves the nonce in place, which is how tampering is detected.
type Block struct {
	Content    string
	Difficulty int

	// nil while unsealed; zero is a valid nonce
	nonce *big.Int
}

// NewBlock creates an unsealed block
func NewBlock(content string, difficulty int) *Block {
	return &Block{
		Content:    content,
		Difficulty: difficulty,
	}
}

// IsSealed reports whether a nonce has been assigned
func (b *Block) IsSealed() bool {
	return b.nonce != nil
}

// Nonce returns a copy of the stored nonce, or nil if the block is unsealed
func (b *Block) Nonce() *big.Int {
	if b.nonce == nil {
		return nil
	}
	return new(big.Int).Set(b.nonce)
}

// SetNonce assigns a nonce, typically one received from a peer or cache.
// Passing nil unseals the block.
func (b *Block) SetNonce(nonce *big.Int) error {
	if nonce == nil {
		b.nonce = nil
		return nil
	}
	if nonce.Sign() < 0 {
		return fmt.Errorf("%w: negative nonce %s", ErrInvalidNonce, nonce)
	}
	b.nonce = new(big.Int).Set(nonce)
	return nil
}

// String renders the block for logs
func (b *Block) String() string {
	nonce := "unsealed"
	if b.nonce != nil {
		nonce = b.nonce.String()
	}
	return fmt.Sprintf("Block{difficulty=%d nonce=%s content=%q}", b.Difficulty, nonce, b.Content)
}

// ParseNonce parses a non-negative decimal nonce
func ParseNonce(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal integer", ErrInvalidNonce, s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative nonce %s", ErrInvalidNonce, s)
	}
	return n, nil
}

// State is the derived lifecycle state of a block
type State int

const (
	// StateUnsealed - no nonce assigned
	StateUnsealed State = iota
	// StateSealedValid - the stored nonce still satisfies the content
	StateSealedValid
	// StateSealedInvalid - the content no longer matches the stored nonce
	StateSealedInvalid
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateUnsealed:
		return "unsealed"
	case StateSealedValid:
		return "sealed-valid"
	case StateSealedInvalid:
		return "sealed-invalid"
	default:
		return "unknown"
	}
}
