package seal

import (
	"math"
	"math/big"

	"github.com/bardlex/blockseal/internal/hashing"
)

// ValidateDifficulty checks difficulty against the oracle's digest length
func ValidateDifficulty(oracle hashing.Oracle, difficulty int) error {
	if difficulty < 0 || difficulty > oracle.Size() {
		return invalidDifficulty("validate_difficulty", difficulty, oracle.Size())
	}
	return nil
}

// ContentValue reads a hex digest as an unsigned integer
func ContentValue(digest string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(digest, 16)
	if !ok || v.Sign() < 0 {
		return nil, malformedDigest("content_value", digest)
	}
	return v, nil
}

// CandidateInput returns the bytes hashed for a nonce: the decimal form of
// value+nonce. buf is reused when large enough.
func CandidateInput(buf []byte, value, nonce *big.Int) []byte {
	sum := new(big.Int).Add(value, nonce)
	return sum.Append(buf[:0], 10)
}

// CandidateDigest hashes the candidate input for value and nonce
func CandidateDigest(oracle hashing.Oracle, value, nonce *big.Int) string {
	return oracle.Digest(CandidateInput(nil, value, nonce))
}

// HasSentinelSuffix reports whether the last difficulty characters of
// digest are all Sentinel. A difficulty of zero always matches.
func HasSentinelSuffix(digest string, difficulty int) bool {
	if difficulty < 0 || difficulty > len(digest) {
		return false
	}
	for i := len(digest) - difficulty; i < len(digest); i++ {
		if digest[i] != Sentinel {
			return false
		}
	}
	return true
}

// DetectionProbability is the chance that an arbitrary content edit
// invalidates a block sealed at difficulty.
func DetectionProbability(difficulty int) float64 {
	if difficulty <= 0 {
		return 0
	}
	return 1 - math.Pow(16, -float64(difficulty))
}

// ExpectedAttempts is the mean number of candidates tested to seal at difficulty
func ExpectedAttempts(difficulty int) float64 {
	if difficulty <= 0 {
		return 1
	}
	return math.Pow(16, float64(difficulty))
}
