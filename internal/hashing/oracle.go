// Package hashing provides the digest functions blocks are sealed with.
//
// Every Oracle maps arbitrary input to a lowercase hexadecimal string of a
// fixed length. That length bounds the difficulties a block can use: a
// difficulty d requires the last d hex digits of a digest to be the sentinel
// digit, so d may range from 0 to Size().
package hashing

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Registered algorithm names
const (
	MD5     = "md5"
	SHA256  = "sha256"
	SHA256d = "sha256d"
	Hash160 = "hash160"
	Blake2b = "blake2b"
	Blake3  = "blake3"
	Default = MD5
)

const hexPerByte = 2

// Oracle is a deterministic, fixed-length hex digest function.
// Implementations must be safe for concurrent use.
type Oracle interface {
	// Name returns the registered algorithm name.
	Name() string
	// Size returns the digest length in hexadecimal characters.
	Size() int
	// Digest returns the lowercase hex digest of data.
	Digest(data []byte) string
}

// hexOracle adapts a raw byte digest function to Oracle.
type hexOracle struct {
	name  string
	bytes int
	sum   func([]byte) []byte
}

func (o *hexOracle) Name() string { return o.name }

func (o *hexOracle) Size() int { return o.bytes * hexPerByte }

func (o *hexOracle) Digest(data []byte) string {
	return hex.EncodeToString(o.sum(data))
}

var registry = make(map[string]Oracle)

func init() {
	register(MD5, md5.Size, md5Sum)
	register(SHA256, sha256.Size, sha256Sum)
	// Raw hash byte order, not the reversed display order chainhash.Hash.String
	// uses for block ids.
	register(SHA256d, chainhash.HashSize, chainhash.DoubleHashB)
	register(Hash160, 20, btcutil.Hash160)
	register(Blake2b, blake2b.Size256, blake2bSum)
	register(Blake3, 32, blake3Sum)
}

func register(name string, size int, sum func([]byte) []byte) {
	registry[name] = &hexOracle{name: name, bytes: size, sum: sum}
}

func md5Sum(b []byte) []byte {
	s := md5.Sum(b)
	return s[:]
}

func sha256Sum(b []byte) []byte {
	s := sha256.Sum256(b)
	return s[:]
}

func blake2bSum(b []byte) []byte {
	s := blake2b.Sum256(b)
	return s[:]
}

func blake3Sum(b []byte) []byte {
	s := blake3.Sum256(b)
	return s[:]
}

// New returns the oracle registered under name (case-insensitive)
func New(name string) (Oracle, error) {
	o, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown hash algorithm %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return o, nil
}

// MustNew is like New but panics on an unknown name.
func MustNew(name string) Oracle {
	o, err := New(name)
	if err != nil {
		panic(err)
	}
	return o
}

// Names lists registered algorithms in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DigestString is a convenience for hashing a string payload.
func DigestString(o Oracle, s string) string {
	return o.Digest([]byte(s))
}
