package dht

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Token is a position on the ring. MinToken is reserved: no key hashes to it.
type Token int64

const (
	// MinToken sorts before every token produced by the partitioner
	MinToken Token = math.MinInt64
	// MaxToken is the largest token value
	MaxToken Token = math.MaxInt64
)

// String renders the token in decimal
func (t Token) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// TriCompare returns -1, 0 or 1 comparing two tokens in ring order
func TriCompare(a, b Token) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SortTokens sorts tokens in ring order
func SortTokens(tokens []Token) {
	sort.Slice(tokens, func(i, j int) bool { return TriCompare(tokens[i], tokens[j]) < 0 })
}

// Partitioner maps partition keys to tokens
type Partitioner interface {
	GetToken(key []byte) Token
	Name() string
}

// SHA256Partitioner hashes keys with SHA-256 and uses the first 8 bytes
type SHA256Partitioner struct{}

// GetToken computes the token for a key
func (SHA256Partitioner) GetToken(key []byte) Token {
	sum := sha256.Sum256(key)
	t := Token(int64(binary.BigEndian.Uint64(sum[:8])))
	if t == MinToken {
		// MinToken is reserved for range bounds
		return MinToken + 1
	}
	return t
}

// Name returns the partitioner name
func (SHA256Partitioner) Name() string {
	return "SHA256Partitioner"
}

// DefaultPartitioner is used when nothing else is configured
var DefaultPartitioner Partitioner = SHA256Partitioner{}

// DecoratedKey is a partition key together with its token
type DecoratedKey struct {
	Token Token
	Key   []byte
}

// Decorate computes the decorated key of a partition key
func Decorate(p Partitioner, key []byte) DecoratedKey {
	return DecoratedKey{Token: p.GetToken(key), Key: key}
}

// Compare orders decorated keys by token and then by key bytes
func (dk DecoratedKey) Compare(other DecoratedKey) int {
	if c := TriCompare(dk.Token, other.Token); c != 0 {
		return c
	}
	return bytes.Compare(dk.Key, other.Key)
}

// Equal reports whether two decorated keys are identical
func (dk DecoratedKey) Equal(other DecoratedKey) bool {
	return dk.Compare(other) == 0
}

// String renders the key for log and error messages
func (dk DecoratedKey) String() string {
	return fmt.Sprintf("{key: %s, token: %s}", hex.EncodeToString(dk.Key), dk.Token)
}
