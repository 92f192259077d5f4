// Package keyspace implements the circular identifier space shared by
// overlay nodes and data keys: fixed-width keys, clockwise distance,
// interval membership and prefix arithmetic.
//
// All functions are pure. Malformed input (mixed key widths, unset keys,
// bit indexes out of range) is a programming error and panics.
package keyspace

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
)

// MaxBits is the widest supported key. Hashing draws from a single
// SHA-256 digest, so wider keys would not be uniformly filled.
const MaxBits = 256

var one = big.NewInt(1)

// Space describes a key space of 2^Bits identifiers.
type Space struct {
	bits int
	size *big.Int
}

// ByteSource is the slice of an entropy source needed to draw random keys.
type ByteSource interface {
	NextInt(bound int) int
}

// NewSpace creates a key space with the given bit width.
func NewSpace(bits int) Space {
	if bits <= 0 || bits > MaxBits {
		panic(fmt.Sprintf("keyspace: bit width must be between 1 and %d, got %d", MaxBits, bits))
	}
	return Space{
		bits: bits,
		size: new(big.Int).Lsh(one, uint(bits)),
	}
}

// Bits returns the key width.
func (s Space) Bits() int {
	return s.bits
}

// Size returns 2^Bits.
func (s Space) Size() *big.Int {
	return new(big.Int).Set(s.size)
}

// Key returns the key with value v mod 2^Bits.
func (s Space) Key(v uint64) Key {
	return s.FromBig(new(big.Int).SetUint64(v))
}

// FromBig returns the key with value v mod 2^Bits. v is not retained.
func (s Space) FromBig(v *big.Int) Key {
	s.mustInit()
	if v == nil {
		panic("keyspace: nil value")
	}
	return Key{bits: s.bits, v: new(big.Int).Mod(v, s.size)}
}

// Hash maps arbitrary data onto the space. The SHA-256 digest is
// truncated to the leading Bits bits.
func (s Space) Hash(data []byte) Key {
	s.mustInit()
	sum := sha256.Sum256(data)
	v := new(big.Int).SetBytes(sum[:])
	v.Rsh(v, uint(256-s.bits))
	return Key{bits: s.bits, v: v}
}

// HashString hashes a string onto the space.
func (s Space) HashString(str string) Key {
	return s.Hash([]byte(str))
}

// Parse reads a key from its hexadecimal form.
func (s Space) Parse(hex string) (Key, error) {
	s.mustInit()
	v, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return Key{}, fmt.Errorf("invalid key %q", hex)
	}
	if v.Sign() < 0 || v.Cmp(s.size) >= 0 {
		return Key{}, fmt.Errorf("key %q outside %d-bit space", hex, s.bits)
	}
	return Key{bits: s.bits, v: v}, nil
}

// Random draws a uniformly distributed key from src.
func (s Space) Random(src ByteSource) Key {
	s.mustInit()
	buf := make([]byte, (s.bits+7)/8)
	for i := range buf {
		buf[i] = byte(src.NextInt(256))
	}
	return s.FromBig(new(big.Int).SetBytes(buf))
}

// Zero returns key 0.
func (s Space) Zero() Key {
	return s.Key(0)
}

// Max returns key 2^Bits - 1.
func (s Space) Max() Key {
	s.mustInit()
	return Key{bits: s.bits, v: new(big.Int).Sub(s.size, one)}
}

// Root returns the empty prefix range covering the whole space.
func (s Space) Root() Range {
	return PrefixRange(s.Zero(), 0)
}

func (s Space) mustInit() {
	if s.size == nil {
		panic("keyspace: uninitialized space")
	}
}

// Key is an immutable identifier in a Space.
type Key struct {
	bits int
	v    *big.Int
}

// IsZero reports whether k is the unset zero value (not key 0).
func (k Key) IsZero() bool {
	return k.v == nil
}

// Bits returns the width of the space k belongs to.
func (k Key) Bits() int {
	return k.bits
}

// Big returns a copy of the key value.
func (k Key) Big() *big.Int {
	k.mustSet()
	return new(big.Int).Set(k.v)
}

// Uint64 returns the low 64 bits of the key.
func (k Key) Uint64() uint64 {
	k.mustSet()
	return k.v.Uint64()
}

// Bit returns bit i counted from the most significant bit.
func (k Key) Bit(i int) uint {
	k.mustSet()
	k.mustIndex(i)
	return k.v.Bit(k.bits - 1 - i)
}

// SetBit returns a copy of k with bit i (MSB first) set to b.
func (k Key) SetBit(i int, b uint) Key {
	k.mustSet()
	k.mustIndex(i)
	if b > 1 {
		panic(fmt.Sprintf("keyspace: bit value must be 0 or 1, got %d", b))
	}
	return Key{bits: k.bits, v: new(big.Int).SetBit(k.v, k.bits-1-i, b)}
}

// Sub keeps the n most significant bits of k and clears the rest.
func (k Key) Sub(n int) Key {
	k.mustSet()
	if n < 0 || n > k.bits {
		panic(fmt.Sprintf("keyspace: prefix length %d outside [0, %d]", n, k.bits))
	}
	shift := uint(k.bits - n)
	v := new(big.Int).Rsh(k.v, shift)
	return Key{bits: k.bits, v: v.Lsh(v, shift)}
}

// Next returns (k + 2^power) mod 2^Bits.
func (k Key) Next(power int) Key {
	k.mustSet()
	k.mustIndex(power)
	v := new(big.Int).Add(k.v, new(big.Int).Lsh(one, uint(power)))
	return k.wrap(v)
}

// Prev returns (k - 2^power) mod 2^Bits.
func (k Key) Prev(power int) Key {
	k.mustSet()
	k.mustIndex(power)
	v := new(big.Int).Sub(k.v, new(big.Int).Lsh(one, uint(power)))
	return k.wrap(v)
}

// Succ returns the adjacent key k+1.
func (k Key) Succ() Key {
	return k.Next(0)
}

// Pred returns the adjacent key k-1.
func (k Key) Pred() Key {
	return k.Prev(0)
}

// Cmp compares the numeric values of two keys of the same space.
func (k Key) Cmp(o Key) int {
	mustSame(k, o)
	return k.v.Cmp(o.v)
}

// Equal reports whether both keys are set, share a space and have the same value.
func (k Key) Equal(o Key) bool {
	if k.v == nil || o.v == nil {
		return k.v == nil && o.v == nil
	}
	return k.bits == o.bits && k.v.Cmp(o.v) == 0
}

// String returns the zero-padded hexadecimal form.
func (k Key) String() string {
	if k.v == nil {
		return "<nil>"
	}
	digits := (k.bits + 3) / 4
	hex := k.v.Text(16)
	if len(hex) < digits {
		hex = strings.Repeat("0", digits-len(hex)) + hex
	}
	return hex
}

// Short returns at most the first 8 hex digits, for log fields.
func (k Key) Short() string {
	s := k.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func (k Key) wrap(v *big.Int) Key {
	size := new(big.Int).Lsh(one, uint(k.bits))
	return Key{bits: k.bits, v: v.Mod(v, size)}
}

func (k Key) mustSet() {
	if k.v == nil {
		panic("keyspace: use of unset key")
	}
}

func (k Key) mustIndex(i int) {
	if i < 0 || i >= k.bits {
		panic(fmt.Sprintf("keyspace: bit index %d outside [0, %d)", i, k.bits))
	}
}

func mustSame(a, b Key) {
	a.mustSet()
	b.mustSet()
	if a.bits != b.bits {
		panic(fmt.Sprintf("keyspace: mixing %d-bit and %d-bit keys", a.bits, b.bits))
	}
}
