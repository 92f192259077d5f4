package keyspace

import "math/big"

// Distance computes the clockwise distance from a to b on the ring.
// Returns (2^Bits + b - a) mod 2^Bits.
func Distance(a, b Key) *big.Int {
	mustSame(a, b)
	d := new(big.Int).Sub(b.v, a.v)
	if d.Sign() < 0 {
		d.Add(d, new(big.Int).Lsh(one, uint(a.bits)))
	}
	return d
}

// InRange checks if x is in the range (lo, hi] on the ring.
// The range wraps around if hi <= lo.
//
// Examples:
//   - InRange(5, 3, 7) = true    // 5 is in (3, 7]
//   - InRange(3, 3, 7) = false   // exclusive start
//   - InRange(7, 3, 7) = true    // inclusive end
//   - InRange(1, 8, 3) = true    // wraparound
//   - InRange(4, 4, 4) = false   // lo == hi is the whole ring except lo
func InRange(x, lo, hi Key) bool {
	mustSame(x, lo)
	mustSame(lo, hi)

	switch lo.v.Cmp(hi.v) {
	case -1:
		return x.v.Cmp(lo.v) > 0 && x.v.Cmp(hi.v) <= 0
	case 1:
		return x.v.Cmp(lo.v) > 0 || x.v.Cmp(hi.v) <= 0
	default:
		return x.v.Cmp(lo.v) != 0
	}
}

// Between checks if x is in the range (lo, hi) on the ring (exclusive on both ends).
func Between(x, lo, hi Key) bool {
	mustSame(x, lo)
	mustSame(lo, hi)

	switch lo.v.Cmp(hi.v) {
	case -1:
		return x.v.Cmp(lo.v) > 0 && x.v.Cmp(hi.v) < 0
	case 1:
		return x.v.Cmp(lo.v) > 0 || x.v.Cmp(hi.v) < 0
	default:
		return x.v.Cmp(lo.v) != 0
	}
}

// BetweenLeftIncl checks if x is in the range [lo, hi) (inclusive on start).
func BetweenLeftIncl(x, lo, hi Key) bool {
	mustSame(x, lo)
	mustSame(lo, hi)

	switch lo.v.Cmp(hi.v) {
	case -1:
		return x.v.Cmp(lo.v) >= 0 && x.v.Cmp(hi.v) < 0
	case 1:
		return x.v.Cmp(lo.v) >= 0 || x.v.Cmp(hi.v) < 0
	default:
		return x.v.Cmp(lo.v) != 0
	}
}

// CommonPrefixLen returns the number of leading bits a and b share.
// The common prefix of a key with itself is its full width.
func CommonPrefixLen(a, b Key) int {
	mustSame(a, b)
	x := new(big.Int).Xor(a.v, b.v)
	return a.bits - x.BitLen()
}

// SameKey reports whether a and b agree on their first prefixBits bits.
func SameKey(a, b Key, prefixBits int) bool {
	if prefixBits < 0 || prefixBits > a.bits {
		panic("keyspace: prefix length out of range")
	}
	return CommonPrefixLen(a, b) >= prefixBits
}

// Log2Floor returns floor(log2(d)) for d > 0.
func Log2Floor(d *big.Int) int {
	if d == nil || d.Sign() <= 0 {
		panic("keyspace: log2 of non-positive distance")
	}
	return d.BitLen() - 1
}
