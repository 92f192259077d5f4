package keyspace

import (
	"fmt"
	"strings"
)

type rangeKind uint8

const (
	rangeNone rangeKind = iota
	rangePrefix
	rangeInterval
)

// Range is the portion of the key space a node is responsible for. It is
// either a binary prefix (trie overlays) or a clockwise interval (left, right]
// on the ring. The zero Range is unset.
type Range struct {
	kind  rangeKind
	path  Key
	depth int
	left  Key
}

// PrefixRange builds the range of keys starting with the first depth bits of path.
func PrefixRange(path Key, depth int) Range {
	path.mustSet()
	if depth < 0 || depth > path.bits {
		panic(fmt.Sprintf("keyspace: prefix depth %d outside [0, %d]", depth, path.bits))
	}
	return Range{kind: rangePrefix, path: path.Sub(depth), depth: depth}
}

// IntervalRange builds the clockwise interval (left, right]. When left equals
// right the interval spans the whole ring.
func IntervalRange(left, right Key) Range {
	mustSame(left, right)
	return Range{kind: rangeInterval, path: right, left: left}
}

// IsZero reports whether the range is unset.
func (r Range) IsZero() bool {
	return r.kind == rangeNone
}

// IsPrefix reports whether r is a prefix range.
func (r Range) IsPrefix() bool {
	return r.kind == rangePrefix
}

// IsInterval reports whether r is a ring interval.
func (r Range) IsInterval() bool {
	return r.kind == rangeInterval
}

// Path returns the prefix path of a prefix range, the right bound of an interval.
func (r Range) Path() Key {
	return r.path
}

// Depth returns the prefix length. Intervals have depth 0.
func (r Range) Depth() int {
	return r.depth
}

// Left returns the exclusive left bound of an interval.
func (r Range) Left() Key {
	return r.left
}

// Right returns the inclusive right bound of an interval.
func (r Range) Right() Key {
	return r.path
}

// Contains reports whether key falls inside the range.
func (r Range) Contains(key Key) bool {
	switch r.kind {
	case rangePrefix:
		return SameKey(key, r.path, r.depth)
	case rangeInterval:
		if r.left.Equal(r.path) {
			mustSame(key, r.left)
			return true
		}
		return InRange(key, r.left, r.path)
	default:
		return false
	}
}

// Count returns how many of keys fall inside the range.
func (r Range) Count(keys []Key) int {
	n := 0
	for _, k := range keys {
		if r.Contains(k) {
			n++
		}
	}
	return n
}

// IsPrefixOf reports whether prefix range r is an ancestor of, or equal to, o.
func (r Range) IsPrefixOf(o Range) bool {
	r.mustPrefix()
	o.mustPrefix()
	return r.depth <= o.depth && SameKey(r.path, o.path, r.depth)
}

// CommonPrefixLen returns the number of leading bits two prefix ranges share,
// bounded by the shallower depth.
func (r Range) CommonPrefixLen(o Range) int {
	r.mustPrefix()
	o.mustPrefix()
	n := CommonPrefixLen(r.path, o.path)
	return min(n, r.depth, o.depth)
}

// Child extends the prefix by one bit.
func (r Range) Child(bit uint) Range {
	r.mustPrefix()
	return Range{kind: rangePrefix, path: r.path.SetBit(r.depth, bit), depth: r.depth + 1}
}

// Parent drops the last prefix bit.
func (r Range) Parent() Range {
	r.mustPrefix()
	if r.depth == 0 {
		panic("keyspace: root range has no parent")
	}
	return PrefixRange(r.path, r.depth-1)
}

// ComplementAt returns the sibling subtree at the given level: the first
// level bits of r followed by the inverse of bit level.
func (r Range) ComplementAt(level int) Range {
	r.mustPrefix()
	if level < 0 || level >= r.depth {
		panic(fmt.Sprintf("keyspace: complement level %d outside [0, %d)", level, r.depth))
	}
	flipped := r.path.SetBit(level, 1-r.path.Bit(level))
	return PrefixRange(flipped, level+1)
}

// Complement returns the sibling of r.
func (r Range) Complement() Range {
	return r.ComplementAt(r.depth - 1)
}

// LastBit returns the final bit of a non-root prefix.
func (r Range) LastBit() uint {
	r.mustPrefix()
	return r.path.Bit(r.depth - 1)
}

// Equal reports whether two ranges describe the same keys.
func (r Range) Equal(o Range) bool {
	if r.kind != o.kind {
		return false
	}
	switch r.kind {
	case rangePrefix:
		return r.depth == o.depth && r.path.Equal(o.path)
	case rangeInterval:
		return r.left.Equal(o.left) && r.path.Equal(o.path)
	default:
		return true
	}
}

// String renders prefixes as bit strings and intervals as (left, right].
func (r Range) String() string {
	switch r.kind {
	case rangePrefix:
		if r.depth == 0 {
			return "*"
		}
		var b strings.Builder
		for i := 0; i < r.depth; i++ {
			if r.path.Bit(i) == 1 {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
		return b.String()
	case rangeInterval:
		return fmt.Sprintf("(%s, %s]", r.left.Short(), r.path.Short())
	default:
		return "<unset>"
	}
}

func (r Range) mustPrefix() {
	if r.kind != rangePrefix {
		panic("keyspace: operation requires a prefix range")
	}
}
