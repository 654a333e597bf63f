package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
)

// Backend is the contract every physical key-value engine satisfies. Keys
// crossing this boundary are serialized WithSubspace; engines may map the
// leading subspace byte to separate tables or keep it as a plain prefix.
type Backend interface {
	// Get returns the value of key or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Write applies a batch atomically. Failed assertions return
	// ErrAssertValueFailed and leave the store untouched.
	Write(ctx context.Context, batch *Batch) error

	// Iterate visits the keys selected by params. fn receives copies;
	// returning false stops the scan.
	Iterate(ctx context.Context, params IterateParams, fn func(key, value []byte) (bool, error)) error

	// Increment atomically adds delta to the counter at key and returns the
	// new value. Absent counters start at zero.
	Increment(ctx context.Context, key []byte, delta int64) (int64, error)

	// Close releases the engine.
	Close() error
}

// ==================== Iteration ====================

// IterateParams selects a key range. Begin is inclusive; End is inclusive
// unless the params were built with NewPrefixParams, in which case every
// key starting with the prefix is selected.
type IterateParams struct {
	Begin     Key
	End       Key
	First     bool
	Ascending bool
	Values    bool

	prefix bool
}

// NewIterateParams scans [begin, end] in ascending order with values.
func NewIterateParams(begin, end Key) IterateParams {
	return IterateParams{Begin: begin, End: end, Ascending: true, Values: true}
}

// NewPrefixParams scans every key starting with prefix.
func NewPrefixParams(prefix Key) IterateParams {
	return IterateParams{Begin: prefix, End: prefix, Ascending: true, Values: true, prefix: true}
}

// Descending reverses the scan order.
func (p IterateParams) Descending() IterateParams {
	p.Ascending = false
	return p
}

// OnlyFirst stops after the first match.
func (p IterateParams) OnlyFirst() IterateParams {
	p.First = true
	return p
}

// NoValues skips value retrieval.
func (p IterateParams) NoValues() IterateParams {
	p.Values = false
	return p
}

// Bounds returns the inclusive lower and exclusive upper bound of the scan.
// A nil upper bound means the scan is unbounded above.
func (p IterateParams) Bounds() (lower, upper []byte) {
	lower = p.Begin.Serialize(WithSubspace)
	end := p.End.Serialize(WithSubspace)
	if p.prefix {
		return lower, PrefixEnd(end)
	}
	return lower, append(end, 0x00)
}

// InRange reports whether key falls inside the bounds of p.
func (p IterateParams) InRange(key []byte) bool {
	lower, upper := p.Bounds()
	if bytes.Compare(key, lower) < 0 {
		return false
	}
	return upper == nil || bytes.Compare(key, upper) < 0
}

// PrefixEnd returns the exclusive upper bound for a prefix scan by
// incrementing the last byte that does not overflow. It returns nil if all
// bytes overflow.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// SubspaceParams scans a whole subspace.
func SubspaceParams(subspace Subspace) IterateParams {
	return NewPrefixParams(RawKey{byte(subspace)})
}

// ==================== Batches ====================

// OpKind is the kind of a batch operation.
type OpKind uint8

const (
	OpSet OpKind = iota
	OpDelete
	OpAssert
)

// Op is a single batch operation on a serialized key. For OpAssert a nil
// Value asserts that the key does not exist.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch groups writes and value assertions applied atomically.
type Batch struct {
	Ops []Op
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set upserts value at key.
func (b *Batch) Set(key Key, value []byte) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpSet, Key: key.Serialize(WithSubspace), Value: value})
	return b
}

// Delete removes key. Deleting an absent key is not an error.
func (b *Batch) Delete(key Key) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpDelete, Key: key.Serialize(WithSubspace)})
	return b
}

// AssertValue requires key to hold expected when the batch commits. A nil
// expected value requires the key to be absent.
func (b *Batch) AssertValue(key Key, expected []byte) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpAssert, Key: key.Serialize(WithSubspace), Value: expected})
	return b
}

// IsEmpty reports whether the batch has no operations.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Ops) == 0
}

// HasAssertions reports whether any operation is an assertion.
func (b *Batch) HasAssertions() bool {
	for _, op := range b.Ops {
		if op.Kind == OpAssert {
			return true
		}
	}
	return false
}

// Keys returns the keys touched by the batch, assertions included.
func (b *Batch) Keys() [][]byte {
	keys := make([][]byte, 0, len(b.Ops))
	for _, op := range b.Ops {
		keys = append(keys, op.Key)
	}
	return keys
}

// CheckAssertions evaluates every assertion of b against get, which must
// return ErrNotFound for absent keys. Engines call it inside their write
// transaction.
func (b *Batch) CheckAssertions(get func(key []byte) ([]byte, error)) error {
	for _, op := range b.Ops {
		if op.Kind != OpAssert {
			continue
		}
		current, err := get(op.Key)
		switch {
		case errors.Is(err, ErrNotFound):
			if op.Value != nil {
				return ErrAssertValueFailed
			}
		case err != nil:
			return err
		case op.Value == nil || !bytes.Equal(current, op.Value):
			return ErrAssertValueFailed
		}
	}
	return nil
}

func beUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func beUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
