package store

import (
	"encoding/binary"
)

// Subspace is the single-byte tag that partitions the global key space.
// The values are part of the on-disk format and must never change.
type Subspace byte

const (
	SubspaceBitmaps  Subspace = 'b'
	SubspaceValues   Subspace = 'v'
	SubspaceLogs     Subspace = 'l'
	SubspaceIndexes  Subspace = 'i'
	SubspaceBlobs    Subspace = 't'
	SubspaceCounters Subspace = 'c'
	SubspaceLookup   Subspace = 'm'
)

// Subspaces lists every subspace in a stable order.
var Subspaces = []Subspace{
	SubspaceBitmaps,
	SubspaceValues,
	SubspaceLogs,
	SubspaceIndexes,
	SubspaceBlobs,
	SubspaceCounters,
	SubspaceLookup,
}

// Key serialization flags
const (
	// WithSubspace prepends the subspace tag to the serialized key.
	WithSubspace uint32 = 1
	// WithoutBlockNum drops the trailing block number of a BitmapKey so the
	// result can be used as a range-scan prefix.
	WithoutBlockNum uint32 = 1 << 1
)

const (
	U32Len = 4
	U64Len = 8
)

// Key is implemented by every typed key of the store. Serialize must be
// deterministic and its byte order must follow field declaration order.
type Key interface {
	Serialize(flags uint32) []byte
	Subspace() Subspace
}

// keyBuilder appends big-endian fields to a preallocated buffer.
type keyBuilder struct {
	buf []byte
}

func newKeyBuilder(subspace Subspace, flags uint32, capacity int) *keyBuilder {
	kb := &keyBuilder{buf: make([]byte, 0, capacity+1)}
	if flags&WithSubspace != 0 {
		kb.buf = append(kb.buf, byte(subspace))
	}
	return kb
}

func (kb *keyBuilder) u8(v uint8) *keyBuilder {
	kb.buf = append(kb.buf, v)
	return kb
}

func (kb *keyBuilder) u32(v uint32) *keyBuilder {
	kb.buf = binary.BigEndian.AppendUint32(kb.buf, v)
	return kb
}

func (kb *keyBuilder) u64(v uint64) *keyBuilder {
	kb.buf = binary.BigEndian.AppendUint64(kb.buf, v)
	return kb
}

func (kb *keyBuilder) raw(v []byte) *keyBuilder {
	kb.buf = append(kb.buf, v...)
	return kb
}

func (kb *keyBuilder) bytes() []byte {
	return kb.buf
}

// ==================== Bitmap keys ====================

// BitmapClass identifies which logical bitmap a BitmapKey belongs to.
type BitmapClass interface {
	appendTo(buf []byte) []byte
}

// Bitmap class tags
const (
	bitmapClassDocumentIDs byte = 0
	bitmapClassTag         byte = 1
	bitmapClassText        byte = 2
)

// DocumentIDs is the bitmap of all document ids of a collection.
type DocumentIDs struct{}

// Tag is the bitmap of documents carrying Value in Field.
type Tag struct {
	Field uint8
	Value []byte
}

// Text is the bitmap of documents containing Token in Field.
type Text struct {
	Field uint8
	Token string
}

func (DocumentIDs) appendTo(buf []byte) []byte {
	return append(buf, bitmapClassDocumentIDs)
}

func (c Tag) appendTo(buf []byte) []byte {
	buf = append(buf, bitmapClassTag, c.Field)
	return append(buf, c.Value...)
}

func (c Text) appendTo(buf []byte) []byte {
	buf = append(buf, bitmapClassText, c.Field)
	return append(buf, c.Token...)
}

// BitmapKey addresses one block of a sharded document-id bitmap. Tag values
// and Text tokens are not length delimited, so when one is a strict prefix
// of another the block number bytes take part in the comparison and byte
// order can differ from field order.
type BitmapKey struct {
	AccountID  uint32
	Collection uint8
	Class      BitmapClass
	BlockNum   uint32
}

// BitmapBlockSize is the number of document ids covered by one bitmap block.
const BitmapBlockSize = 1 << 16

// BitmapBlock returns the block number holding documentID.
func BitmapBlock(documentID uint32) uint32 {
	return documentID / BitmapBlockSize
}

func (k BitmapKey) Subspace() Subspace { return SubspaceBitmaps }

func (k BitmapKey) Serialize(flags uint32) []byte {
	kb := newKeyBuilder(SubspaceBitmaps, flags, U32Len+1+U32Len+16)
	kb.u32(k.AccountID).u8(k.Collection)
	if k.Class != nil {
		kb.buf = k.Class.appendTo(kb.buf)
	}
	if flags&WithoutBlockNum == 0 {
		kb.u32(k.BlockNum)
	}
	return kb.bytes()
}

// ==================== Index keys ====================

// IndexKey is a secondary-index entry. The key bytes are not length
// delimited, so ordering between keys where one is a strict prefix of
// another follows raw byte comparison.
type IndexKey struct {
	AccountID  uint32
	Collection uint8
	Field      uint8
	Key        []byte
	DocumentID uint32
}

func (k IndexKey) Subspace() Subspace { return SubspaceIndexes }

func (k IndexKey) Serialize(flags uint32) []byte {
	return newKeyBuilder(SubspaceIndexes, flags, U32Len+2+len(k.Key)+U32Len).
		u32(k.AccountID).
		u8(k.Collection).
		u8(k.Field).
		raw(k.Key).
		u32(k.DocumentID).
		bytes()
}

// IndexKeyPrefix is the shared prefix of all index entries of one field.
type IndexKeyPrefix struct {
	AccountID  uint32
	Collection uint8
	Field      uint8
}

func (k IndexKeyPrefix) Subspace() Subspace { return SubspaceIndexes }

func (k IndexKeyPrefix) Serialize(flags uint32) []byte {
	return newKeyBuilder(SubspaceIndexes, flags, U32Len+2).
		u32(k.AccountID).
		u8(k.Collection).
		u8(k.Field).
		bytes()
}

// ==================== Value keys ====================

// ValueClass identifies the kind of value stored for a document.
type ValueClass interface {
	appendTo(buf []byte) []byte
}

// Value class tags
const (
	valueClassProperty  byte = 0
	valueClassAcl       byte = 1
	valueClassNamed     byte = 2
	valueClassTermIndex byte = 3
)

// Property is a document property addressed by field id.
type Property struct {
	Field uint8
}

// Acl is the access-control entry granted to another account.
type Acl struct {
	GrantAccountID uint32
}

// Named is an arbitrary named value.
type Named struct {
	Name []byte
}

// TermIndex holds the list of terms indexed for a document.
type TermIndex struct{}

func (c Property) appendTo(buf []byte) []byte {
	return append(buf, valueClassProperty, c.Field)
}

func (c Acl) appendTo(buf []byte) []byte {
	return binary.BigEndian.AppendUint32(append(buf, valueClassAcl), c.GrantAccountID)
}

func (c Named) appendTo(buf []byte) []byte {
	return append(append(buf, valueClassNamed), c.Name...)
}

func (TermIndex) appendTo(buf []byte) []byte {
	return append(buf, valueClassTermIndex)
}

// ValueKey addresses a single value of a document.
type ValueKey struct {
	AccountID  uint32
	Collection uint8
	DocumentID uint32
	Class      ValueClass
}

func (k ValueKey) Subspace() Subspace { return SubspaceValues }

func (k ValueKey) Serialize(flags uint32) []byte {
	kb := newKeyBuilder(SubspaceValues, flags, U32Len+1+U32Len+8)
	kb.u32(k.AccountID).u8(k.Collection).u32(k.DocumentID)
	if k.Class != nil {
		kb.buf = k.Class.appendTo(kb.buf)
	}
	return kb.bytes()
}

// ==================== Log keys ====================

// LogKey addresses one change-log entry.
type LogKey struct {
	AccountID  uint32
	Collection uint8
	ChangeID   uint64
}

func (k LogKey) Subspace() Subspace { return SubspaceLogs }

func (k LogKey) Serialize(flags uint32) []byte {
	return newKeyBuilder(SubspaceLogs, flags, U32Len+1+U64Len).
		u32(k.AccountID).
		u8(k.Collection).
		u64(k.ChangeID).
		bytes()
}

// ==================== Lookup keys ====================

// LookupValueKey is the physical location of a lookup store value.
type LookupValueKey struct {
	Key []byte
}

func (k LookupValueKey) Subspace() Subspace { return SubspaceLookup }

func (k LookupValueKey) Serialize(flags uint32) []byte {
	return newKeyBuilder(SubspaceLookup, flags, len(k.Key)).
		raw(k.Key).
		bytes()
}

// CounterKey is the physical location of a lookup store counter.
type CounterKey struct {
	Key []byte
}

func (k CounterKey) Subspace() Subspace { return SubspaceCounters }

func (k CounterKey) Serialize(flags uint32) []byte {
	return newKeyBuilder(SubspaceCounters, flags, len(k.Key)).
		raw(k.Key).
		bytes()
}

// RawKey wraps already-serialized bytes (including the subspace tag) so
// they can be passed back into APIs that take a Key.
type RawKey []byte

func (k RawKey) Subspace() Subspace {
	if len(k) == 0 {
		return 0
	}
	return Subspace(k[0])
}

func (k RawKey) Serialize(flags uint32) []byte {
	if flags&WithSubspace != 0 || len(k) == 0 {
		return append([]byte(nil), k...)
	}
	return append([]byte(nil), k[1:]...)
}

// SplitSubspace separates the leading subspace tag from a key serialized
// with WithSubspace.
func SplitSubspace(key []byte) (Subspace, []byte) {
	if len(key) == 0 {
		return 0, nil
	}
	return Subspace(key[0]), key[1:]
}
