package store

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// LookupKeyKind separates plain lookup keys from counter keys. The two kinds
// occupy independent identifier spaces even for identical bytes.
type LookupKeyKind uint8

const (
	LookupKeyValue LookupKeyKind = iota
	LookupKeyCounter
)

// LookupKey is the addressing unit of a lookup store.
type LookupKey struct {
	Kind  LookupKeyKind
	Bytes []byte
}

// KeyOf returns a plain lookup key.
func KeyOf(key string) LookupKey {
	return LookupKey{Kind: LookupKeyValue, Bytes: []byte(key)}
}

// CounterOf returns a counter lookup key.
func CounterOf(key string) LookupKey {
	return LookupKey{Kind: LookupKeyCounter, Bytes: []byte(key)}
}

// IsCounter reports whether k addresses a counter.
func (k LookupKey) IsCounter() bool {
	return k.Kind == LookupKeyCounter
}

// String decodes the key bytes as lossy UTF-8.
func (k LookupKey) String() string {
	return strings.ToValidUTF8(string(k.Bytes), "�")
}

// Physical returns the backend key for k, including the subspace tag.
func (k LookupKey) Physical() []byte {
	if k.IsCounter() {
		return CounterKey{Key: k.Bytes}.Serialize(WithSubspace)
	}
	return LookupValueKey{Key: k.Bytes}.Serialize(WithSubspace)
}

// LookupValueKind enumerates the shapes of a lookup result.
type LookupValueKind uint8

const (
	LookupNone LookupValueKind = iota
	LookupValueData
	LookupValueCounter
)

// LookupValue is the result of a lookup store read. Counter keys only ever
// produce Counter or None values.
type LookupValue struct {
	Kind    LookupValueKind
	Value   []byte
	Expires uint64
	Num     int64
}

// NoneValue is the absent lookup value.
func NoneValue() LookupValue { return LookupValue{Kind: LookupNone} }

// DataValue is a lookup value with an absolute expiry in epoch seconds
// (0 = never).
func DataValue(value []byte, expires uint64) LookupValue {
	return LookupValue{Kind: LookupValueData, Value: value, Expires: expires}
}

// CounterValue is a counter reading.
func CounterValue(num int64) LookupValue {
	return LookupValue{Kind: LookupValueCounter, Num: num}
}

func (v LookupValue) IsNone() bool { return v.Kind == LookupNone }

func (v LookupValue) String() string {
	switch v.Kind {
	case LookupValueData:
		return fmt.Sprintf("value(%q, expires=%d)", v.Value, v.Expires)
	case LookupValueCounter:
		return fmt.Sprintf("counter(%d)", v.Num)
	default:
		return "none"
	}
}

// Now returns the current time in epoch seconds, the unit of every expiry
// stored by the lookup layer.
func Now() uint64 {
	return uint64(time.Now().Unix())
}

// ExpiresAt converts a TTL into an absolute expiry. A zero TTL never expires.
func ExpiresAt(ttl time.Duration, now uint64) uint64 {
	if ttl <= 0 {
		return 0
	}
	secs := uint64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return now + secs
}

// IsExpired reports whether an absolute expiry has passed.
func IsExpired(expires, now uint64) bool {
	return expires != 0 && expires <= now
}

// lookupRecord is the stored form of a lookup value in key-value engines.
type lookupRecord struct {
	Value   []byte `msgpack:"v"`
	Expires uint64 `msgpack:"e,omitempty"`
}

// EncodeLookupRecord serializes a lookup value for storage.
func EncodeLookupRecord(value []byte, expires uint64) ([]byte, error) {
	data, err := msgpack.Marshal(&lookupRecord{Value: value, Expires: expires})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lookup record: %w", err)
	}
	return data, nil
}

// DecodeLookupRecord parses a stored lookup record. Expired records decode
// to None.
func DecodeLookupRecord(data []byte, now uint64) (LookupValue, error) {
	var rec lookupRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return NoneValue(), NewInternalError("malformed lookup record: %v", err)
	}
	if IsExpired(rec.Expires, now) {
		return NoneValue(), nil
	}
	return DataValue(rec.Value, rec.Expires), nil
}

// EncodeCounter is the contract-level representation of a counter value.
func EncodeCounter(num int64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, U64Len), uint64(num))
}

// DecodeCounter parses an EncodeCounter value. Missing data reads as zero.
func DecodeCounter(data []byte) (int64, error) {
	switch len(data) {
	case 0:
		return 0, nil
	case U64Len:
		return int64(binary.BigEndian.Uint64(data)), nil
	default:
		return 0, NewInternalError("malformed counter of %d bytes", len(data))
	}
}
