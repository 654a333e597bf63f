package store

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind enumerates the cell types every backend can express.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInteger
	KindBool
	KindFloat
	KindText
	KindBlob
)

func (k ValueKind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return "null"
	}
}

// Value is a single cell returned by a backend. The zero Value is Null.
type Value struct {
	kind ValueKind
	i    int64
	b    bool
	f    float64
	s    string
	blob []byte
}

func IntegerValue(v int64) Value { return Value{kind: KindInteger, i: v} }
func BoolValue(v bool) Value     { return Value{kind: KindBool, b: v} }
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }
func TextValue(v string) Value   { return Value{kind: KindText, s: v} }
func BlobValue(v []byte) Value   { return Value{kind: KindBlob, blob: v} }
func NullValue() Value           { return Value{} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) Integer() (int64, bool) { return v.i, v.kind == KindInteger }
func (v Value) Bool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) Text() (string, bool)   { return v.s, v.kind == KindText }
func (v Value) Blob() ([]byte, bool)   { return v.blob, v.kind == KindBlob }

// ValueOf converts a native Go value, typically a database/sql scan
// destination, into a Value. Unsupported types are rendered as text.
func ValueOf(x any) Value {
	switch t := x.(type) {
	case nil:
		return NullValue()
	case Value:
		return t
	case string:
		return TextValue(t)
	case []byte:
		return BlobValue(t)
	case bool:
		return BoolValue(t)
	case int:
		return IntegerValue(int64(t))
	case int32:
		return IntegerValue(int64(t))
	case int64:
		return IntegerValue(t)
	case uint32:
		return IntegerValue(int64(t))
	case uint64:
		return IntegerValue(int64(t))
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	default:
		return TextValue(fmt.Sprint(t))
	}
}

// Native returns the value as a plain Go type suitable for query parameters.
func (v Value) Native() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindBool:
		return v.b
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBlob:
		return v.blob
	default:
		return nil
	}
}

// String renders the canonical text form of the value. It never fails;
// Null renders as the empty string and blobs are decoded as lossy UTF-8.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.s
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBlob:
		return strings.ToValidUTF8(string(v.blob), "�")
	default:
		return ""
	}
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.i == o.i
	case KindBool:
		return v.b == o.b
	case KindFloat:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindBlob:
		return string(v.blob) == string(o.blob)
	default:
		return true
	}
}

// Row is an ordered list of cells.
type Row struct {
	Values []Value
}

// Rows is a list of rows in backend-defined order.
type Rows struct {
	Rows []Row
}

// NamedRows carries column names along with the rows.
type NamedRows struct {
	Names []string
	Rows  []Row
}

// Strings projects every cell to its text form.
func (r Row) Strings() []string {
	out := make([]string, 0, len(r.Values))
	for _, v := range r.Values {
		out = append(out, v.String())
	}
	return out
}

// Uint32s keeps the integer cells truncated to uint32 and silently drops
// every other cell.
func (r Row) Uint32s() []uint32 {
	out := make([]uint32, 0, len(r.Values))
	for _, v := range r.Values {
		if i, ok := v.Integer(); ok {
			out = append(out, uint32(i))
		}
	}
	return out
}

// Strings flattens all rows into their text cells.
func (r Rows) Strings() []string {
	var out []string
	for _, row := range r.Rows {
		out = append(out, row.Strings()...)
	}
	return out
}

// Uint32s flattens the integer cells of all rows.
func (r Rows) Uint32s() []uint32 {
	var out []uint32
	for _, row := range r.Rows {
		out = append(out, row.Uint32s()...)
	}
	return out
}

// Column returns the index of the named column or -1.
func (n NamedRows) Column(name string) int {
	for i, c := range n.Names {
		if c == name {
			return i
		}
	}
	return -1
}
