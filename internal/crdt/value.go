package crdt

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// ValueKind discriminates the Value union.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MapEntry is one key/value pair of a map-kind Value. Entry order is
// preserved on the wire; canonical encoding sorts by key.
type MapEntry struct {
	Key   string
	Value Value
}

// Value is the payload of every record: a tagged union over null, bool,
// int64, float64, string, bytes, list and an order-preserving map.
type Value struct {
	kind    ValueKind
	boolV   bool
	intV    int64
	floatV  float64
	strV    string
	binV    []byte
	listV   []Value
	entries []MapEntry
}

func Null() Value             { return Value{kind: KindNull} }
func Bool(b bool) Value       { return Value{kind: KindBool, boolV: b} }
func Int(i int64) Value       { return Value{kind: KindInt, intV: i} }
func Float(f float64) Value   { return Value{kind: KindFloat, floatV: f} }
func String(s string) Value   { return Value{kind: KindString, strV: s} }
func Bytes(b []byte) Value    { return Value{kind: KindBytes, binV: b} }
func List(vs ...Value) Value  { return Value{kind: KindList, listV: vs} }
func Map(es ...MapEntry) Value {
	return Value{kind: KindMap, entries: es}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Bool() bool        { return v.boolV }
func (v Value) Int() int64        { return v.intV }
func (v Value) Float() float64    { return v.floatV }
func (v Value) Str() string       { return v.strV }
func (v Value) Bin() []byte       { return v.binV }
func (v Value) Items() []Value    { return v.listV }
func (v Value) Entries() []MapEntry { return v.entries }

// Field returns the value under key for a map-kind Value.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for _, e := range v.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Equal reports structural equality. Map entry order is significant for
// Equal; use canonical bytes when order-insensitive comparison is needed.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.boolV == other.boolV
	case KindInt:
		return v.intV == other.intV
	case KindFloat:
		return v.floatV == other.floatV || (math.IsNaN(v.floatV) && math.IsNaN(other.floatV))
	case KindString:
		return v.strV == other.strV
	case KindBytes:
		return bytes.Equal(v.binV, other.binV)
	case KindList:
		if len(v.listV) != len(other.listV) {
			return false
		}
		for i := range v.listV {
			if !v.listV[i].Equal(other.listV[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.entries) != len(other.entries) {
			return false
		}
		for i := range v.entries {
			if v.entries[i].Key != other.entries[i].Key || !v.entries[i].Value.Equal(other.entries[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// EstimateCost approximates the in-memory footprint in bytes. Used for
// engine cost accounting, not for billing precision.
func (v Value) EstimateCost() int64 {
	const overhead = 16
	switch v.kind {
	case KindNull, KindBool:
		return overhead
	case KindInt, KindFloat:
		return overhead + 8
	case KindString:
		return overhead + int64(len(v.strV))
	case KindBytes:
		return overhead + int64(len(v.binV))
	case KindList:
		total := int64(overhead)
		for _, item := range v.listV {
			total += item.EstimateCost()
		}
		return total
	case KindMap:
		total := int64(overhead)
		for _, e := range v.entries {
			total += int64(len(e.Key)) + e.Value.EstimateCost()
		}
		return total
	}
	return overhead
}

// EncodeMsgpack writes the wire form: map entries keep insertion order.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	return v.encode(enc, false)
}

// Canonical returns msgpack bytes with sub-maps sorted by key, so equal
// values encode byte-equal regardless of entry order.
func (v Value) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := v.encode(enc, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(enc *msgpack.Encoder, canonical bool) error {
	switch v.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.boolV)
	case KindInt:
		return enc.EncodeInt(v.intV)
	case KindFloat:
		return enc.EncodeFloat64(v.floatV)
	case KindString:
		return enc.EncodeString(v.strV)
	case KindBytes:
		return enc.EncodeBytes(v.binV)
	case KindList:
		if err := enc.EncodeArrayLen(len(v.listV)); err != nil {
			return err
		}
		for _, item := range v.listV {
			if err := item.encode(enc, canonical); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		entries := v.entries
		if canonical {
			entries = append([]MapEntry(nil), v.entries...)
			sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
		}
		if err := enc.EncodeMapLen(len(entries)); err != nil {
			return err
		}
		for _, e := range entries {
			if err := enc.EncodeString(e.Key); err != nil {
				return err
			}
			if err := e.Value.encode(enc, canonical); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unencodable value kind %v", v.kind)
}

// DecodeMsgpack reads the wire form produced by EncodeMsgpack.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}

	switch {
	case code == msgpcode.Nil:
		if err := dec.DecodeNil(); err != nil {
			return err
		}
		*v = Null()
		return nil

	case code == msgpcode.True || code == msgpcode.False:
		b, err := dec.DecodeBool()
		if err != nil {
			return err
		}
		*v = Bool(b)
		return nil

	case msgpcode.IsFixedNum(code),
		code == msgpcode.Int8, code == msgpcode.Int16, code == msgpcode.Int32, code == msgpcode.Int64,
		code == msgpcode.Uint8, code == msgpcode.Uint16, code == msgpcode.Uint32, code == msgpcode.Uint64:
		i, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		*v = Int(i)
		return nil

	case code == msgpcode.Float, code == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return err
		}
		*v = Float(f)
		return nil

	case msgpcode.IsString(code):
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*v = String(s)
		return nil

	case msgpcode.IsBin(code):
		b, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		*v = Bytes(b)
		return nil

	case msgpcode.IsFixedArray(code), code == msgpcode.Array16, code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		items := make([]Value, n)
		for i := 0; i < n; i++ {
			if err := items[i].DecodeMsgpack(dec); err != nil {
				return err
			}
		}
		*v = List(items...)
		return nil

	case msgpcode.IsFixedMap(code), code == msgpcode.Map16, code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		entries := make([]MapEntry, n)
		for i := 0; i < n; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return err
			}
			entries[i].Key = key
			if err := entries[i].Value.DecodeMsgpack(dec); err != nil {
				return err
			}
		}
		*v = Map(entries...)
		return nil
	}

	return fmt.Errorf("unsupported msgpack code 0x%02x for value", code)
}
