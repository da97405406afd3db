// Package wire implements the driver's tagged value dialect.
//
// Every value on the wire is a single-key object naming its type:
//
//	{"b":true} {"n":1.5} {"s":"x"} {"bi":"123"} {"d":"2024-01-01T00:00:00Z"}
//	{"u":"https://x"} {"h":0} {"a":[...]} {"o":{...}} {"o":[{"k":..,"v":..}]}
//	{"v":"undefined"|"null"|"NaN"|"Infinity"|"-Infinity"|"-0"}
//
// Encoding always emits the tagged form. Parsing also accepts bare JSON.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"
)

// Kind identifies the shape held by a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindBigInt
	KindString
	KindDate
	KindURL
	KindArray
	KindObject
	KindHandle
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBool:      "bool",
	KindNumber:    "number",
	KindBigInt:    "bigint",
	KindString:    "string",
	KindDate:      "date",
	KindURL:       "url",
	KindArray:     "array",
	KindObject:    "object",
	KindHandle:    "handle",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Special number spellings carried under the "v" tag.
const (
	NaN         = "NaN"
	PosInfinity = "Infinity"
	NegInfinity = "-Infinity"
	NegZero     = "-0"
)

func isSpecialNumber(s string) bool {
	switch s {
	case NaN, PosInfinity, NegInfinity, NegZero:
		return true
	}
	return false
}

// Field is one key/value pair of an object. Objects keep insertion order.
type Field struct {
	Key   string
	Value Value
}

// Value is a decoded wire value. The zero Value is undefined.
//
// Numbers are kept as their literal text so integers beyond 2^53 survive a
// round trip untouched.
type Value struct {
	kind    Kind
	b       bool
	text    string
	items   []Value
	fields  []Field
	entries bool
	handle  int
}

func Undefined() Value { return Value{} }

func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(n int64) Value { return Value{kind: KindNumber, text: strconv.FormatInt(n, 10)} }

func Uint(n uint64) Value { return Value{kind: KindNumber, text: strconv.FormatUint(n, 10)} }

// Float encodes f, mapping NaN, the infinities and negative zero to their
// special spellings.
func Float(f float64) Value {
	switch {
	case math.IsNaN(f):
		return Value{kind: KindNumber, text: NaN}
	case math.IsInf(f, 1):
		return Value{kind: KindNumber, text: PosInfinity}
	case math.IsInf(f, -1):
		return Value{kind: KindNumber, text: NegInfinity}
	case f == 0 && math.Signbit(f):
		return Value{kind: KindNumber, text: NegZero}
	}
	return Value{kind: KindNumber, text: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Number wraps a JSON number literal or special spelling without parsing it.
func Number(literal string) (Value, error) {
	if isSpecialNumber(literal) {
		return Value{kind: KindNumber, text: literal}, nil
	}
	if !json.Valid([]byte(literal)) {
		return Value{}, codecErrorf(TypeMismatch, "", "invalid number literal %q", literal)
	}
	if _, err := strconv.ParseFloat(literal, 64); errors.Is(err, strconv.ErrSyntax) {
		return Value{}, codecErrorf(TypeMismatch, "", "invalid number literal %q", literal)
	}
	return Value{kind: KindNumber, text: literal}, nil
}

func BigInt(n *big.Int) Value {
	if n == nil {
		return Undefined()
	}
	return Value{kind: KindBigInt, text: n.String()}
}

func String(s string) Value { return Value{kind: KindString, text: s} }

// Date encodes t as an RFC 3339 timestamp with millisecond precision in UTC.
func Date(t time.Time) Value {
	return Value{kind: KindDate, text: t.UTC().Format("2006-01-02T15:04:05.000Z07:00")}
}

func URL(s string) Value { return Value{kind: KindURL, text: s} }

func Array(items ...Value) Value { return Value{kind: KindArray, items: items} }

// Object builds a keyed object.
func Object(fields ...Field) Value { return Value{kind: KindObject, fields: fields} }

// Entries builds an object that encodes as a k/v list, the form used for maps
// and data variants.
func Entries(fields ...Field) Value { return Value{kind: KindObject, fields: fields, entries: true} }

// Handle references the i-th entry of an argument's handle table.
func Handle(i int) Value { return Value{kind: KindHandle, handle: i} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// IsNil reports whether v is undefined or null.
func (v Value) IsNil() bool { return v.kind == KindUndefined || v.kind == KindNull }

// IsEntries reports whether an object uses the k/v list encoding.
func (v Value) IsEntries() bool { return v.kind == KindObject && v.entries }

// Text returns the literal text of a number, bigint, string, date or url.
func (v Value) Text() string { return v.text }

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, mismatch("", "bool", v.kind)
	}
	return v.b, nil
}

// AsString accepts strings, dates and urls.
func (v Value) AsString() (string, error) {
	switch v.kind {
	case KindString, KindDate, KindURL:
		return v.text, nil
	}
	return "", mismatch("", "string", v.kind)
}

func (v Value) AsFloat() (float64, error) {
	return v.asFloat(64)
}

func (v Value) asFloat(bits int) (float64, error) {
	switch v.kind {
	case KindNumber:
		if v.text == NegZero {
			return math.Copysign(0, -1), nil
		}
		f, err := strconv.ParseFloat(v.text, bits)
		if err != nil {
			return 0, codecErrorf(TypeMismatch, "", "number %s does not fit float%d", v.text, bits)
		}
		return f, nil
	case KindBigInt:
		f, _, err := big.ParseFloat(v.text, 10, 53, big.ToNearestEven)
		if err != nil {
			return 0, codecErrorf(TypeMismatch, "", "invalid bigint %q", v.text)
		}
		out, _ := f.Float64()
		return out, nil
	}
	return 0, mismatch("", "number", v.kind)
}

// AsInt returns the value as a signed integer of the given bit size. Integral
// floats such as 3.0 are accepted; fractions and overflow are not.
func (v Value) AsInt(bits int) (int64, error) {
	if v.kind != KindNumber && v.kind != KindBigInt {
		return 0, mismatch("", "integer", v.kind)
	}
	if n, err := strconv.ParseInt(v.text, 10, bits); err == nil {
		return n, nil
	}
	bi, err := v.AsBigInt()
	if err != nil {
		return 0, err
	}
	if !bi.IsInt64() {
		return 0, codecErrorf(TypeMismatch, "", "%s overflows int%d", v.text, bits)
	}
	if n := bi.Int64(); bits < 64 && (n < -(1<<(bits-1)) || n >= 1<<(bits-1)) {
		return 0, codecErrorf(TypeMismatch, "", "%s overflows int%d", v.text, bits)
	}
	return bi.Int64(), nil
}

// AsUint returns the value as an unsigned integer of the given bit size.
func (v Value) AsUint(bits int) (uint64, error) {
	if v.kind != KindNumber && v.kind != KindBigInt {
		return 0, mismatch("", "integer", v.kind)
	}
	if n, err := strconv.ParseUint(v.text, 10, bits); err == nil {
		return n, nil
	}
	bi, err := v.AsBigInt()
	if err != nil {
		return 0, err
	}
	if bi.Sign() < 0 || bi.BitLen() > bits {
		return 0, codecErrorf(TypeMismatch, "", "%s overflows uint%d", v.text, bits)
	}
	return bi.Uint64(), nil
}

// AsBigInt accepts bigints and integral numbers.
func (v Value) AsBigInt() (*big.Int, error) {
	switch v.kind {
	case KindBigInt:
		n, ok := new(big.Int).SetString(v.text, 10)
		if !ok {
			return nil, codecErrorf(TypeMismatch, "", "invalid bigint %q", v.text)
		}
		return n, nil
	case KindNumber:
		if n, ok := new(big.Int).SetString(v.text, 10); ok {
			return n, nil
		}
		if isSpecialNumber(v.text) {
			if v.text == NegZero {
				return new(big.Int), nil
			}
			return nil, codecErrorf(TypeMismatch, "", "%s is not an integer", v.text)
		}
		r, ok := new(big.Rat).SetString(v.text)
		if !ok || !r.IsInt() {
			return nil, codecErrorf(TypeMismatch, "", "%s is not an integer", v.text)
		}
		return new(big.Int).Set(r.Num()), nil
	}
	return nil, mismatch("", "integer", v.kind)
}

// AsTime parses a date (or a string holding one).
func (v Value) AsTime() (time.Time, error) {
	if v.kind != KindDate && v.kind != KindString {
		return time.Time{}, mismatch("", "date", v.kind)
	}
	t, err := time.Parse(time.RFC3339Nano, v.text)
	if err != nil {
		return time.Time{}, codecErrorf(TypeMismatch, "", "invalid date %q", v.text)
	}
	return t, nil
}

func (v Value) HandleIndex() (int, error) {
	if v.kind != KindHandle {
		return 0, mismatch("", "handle", v.kind)
	}
	return v.handle, nil
}

// Len returns the number of array items or object fields.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindObject:
		return len(v.fields)
	}
	return 0
}

// Items returns array elements. The slice must not be modified.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.items
}

// Index returns the i-th array element, or undefined when out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.items) {
		return Undefined()
	}
	return v.items[i]
}

// Fields returns object fields in wire order. The slice must not be modified.
func (v Value) Fields() []Field {
	if v.kind != KindObject {
		return nil
	}
	return v.fields
}

// Get returns the first field named key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Undefined(), false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Undefined(), false
}

// Lookup walks nested object keys, returning undefined on any miss.
func (v Value) Lookup(keys ...string) Value {
	cur := v
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Undefined()
		}
		cur = next
	}
	return cur
}

// Equal reports structural equality. Object field order matters.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUndefined, KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindHandle:
		return v.handle == o.handle
	case KindArray:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if v.entries != o.entries || len(v.fields) != len(o.fields) {
			return false
		}
		for i := range v.fields {
			if v.fields[i].Key != o.fields[i].Key || !v.fields[i].Value.Equal(o.fields[i].Value) {
				return false
			}
		}
		return true
	default:
		return v.text == o.text
	}
}

// MarshalJSON emits the tagged dialect.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts both the tagged dialect and bare JSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid " + v.kind.String() + ">"
	}
	return string(b)
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindUndefined:
		buf.WriteString(`{"v":"undefined"}`)
	case KindNull:
		buf.WriteString(`{"v":"null"}`)
	case KindBool:
		if v.b {
			buf.WriteString(`{"b":true}`)
		} else {
			buf.WriteString(`{"b":false}`)
		}
	case KindNumber:
		if isSpecialNumber(v.text) {
			buf.WriteString(`{"v":"`)
			buf.WriteString(v.text)
			buf.WriteString(`"}`)
			return nil
		}
		buf.WriteString(`{"n":`)
		buf.WriteString(v.text)
		buf.WriteByte('}')
	case KindBigInt:
		writeTagged(buf, "bi", v.text)
	case KindString:
		writeTagged(buf, "s", v.text)
	case KindDate:
		writeTagged(buf, "d", v.text)
	case KindURL:
		writeTagged(buf, "u", v.text)
	case KindHandle:
		buf.WriteString(`{"h":`)
		buf.WriteString(strconv.Itoa(v.handle))
		buf.WriteByte('}')
	case KindArray:
		buf.WriteString(`{"a":[`)
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteString(`]}`)
	case KindObject:
		if v.entries {
			buf.WriteString(`{"o":[`)
			for i, f := range v.fields {
				if i > 0 {
					buf.WriteByte(',')
				}
				buf.WriteString(`{"k":`)
				writeString(buf, f.Key)
				buf.WriteString(`,"v":`)
				if err := f.Value.encode(buf); err != nil {
					return err
				}
				buf.WriteByte('}')
			}
			buf.WriteString(`]}`)
			return nil
		}
		buf.WriteString(`{"o":{`)
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, f.Key)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteString(`}}`)
	default:
		return codecErrorf(Unsupported, "", "cannot encode %s", v.kind)
	}
	return nil
}

func writeTagged(buf *bytes.Buffer, tag, s string) {
	buf.WriteString(`{"`)
	buf.WriteString(tag)
	buf.WriteString(`":`)
	writeString(buf, s)
	buf.WriteByte('}')
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
