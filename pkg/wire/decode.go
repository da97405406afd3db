package wire

import (
	"encoding"
	"math/big"
	"net/url"
	"reflect"
	"strconv"
)

// Unmarshaler is implemented by types that decode themselves.
type Unmarshaler interface {
	UnmarshalWire(Value) error
}

// HandleRef is the natural Go form of a handle value when decoding into any.
type HandleRef int

var (
	unmarshalerType   = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
	textUnmarshalType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// Unmarshal parses data and decodes it into out.
func Unmarshal(data []byte, out any) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	return Deserialize(v, out)
}

// Deserialize decodes v into the value out points at.
//
// Undefined or null at the top level can only land in something nillable
// (pointer, slice, map, interface or Value); anything else reports Blank.
// Nested undefined and null leave the target at its zero value. Object keys
// without a matching struct field are ignored.
func Deserialize(v Value, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return codecErrorf(Unsupported, "", "decode target must be a non-nil pointer, got %T", out)
	}
	elem := rv.Elem()
	if v.IsNil() && !nillable(elem) {
		return codecErrorf(Blank, "", "no value for %s", elem.Type())
	}
	return decodeInto(v, elem, "")
}

func nillable(rv reflect.Value) bool {
	if rv.Type() == valueType {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return true
	}
	return reflect.PointerTo(rv.Type()).Implements(unmarshalerType)
}

func decodeInto(v Value, rv reflect.Value, path string) error {
	t := rv.Type()
	if t == valueType {
		rv.Set(reflect.ValueOf(v))
		return nil
	}
	if rv.Kind() == reflect.Pointer {
		if v.IsNil() {
			rv.Set(reflect.Zero(t))
			return nil
		}
		if rv.IsNil() {
			rv.Set(reflect.New(t.Elem()))
		}
		return decodeInto(v, rv.Elem(), path)
	}
	if rv.CanAddr() && rv.Addr().Type().Implements(unmarshalerType) {
		if err := rv.Addr().Interface().(Unmarshaler).UnmarshalWire(v); err != nil {
			return nested(path, err)
		}
		return nil
	}
	if v.IsNil() {
		rv.Set(reflect.Zero(t))
		return nil
	}

	switch t {
	case timeType:
		tm, err := v.AsTime()
		if err != nil {
			return at(err, path)
		}
		rv.Set(reflect.ValueOf(tm))
		return nil
	case urlType:
		s, err := v.AsString()
		if err != nil {
			return at(err, path)
		}
		u, err := url.Parse(s)
		if err != nil {
			return &CodecError{Kind: TypeMismatch, Path: path, Err: err}
		}
		rv.Set(reflect.ValueOf(*u))
		return nil
	case bigIntType:
		n, err := v.AsBigInt()
		if err != nil {
			return at(err, path)
		}
		rv.Addr().Interface().(*big.Int).Set(n)
		return nil
	case numberType:
		if v.kind != KindNumber && v.kind != KindBigInt {
			return mismatch(path, "number", v.kind)
		}
		rv.SetString(v.text)
		return nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		b, err := v.AsBool()
		if err != nil {
			return at(err, path)
		}
		rv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := v.AsInt(t.Bits())
		if err != nil {
			return at(err, path)
		}
		rv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := v.AsUint(t.Bits())
		if err != nil {
			return at(err, path)
		}
		rv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := v.asFloat(t.Bits())
		if err != nil {
			return at(err, path)
		}
		rv.SetFloat(f)
	case reflect.String:
		s, err := v.AsString()
		if err != nil {
			return at(err, path)
		}
		rv.SetString(s)
	case reflect.Slice:
		if v.kind != KindArray {
			return mismatch(path, "array", v.kind)
		}
		out := reflect.MakeSlice(t, len(v.items), len(v.items))
		for i, item := range v.items {
			if err := decodeInto(item, out.Index(i), indexPath(path, i)); err != nil {
				return err
			}
		}
		rv.Set(out)
	case reflect.Array:
		if v.kind != KindArray {
			return mismatch(path, "array", v.kind)
		}
		for i := 0; i < rv.Len(); i++ {
			if i >= len(v.items) {
				rv.Index(i).Set(reflect.Zero(t.Elem()))
				continue
			}
			if err := decodeInto(v.items[i], rv.Index(i), indexPath(path, i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		return decodeMap(v, rv, path)
	case reflect.Struct:
		return decodeStruct(v, rv, path)
	case reflect.Interface:
		if t.NumMethod() != 0 {
			return codecErrorf(Unsupported, path, "cannot decode into %s", t)
		}
		rv.Set(reflect.ValueOf(v.Interface()))
	default:
		return codecErrorf(Unsupported, path, "cannot decode into %s", t)
	}
	return nil
}

func decodeMap(v Value, rv reflect.Value, path string) error {
	if v.kind != KindObject {
		return mismatch(path, "object", v.kind)
	}
	t := rv.Type()
	out := reflect.MakeMapWithSize(t, len(v.fields))
	for _, f := range v.fields {
		key := reflect.New(t.Key()).Elem()
		if err := decodeKey(f.Key, key, path); err != nil {
			return err
		}
		val := reflect.New(t.Elem()).Elem()
		if err := decodeInto(f.Value, val, keyPath(path, f.Key)); err != nil {
			return err
		}
		out.SetMapIndex(key, val)
	}
	rv.Set(out)
	return nil
}

// decodeKey runs an object key through the scalar decoders, so integer keys
// are checked for range like any other integer.
func decodeKey(key string, kv reflect.Value, path string) error {
	if kv.Kind() == reflect.String {
		kv.SetString(key)
		return nil
	}
	if reflect.PointerTo(kv.Type()).Implements(textUnmarshalType) {
		if err := kv.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(key)); err != nil {
			return &CodecError{Kind: KeyError, Path: keyPath(path, key), Err: err}
		}
		return nil
	}
	var scalar Value
	switch kv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		n, err := Number(key)
		if err != nil {
			return codecErrorf(KeyError, keyPath(path, key), "key is not a number")
		}
		scalar = n
	case reflect.Bool:
		b, err := strconv.ParseBool(key)
		if err != nil {
			return codecErrorf(KeyError, keyPath(path, key), "key is not a bool")
		}
		scalar = Bool(b)
	default:
		return codecErrorf(KeyError, path, "unsupported map key type %s", kv.Type())
	}
	if err := decodeInto(scalar, kv, keyPath(path, key)); err != nil {
		return &CodecError{Kind: KeyError, Path: keyPath(path, key), Err: err}
	}
	return nil
}

func decodeStruct(v Value, rv reflect.Value, path string) error {
	if v.kind != KindObject {
		return mismatch(path, "object", v.kind)
	}
	fields := structFields(rv.Type())
	for _, f := range v.fields {
		sf, ok := matchField(fields, f.Key)
		if !ok {
			continue
		}
		target, _ := fieldByIndex(rv, sf.index, true)
		if err := decodeInto(f.Value, target, keyPath(path, f.Key)); err != nil {
			return err
		}
	}
	return nil
}

func matchField(fields []field, key string) (field, bool) {
	for _, f := range fields {
		if f.name == key {
			return f, true
		}
	}
	for _, f := range fields {
		if equalFoldASCII(f.name, key) {
			return f, true
		}
	}
	return field{}, false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// at stamps a path onto an accessor error, which is raised without one.
func at(err error, path string) error {
	if ce, ok := err.(*CodecError); ok && ce.Path == "" {
		cp := *ce
		cp.Path = path
		return &cp
	}
	return err
}

// Interface returns the natural Go form of v: nil, bool, float64, *big.Int,
// string, time.Time, []any, map[string]any or HandleRef.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		f, _ := v.AsFloat()
		return f
	case KindBigInt:
		n, _ := v.AsBigInt()
		return n
	case KindString, KindURL:
		return v.text
	case KindDate:
		if tm, err := v.AsTime(); err == nil {
			return tm
		}
		return v.text
	case KindHandle:
		return HandleRef(v.handle)
	case KindArray:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Key] = f.Value.Interface()
		}
		return out
	}
	return nil
}

// DecodeVariant splits a tagged variant into its name and payload. Unit
// variants arrive as a bare string and carry an undefined payload; data
// variants arrive as an entry list with exactly one pair.
func DecodeVariant(v Value) (string, Value, error) {
	switch v.kind {
	case KindString:
		return v.text, Undefined(), nil
	case KindObject:
		if !v.entries {
			return "", Value{}, codecErrorf(TypeMismatch, "", "variant must be an entry list, got keyed object")
		}
		if len(v.fields) != 1 {
			return "", Value{}, codecErrorf(TypeMismatch, "", "variant must have exactly one entry, got %d", len(v.fields))
		}
		return v.fields[0].Key, v.fields[0].Value, nil
	}
	return "", Value{}, mismatch("", "variant", v.kind)
}
