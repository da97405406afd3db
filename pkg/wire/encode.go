package wire

import (
	"encoding"
	"encoding/json"
	"math/big"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Marshaler is implemented by types that encode themselves.
type Marshaler interface {
	MarshalWire() (Value, error)
}

// GUIDer is implemented by remote object references. They are encoded as
// handles into the argument's handle table.
type GUIDer interface {
	WireGUID() string
}

var (
	valueType       = reflect.TypeOf(Value{})
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	guiderType      = reflect.TypeOf((*GUIDer)(nil)).Elem()
	timeType        = reflect.TypeOf(time.Time{})
	urlType         = reflect.TypeOf(url.URL{})
	bigIntType      = reflect.TypeOf(big.Int{})
	numberType      = reflect.TypeOf(json.Number(""))
	textMarshalType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Channel names one remote object in a handle table.
type Channel struct {
	GUID string `json:"guid"`
}

// Argument is the serialized form of an evaluate argument: a value plus the
// remote objects its handles point at.
type Argument struct {
	Value   Value     `json:"value"`
	Handles []Channel `json:"handles"`
}

// Serialize encodes v and returns the guids of every remote reference it
// contains, in handle order. A nil v encodes as undefined.
func Serialize(v any) (Value, []string, error) {
	var s serializer
	out, err := s.encode(reflect.ValueOf(v), "")
	if err != nil {
		return Value{}, nil, err
	}
	return out, s.handles, nil
}

// Marshal encodes v straight to dialect JSON. Remote references are rejected.
func Marshal(v any) ([]byte, error) {
	out, handles, err := Serialize(v)
	if err != nil {
		return nil, err
	}
	if len(handles) > 0 {
		return nil, codecErrorf(Unsupported, "", "remote references need an argument envelope")
	}
	return out.MarshalJSON()
}

// SerializeArgument encodes v as an evaluate argument.
func SerializeArgument(v any) (Argument, error) {
	out, handles, err := Serialize(v)
	if err != nil {
		return Argument{}, err
	}
	arg := Argument{Value: out, Handles: make([]Channel, len(handles))}
	for i, guid := range handles {
		arg.Handles[i] = Channel{GUID: guid}
	}
	return arg, nil
}

type serializer struct {
	handles []string
}

func (s *serializer) encode(rv reflect.Value, path string) (Value, error) {
	if !rv.IsValid() {
		return Undefined(), nil
	}
	t := rv.Type()
	if t == valueType {
		return rv.Interface().(Value), nil
	}
	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil() {
		return Undefined(), nil
	}
	if t.Implements(guiderType) {
		s.handles = append(s.handles, rv.Interface().(GUIDer).WireGUID())
		return Handle(len(s.handles) - 1), nil
	}
	if t.Implements(marshalerType) {
		out, err := rv.Interface().(Marshaler).MarshalWire()
		if err != nil {
			return Value{}, nested(path, err)
		}
		return out, nil
	}

	switch t {
	case timeType:
		return Date(rv.Interface().(time.Time)), nil
	case urlType:
		u := rv.Interface().(url.URL)
		return URL(u.String()), nil
	case bigIntType:
		n := rv.Interface().(big.Int)
		return BigInt(&n), nil
	case numberType:
		out, err := Number(rv.String())
		if err != nil {
			return Value{}, &CodecError{Kind: TypeMismatch, Path: path, Msg: err.(*CodecError).Msg}
		}
		return out, nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Uint(rv.Uint()), nil
	case reflect.Float32:
		return float32Value(float32(rv.Float())), nil
	case reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Pointer, reflect.Interface:
		return s.encode(rv.Elem(), path)
	case reflect.Slice:
		if rv.IsNil() {
			return Undefined(), nil
		}
		return s.encodeList(rv, path)
	case reflect.Array:
		return s.encodeList(rv, path)
	case reflect.Map:
		if rv.IsNil() {
			return Undefined(), nil
		}
		return s.encodeMap(rv, path)
	case reflect.Struct:
		return s.encodeStruct(rv, path)
	}
	return Value{}, codecErrorf(Unsupported, path, "cannot encode %s", t)
}

// float32Value keeps the shortest float32 spelling, so 0.1 stays 0.1.
func float32Value(f float32) Value {
	v := Float(float64(f))
	if !isSpecialNumber(v.text) {
		v.text = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return v
}

func (s *serializer) encodeList(rv reflect.Value, path string) (Value, error) {
	items := make([]Value, rv.Len())
	for i := range items {
		item, err := s.encode(rv.Index(i), indexPath(path, i))
		if err != nil {
			return Value{}, err
		}
		items[i] = item
	}
	return Array(items...), nil
}

func (s *serializer) encodeMap(rv reflect.Value, path string) (Value, error) {
	type kv struct {
		key string
		val reflect.Value
	}
	pairs := make([]kv, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, err := encodeKey(iter.Key(), path)
		if err != nil {
			return Value{}, err
		}
		pairs = append(pairs, kv{key: key, val: iter.Value()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	fields := make([]Field, len(pairs))
	for i, p := range pairs {
		val, err := s.encode(p.val, keyPath(path, p.key))
		if err != nil {
			return Value{}, err
		}
		fields[i] = Field{Key: p.key, Value: val}
	}
	return Entries(fields...), nil
}

func encodeKey(k reflect.Value, path string) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if k.Type().Implements(textMarshalType) {
		text, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return "", &CodecError{Kind: KeyError, Path: path, Err: err}
		}
		return string(text), nil
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	case reflect.Bool:
		return strconv.FormatBool(k.Bool()), nil
	}
	return "", codecErrorf(KeyError, path, "unsupported map key type %s", k.Type())
}

func (s *serializer) encodeStruct(rv reflect.Value, path string) (Value, error) {
	fields := structFields(rv.Type())
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		fv, ok := fieldByIndex(rv, f.index, false)
		if !ok {
			continue
		}
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		val, err := s.encode(fv, keyPath(path, f.name))
		if err != nil {
			return Value{}, err
		}
		if val.IsUndefined() && f.omitEmpty {
			continue
		}
		out = append(out, Field{Key: f.name, Value: val})
	}
	return Object(out...), nil
}

// EncodeVariant builds a tagged variant. A unit variant is the bare name; a
// data variant is a single-entry object.
func EncodeVariant(name string, payload Value) Value {
	if payload.IsUndefined() {
		return String(name)
	}
	return Entries(Field{Key: name, Value: payload})
}
