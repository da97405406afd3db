package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const maxDepth = 512

// Parse decodes a JSON document into a Value. Single-key tagged objects are
// interpreted as dialect values; anything else is taken as bare JSON, so
// {"x":1} parses to an object holding the number 1. Object key order and
// duplicate keys are preserved.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	raw, err := readValue(dec, 0)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, codecErrorf(TypeMismatch, "", "trailing data after value")
	}
	return interpret(raw, "")
}

// readValue builds the bare tree, with no tag interpretation.
func readValue(dec *json.Decoder, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, codecErrorf(Unsupported, "", "nesting deeper than %d", maxDepth)
	}
	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("wire: %w", err)
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Value{kind: KindNumber, text: t.String()}, nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			var items []Value
			for dec.More() {
				item, err := readValue(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("wire: %w", err)
			}
			return Array(items...), nil
		case '{':
			var fields []Field
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, fmt.Errorf("wire: %w", err)
				}
				key, _ := keyTok.(string)
				val, err := readValue(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				fields = append(fields, Field{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("wire: %w", err)
			}
			return Object(fields...), nil
		}
	}
	return Value{}, fmt.Errorf("wire: unexpected token %v", tok)
}

// interpret resolves dialect tags in a bare tree. A tagged shape whose
// payload has the wrong JSON type falls back to a plain object.
func interpret(v Value, path string) (Value, error) {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.items))
		for i, item := range v.items {
			iv, err := interpret(item, indexPath(path, i))
			if err != nil {
				return Value{}, err
			}
			out[i] = iv
		}
		return Array(out...), nil
	case KindObject:
		if tagged, ok, err := interpretTagged(v, path); ok || err != nil {
			return tagged, err
		}
		return interpretFields(v.fields, path, false)
	}
	return v, nil
}

func interpretFields(fields []Field, path string, entries bool) (Value, error) {
	out := make([]Field, len(fields))
	for i, f := range fields {
		fv, err := interpret(f.Value, keyPath(path, f.Key))
		if err != nil {
			return Value{}, err
		}
		out[i] = Field{Key: f.Key, Value: fv}
	}
	return Value{kind: KindObject, fields: out, entries: entries}, nil
}

func tagOf(v Value) (string, Value, bool) {
	switch len(v.fields) {
	case 1:
		return v.fields[0].Key, v.fields[0].Value, true
	case 2:
		// Arrays and objects may carry a reference id next to the tag.
		for i, f := range v.fields {
			other := v.fields[1-i]
			if (f.Key == "a" || f.Key == "o") && other.Key == "id" && other.Value.kind == KindNumber {
				return f.Key, f.Value, true
			}
		}
	}
	return "", Value{}, false
}

func interpretTagged(v Value, path string) (Value, bool, error) {
	tag, inner, ok := tagOf(v)
	if !ok {
		return Value{}, false, nil
	}
	switch tag {
	case "v":
		if inner.kind != KindString {
			return Value{}, false, nil
		}
		switch inner.text {
		case "undefined":
			return Undefined(), true, nil
		case "null":
			return Null(), true, nil
		case NaN, PosInfinity, NegInfinity, NegZero:
			return Value{kind: KindNumber, text: inner.text}, true, nil
		}
	case "b":
		if inner.kind == KindBool {
			return inner, true, nil
		}
	case "n":
		if inner.kind == KindNumber {
			return inner, true, nil
		}
	case "s":
		if inner.kind == KindString {
			return inner, true, nil
		}
	case "bi":
		if inner.kind == KindString {
			if _, ok := new(big.Int).SetString(inner.text, 10); !ok {
				return Value{}, true, codecErrorf(TypeMismatch, path, "invalid bigint %q", inner.text)
			}
			return Value{kind: KindBigInt, text: inner.text}, true, nil
		}
	case "d":
		if inner.kind == KindString {
			return Value{kind: KindDate, text: inner.text}, true, nil
		}
	case "u":
		if inner.kind == KindString {
			return Value{kind: KindURL, text: inner.text}, true, nil
		}
	case "h":
		if inner.kind == KindNumber {
			idx, err := inner.AsInt(32)
			if err != nil || idx < 0 {
				return Value{}, true, codecErrorf(TypeMismatch, path, "invalid handle index %s", inner.text)
			}
			return Handle(int(idx)), true, nil
		}
	case "a":
		if inner.kind == KindArray {
			out, err := interpret(inner, path)
			return out, true, err
		}
	case "o":
		switch inner.kind {
		case KindObject:
			out, err := interpretFields(inner.fields, path, false)
			return out, true, err
		case KindArray:
			out, err := interpretEntries(inner.items, path)
			return out, true, err
		}
	case "ref", "r", "ta":
		return Value{}, true, codecErrorf(Unsupported, path, "%q values are not supported", tag)
	}
	return Value{}, false, nil
}

func interpretEntries(items []Value, path string) (Value, error) {
	fields := make([]Field, 0, len(items))
	for i, item := range items {
		k, okK := item.Get("k")
		val, okV := item.Get("v")
		if item.kind != KindObject || !okK || !okV {
			return Value{}, codecErrorf(TypeMismatch, indexPath(path, i), "object entry must carry k and v")
		}
		if tk, inner, ok := tagOf(k); ok && tk == "s" && inner.kind == KindString {
			k = inner
		}
		if k.kind != KindString {
			return Value{}, codecErrorf(KeyError, indexPath(path, i), "entry key must be a string, got %s", k.kind)
		}
		fv, err := interpret(val, keyPath(path, k.text))
		if err != nil {
			return Value{}, err
		}
		fields = append(fields, Field{Key: k.text, Value: fv})
	}
	return Entries(fields...), nil
}

func indexPath(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

func keyPath(path, key string) string {
	return path + "." + key
}
