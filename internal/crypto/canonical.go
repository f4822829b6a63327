package crypto

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v as canonical JSON bytes: object keys NFC-normalized
// and sorted, null object members stripped, numbers in a single normalized
// form. Equal content yields equal bytes regardless of key order or the
// textual form the numbers arrived in.
//
// Input must be decoded JSON shapes (maps, slices, strings, bools, numbers,
// json.Number). Typed structs go through Digest, which round-trips them
// through encoding/json first.
func Canonicalize(v any) ([]byte, error) {
	var enc canonicalEncoder
	if err := enc.value(v); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

type canonicalEncoder struct {
	buf bytes.Buffer
}

func (e *canonicalEncoder) value(v any) error {
	if v == nil {
		e.buf.WriteString("null")
		return nil
	}
	if n, ok := v.(json.Number); ok {
		return e.number(n)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return e.str(rv.String())
	case reflect.Bool:
		e.buf.WriteString(strconv.FormatBool(rv.Bool()))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return e.float(rv.Float())
	case reflect.Map:
		return e.object(rv)
	case reflect.Slice, reflect.Array:
		return e.array(rv)
	case reflect.Invalid:
		e.buf.WriteString("null")
		return nil
	default:
		return ErrUnsupportedType
	}
}

func (e *canonicalEncoder) str(s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	e.buf.Write(encoded)
	return nil
}

// number keeps integer tokens exact when they fit int64; everything else
// normalizes through float64 shortest round-trip form, so "0.50", "0.5" and
// 0.5 all canonicalize to the same bytes. Money in this codebase is integer
// cents and never takes the float path.
func (e *canonicalEncoder) number(n json.Number) error {
	s := n.String()
	if !looksLikeFloat(s) {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			e.buf.WriteString(strconv.FormatInt(v, 10))
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ErrNonFiniteNumber
	}
	return e.float(f)
}

func (e *canonicalEncoder) float(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFiniteNumber
	}
	e.buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// object writes members sorted by normalized key, dropping null values. Two
// distinct keys that normalize to the same NFC form are a collision, not a
// silent overwrite.
func (e *canonicalEncoder) object(rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return ErrNonStringMapKey
	}

	keys := make([]string, 0, rv.Len())
	members := make(map[string]any, rv.Len())
	for _, key := range rv.MapKeys() {
		k := norm.NFC.String(key.String())
		if _, dup := members[k]; dup {
			return ErrKeyCollision
		}
		members[k] = rv.MapIndex(key).Interface()
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	first := true
	for _, k := range keys {
		val := members[k]
		if isJSONNull(val) {
			continue
		}
		if !first {
			e.buf.WriteByte(',')
		}
		first = false
		if err := e.str(k); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.value(val); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *canonicalEncoder) array(rv reflect.Value) error {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		e.buf.WriteString("null")
		return nil
	}

	e.buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.value(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

// isJSONNull reports whether v would encode as null. Null members are
// stripped from objects but kept as array elements, where position matters.
func isJSONNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

func looksLikeFloat(s string) bool {
	for _, r := range s {
		if r == '.' || r == 'e' || r == 'E' {
			return true
		}
	}
	return false
}
