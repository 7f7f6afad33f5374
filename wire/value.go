// Value encoding for RPC params/results/client-request payloads: a small,
// by-hand msgpack codec built directly on the tinylib/msgp runtime's
// Append*/Read* primitives (the same primitives msgp-generated MarshalMsg/
// UnmarshalMsg methods call into), but driven by field name rather than a
// generated struct layout: stable field-name encoding so handlers may
// ignore unknown fields and new handlers may add fields
// backward-compatibly, without requiring a code-generation step for every
// method's params/result shape.
package wire

import (
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"
	"github.com/tunnelrun/agentd/internal/rpcerr"
)

// Value is any decoded RPC payload scalar/container: nil, bool, int64,
// float64, string, []byte, []Value, or Map.
type Value any

// Map is a field-name-keyed object, the shape every envelope's params,
// result, and client-request payload take on the wire.
type Map map[string]Value

func (m Map) GetString(k string) (string, bool) {
	v, ok := m[k]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m Map) GetInt64(k string) (int64, bool) {
	v, ok := m[k]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}

func (m Map) GetBool(k string) (bool, bool) {
	v, ok := m[k]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (m Map) GetBytes(k string) ([]byte, bool) {
	v, ok := m[k]
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (m Map) GetSlice(k string) ([]Value, bool) {
	v, ok := m[k]
	if !ok {
		return nil, false
	}
	s, ok := v.([]Value)
	return s, ok
}

func (m Map) GetMap(k string) (Map, bool) {
	v, ok := m[k]
	if !ok {
		return nil, false
	}
	s, ok := v.(Map)
	return s, ok
}

// AppendValue msgpack-encodes v onto b.
func AppendValue(b []byte, v Value) []byte {
	switch t := v.(type) {
	case nil:
		return msgp.AppendNil(b)
	case bool:
		return msgp.AppendBool(b, t)
	case int:
		return msgp.AppendInt64(b, int64(t))
	case int64:
		return msgp.AppendInt64(b, t)
	case uint16:
		return msgp.AppendUint16(b, t)
	case uint64:
		return msgp.AppendUint64(b, t)
	case float64:
		return msgp.AppendFloat64(b, t)
	case string:
		return msgp.AppendString(b, t)
	case []byte:
		return msgp.AppendBytes(b, t)
	case []Value:
		b = msgp.AppendArrayHeader(b, uint32(len(t)))
		for _, e := range t {
			b = AppendValue(b, e)
		}
		return b
	case []string:
		b = msgp.AppendArrayHeader(b, uint32(len(t)))
		for _, e := range t {
			b = msgp.AppendString(b, e)
		}
		return b
	case Map:
		return appendMap(b, t)
	default:
		// Unknown concrete type: best-effort via fmt so the frame still
		// encodes something inspectable rather than panicking.
		return msgp.AppendString(b, fmt.Sprintf("%v", t))
	}
}

func appendMap(b []byte, m Map) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic wire layout; aids test fixtures
	b = msgp.AppendMapHeader(b, uint32(len(keys)))
	for _, k := range keys {
		b = msgp.AppendString(b, k)
		b = AppendValue(b, m[k])
	}
	return b
}

// DecodeValue reads one msgpack value from b, returning the remainder.
func DecodeValue(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return nil, b, rpcerr.Invalid("unexpected end of data")
	}
	typ := msgp.NextType(b)
	switch typ {
	case msgp.NilType:
		o, err := msgp.ReadNilBytes(b)
		return nil, o, wrapDecode(err)
	case msgp.BoolType:
		v, o, err := msgp.ReadBoolBytes(b)
		return v, o, wrapDecode(err)
	case msgp.IntType, msgp.UintType:
		v, o, err := msgp.ReadInt64Bytes(b)
		return v, o, wrapDecode(err)
	case msgp.Float64Type, msgp.Float32Type:
		v, o, err := msgp.ReadFloat64Bytes(b)
		return v, o, wrapDecode(err)
	case msgp.StrType:
		v, o, err := msgp.ReadStringBytes(b)
		return v, o, wrapDecode(err)
	case msgp.BinType:
		v, o, err := msgp.ReadBytesBytes(b, nil)
		return v, o, wrapDecode(err)
	case msgp.ArrayType:
		sz, o, err := msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return nil, o, wrapDecode(err)
		}
		out := make([]Value, 0, sz)
		for range sz {
			var v Value
			v, o, err = DecodeValue(o)
			if err != nil {
				return nil, o, err
			}
			out = append(out, v)
		}
		return out, o, nil
	case msgp.MapType:
		sz, o, err := msgp.ReadMapHeaderBytes(b)
		if err != nil {
			return nil, o, wrapDecode(err)
		}
		m := make(Map, sz)
		for range sz {
			var key string
			key, o, err = msgp.ReadStringBytes(o)
			if err != nil {
				return nil, o, wrapDecode(err)
			}
			var v Value
			v, o, err = DecodeValue(o)
			if err != nil {
				return nil, o, err
			}
			m[key] = v
		}
		return m, o, nil
	default:
		return nil, b, rpcerr.Invalid("unsupported msgpack type %v", typ)
	}
}

func wrapDecode(err error) error {
	if err == nil {
		return nil
	}
	return rpcerr.Invalid("%v", err)
}
