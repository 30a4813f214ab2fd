// Package types defines the value model shared by the expression evaluator,
// the execution engine and the command handlers.
//
// The model is closed: null, bool, int, double, string, bytes, list, map and
// handle. Nothing in it refers back into the host runtime, so an expression
// can only ever reach data that a command explicitly produced.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueType represents the type of a script value.
type ValueType int

const (
	TypeNull   ValueType = iota
	TypeBool             // bool
	TypeInt              // int64
	TypeDouble           // float64
	TypeString           // string
	TypeBytes            // []byte
	TypeList             // []Value
	TypeMap              // ordered map of string -> Value
	TypeHandle           // *Handle, opaque external result
)

// String returns the type name used in error messages.
func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	case TypeHandle:
		return "handle"
	default:
		return "unknown"
	}
}

// Value is a tagged union holding one script value.
type Value struct {
	typ       ValueType
	boolVal   bool
	intVal    int64
	doubleVal float64
	stringVal string
	bytesVal  []byte
	listVal   []Value
	mapVal    *OrderedMap
	handle    *Handle
}

// OrderedMap keeps map keys in insertion order so that rendering is stable.
type OrderedMap struct {
	keys   []string
	values map[string]Value
}

// NewOrderedMap creates a new empty ordered map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{
		keys:   make([]string, 0),
		values: make(map[string]Value),
	}
}

// Get retrieves a value by key. Returns the value and whether it exists.
func (m *OrderedMap) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set adds or updates a key-value pair, preserving insertion order.
func (m *OrderedMap) Set(key string, val Value) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = val
}

// Delete removes a key from the map.
func (m *OrderedMap) Delete(key string) {
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (m *OrderedMap) Keys() []string {
	result := make([]string, len(m.keys))
	copy(result, m.keys)
	return result
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int {
	return len(m.keys)
}

// Clone creates a deep copy of the ordered map.
func (m *OrderedMap) Clone() *OrderedMap {
	c := NewOrderedMap()
	for _, k := range m.keys {
		c.Set(k, m.values[k].Clone())
	}
	return c
}

// Null is the singleton null value.
var Null = Value{typ: TypeNull}

// NewBool creates a boolean value.
func NewBool(v bool) Value {
	return Value{typ: TypeBool, boolVal: v}
}

// NewInt creates an integer value (64-bit).
func NewInt(v int64) Value {
	return Value{typ: TypeInt, intVal: v}
}

// NewDouble creates a double value (64-bit float).
func NewDouble(v float64) Value {
	return Value{typ: TypeDouble, doubleVal: v}
}

// NewString creates a string value.
func NewString(v string) Value {
	return Value{typ: TypeString, stringVal: v}
}

// NewBytes creates a bytes value.
func NewBytes(v []byte) Value {
	return Value{typ: TypeBytes, bytesVal: v}
}

// NewList creates a list value from a slice of values.
func NewList(v []Value) Value {
	return Value{typ: TypeList, listVal: v}
}

// NewMap creates a map value from an OrderedMap.
func NewMap(v *OrderedMap) Value {
	return Value{typ: TypeMap, mapVal: v}
}

// NewHandleValue wraps an external result handle.
func NewHandleValue(h *Handle) Value {
	if h == nil {
		return Null
	}
	return Value{typ: TypeHandle, handle: h}
}

// NewMapFromGoMap creates a map value from a Go map (keys sorted alphabetically for determinism).
func NewMapFromGoMap(m map[string]Value) Value {
	om := NewOrderedMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		om.Set(k, m[k])
	}
	return Value{typ: TypeMap, mapVal: om}
}

// Type returns the value's type.
func (v Value) Type() ValueType {
	return v.typ
}

// IsNull returns true if the value is null.
func (v Value) IsNull() bool {
	return v.typ == TypeNull
}

// AsBool returns the boolean value. Panics if not a bool.
func (v Value) AsBool() bool {
	if v.typ != TypeBool {
		panic(fmt.Sprintf("AsBool called on %s value", v.typ))
	}
	return v.boolVal
}

// AsInt returns the integer value. Panics if not an int.
func (v Value) AsInt() int64 {
	if v.typ != TypeInt {
		panic(fmt.Sprintf("AsInt called on %s value", v.typ))
	}
	return v.intVal
}

// AsDouble returns the double value. Panics if not a double.
func (v Value) AsDouble() float64 {
	if v.typ != TypeDouble {
		panic(fmt.Sprintf("AsDouble called on %s value", v.typ))
	}
	return v.doubleVal
}

// AsString returns the string value. Panics if not a string.
func (v Value) AsString() string {
	if v.typ != TypeString {
		panic(fmt.Sprintf("AsString called on %s value", v.typ))
	}
	return v.stringVal
}

// AsBytes returns the bytes value. Panics if not bytes.
func (v Value) AsBytes() []byte {
	if v.typ != TypeBytes {
		panic(fmt.Sprintf("AsBytes called on %s value", v.typ))
	}
	return v.bytesVal
}

// AsList returns the list value. Panics if not a list.
func (v Value) AsList() []Value {
	if v.typ != TypeList {
		panic(fmt.Sprintf("AsList called on %s value", v.typ))
	}
	return v.listVal
}

// AsMap returns the map value. Panics if not a map.
func (v Value) AsMap() *OrderedMap {
	if v.typ != TypeMap {
		panic(fmt.Sprintf("AsMap called on %s value", v.typ))
	}
	return v.mapVal
}

// AsHandle returns the handle. Panics if not a handle.
func (v Value) AsHandle() *Handle {
	if v.typ != TypeHandle {
		panic(fmt.Sprintf("AsHandle called on %s value", v.typ))
	}
	return v.handle
}

// AsNumber returns the numeric value as float64. Works for int and double types.
func (v Value) AsNumber() (float64, bool) {
	switch v.typ {
	case TypeInt:
		return float64(v.intVal), true
	case TypeDouble:
		return v.doubleVal, true
	default:
		return 0, false
	}
}

// Truthy reports whether the value counts as true in a condition.
// null, false, zero numbers and empty strings, bytes, lists and maps are falsy.
func (v Value) Truthy() bool {
	switch v.typ {
	case TypeNull:
		return false
	case TypeBool:
		return v.boolVal
	case TypeInt:
		return v.intVal != 0
	case TypeDouble:
		return v.doubleVal != 0
	case TypeString:
		return v.stringVal != ""
	case TypeBytes:
		return len(v.bytesVal) > 0
	case TypeList:
		return len(v.listVal) > 0
	case TypeMap:
		return v.mapVal.Len() > 0
	default:
		return true
	}
}

// Field resolves one segment of a dotted path: a map key, a handle field or
// a list index. It is the only way an expression can look inside a value.
func (v Value) Field(name string) (Value, bool) {
	switch v.typ {
	case TypeMap:
		return v.mapVal.Get(name)
	case TypeHandle:
		return v.handle.Field(name)
	case TypeList:
		idx, err := strconv.Atoi(name)
		if err != nil {
			return Null, false
		}
		if idx < 0 {
			idx += len(v.listVal)
		}
		if idx < 0 || idx >= len(v.listVal) {
			return Null, false
		}
		return v.listVal[idx], true
	}
	return Null, false
}

// Clone creates a deep copy of the value.
func (v Value) Clone() Value {
	switch v.typ {
	case TypeList:
		items := make([]Value, len(v.listVal))
		for i, item := range v.listVal {
			items[i] = item.Clone()
		}
		return NewList(items)
	case TypeMap:
		return NewMap(v.mapVal.Clone())
	case TypeBytes:
		b := make([]byte, len(v.bytesVal))
		copy(b, v.bytesVal)
		return NewBytes(b)
	default:
		return v // scalars and handles are shared
	}
}

// Equal tests deep equality between two values.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		// int and double can be compared
		if (v.typ == TypeInt || v.typ == TypeDouble) && (other.typ == TypeInt || other.typ == TypeDouble) {
			a, _ := v.AsNumber()
			b, _ := other.AsNumber()
			return a == b
		}
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.boolVal == other.boolVal
	case TypeInt:
		return v.intVal == other.intVal
	case TypeDouble:
		return v.doubleVal == other.doubleVal
	case TypeString:
		return v.stringVal == other.stringVal
	case TypeBytes:
		if len(v.bytesVal) != len(other.bytesVal) {
			return false
		}
		for i := range v.bytesVal {
			if v.bytesVal[i] != other.bytesVal[i] {
				return false
			}
		}
		return true
	case TypeList:
		if len(v.listVal) != len(other.listVal) {
			return false
		}
		for i := range v.listVal {
			if !v.listVal[i].Equal(other.listVal[i]) {
				return false
			}
		}
		return true
	case TypeHandle:
		return v.handle == other.handle
	case TypeMap:
		if v.mapVal.Len() != other.mapVal.Len() {
			return false
		}
		for _, k := range v.mapVal.Keys() {
			ov, ok := other.mapVal.Get(k)
			if !ok {
				return false
			}
			mv, _ := v.mapVal.Get(k)
			if !mv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value the way interpolation splices it into text.
func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "null"
	case TypeBool:
		if v.boolVal {
			return "true"
		}
		return "false"
	case TypeInt:
		return fmt.Sprintf("%d", v.intVal)
	case TypeDouble:
		if v.doubleVal == math.Trunc(v.doubleVal) && !math.IsInf(v.doubleVal, 0) {
			return fmt.Sprintf("%.1f", v.doubleVal)
		}
		return fmt.Sprintf("%g", v.doubleVal)
	case TypeString:
		return v.stringVal
	case TypeBytes:
		return fmt.Sprintf("<bytes len=%d>", len(v.bytesVal))
	case TypeList:
		parts := make([]string, len(v.listVal))
		for i, item := range v.listVal {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeMap:
		parts := make([]string, 0, v.mapVal.Len())
		for _, k := range v.mapVal.Keys() {
			val, _ := v.mapVal.Get(k)
			parts = append(parts, fmt.Sprintf("%s: %s", k, val.String()))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case TypeHandle:
		return v.handle.String()
	}
	return "<unknown>"
}

// MarshalJSON converts a Value to JSON. Handles marshal as their field map.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeNull:
		return []byte("null"), nil
	case TypeBool:
		if v.boolVal {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case TypeInt:
		return json.Marshal(v.intVal)
	case TypeDouble:
		return json.Marshal(v.doubleVal)
	case TypeString:
		return json.Marshal(v.stringVal)
	case TypeBytes:
		return json.Marshal(string(v.bytesVal))
	case TypeHandle:
		return v.handle.Value().MarshalJSON()
	case TypeList:
		items := make([]json.RawMessage, len(v.listVal))
		for i, item := range v.listVal {
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			items[i] = b
		}
		return json.Marshal(items)
	case TypeMap:
		// Use ordered iteration
		buf := []byte{'{'}
		for i, k := range v.mapVal.Keys() {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			val, _ := v.mapVal.Get(k)
			valBytes, err := val.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, valBytes...)
		}
		buf = append(buf, '}')
		return buf, nil
	}
	return nil, fmt.Errorf("cannot marshal unknown type %d", v.typ)
}

// FromNative converts a decoded YAML or JSON scalar tree into a Value.
// Maps keep the key order of the source when given a *OrderedMap.
func FromNative(v interface{}) Value {
	switch val := v.(type) {
	case nil:
		return Null
	case Value:
		return val
	case *OrderedMap:
		return NewMap(val)
	case int:
		return NewInt(int64(val))
	case int64:
		return NewInt(val)
	case uint64:
		return NewInt(int64(val))
	case float32:
		return NewDouble(float64(val))
	case float64:
		return NewDouble(val)
	case []byte:
		return NewBytes(val)
	case map[interface{}]interface{}:
		m := make(map[string]Value, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = FromNative(item)
		}
		return NewMapFromGoMap(m)
	case []interface{}:
		items := make([]Value, len(val))
		for i, item := range val {
			items[i] = FromNative(item)
		}
		return NewList(items)
	case map[string]interface{}:
		m := make(map[string]Value, len(val))
		for k, item := range val {
			m[k] = FromNative(item)
		}
		return NewMapFromGoMap(m)
	}
	return ValueFromJSON(v)
}

// ValueFromJSON converts a Go interface{} (from json.Unmarshal) into a Value.
func ValueFromJSON(v interface{}) Value {
	if v == nil {
		return Null
	}
	switch val := v.(type) {
	case bool:
		return NewBool(val)
	case float64:
		// JSON numbers are float64; convert to int if no fractional part
		if val == math.Trunc(val) && !math.IsInf(val, 0) && val >= math.MinInt64 && val <= math.MaxInt64 {
			return NewInt(int64(val))
		}
		return NewDouble(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return NewInt(i)
		}
		if f, err := val.Float64(); err == nil {
			return NewDouble(f)
		}
		return NewString(val.String())
	case string:
		return NewString(val)
	case []interface{}:
		items := make([]Value, len(val))
		for i, item := range val {
			items[i] = ValueFromJSON(item)
		}
		return NewList(items)
	case map[string]interface{}:
		m := NewOrderedMap()
		// JSON maps don't have guaranteed order, sort keys for determinism
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Set(k, ValueFromJSON(val[k]))
		}
		return NewMap(m)
	default:
		return NewString(fmt.Sprintf("%v", val))
	}
}

// ToGoValue converts a Value to a plain Go interface{} suitable for JSON marshaling.
func (v Value) ToGoValue() interface{} {
	switch v.typ {
	case TypeNull:
		return nil
	case TypeBool:
		return v.boolVal
	case TypeInt:
		return v.intVal
	case TypeDouble:
		return v.doubleVal
	case TypeString:
		return v.stringVal
	case TypeBytes:
		return v.bytesVal
	case TypeList:
		result := make([]interface{}, len(v.listVal))
		for i, item := range v.listVal {
			result[i] = item.ToGoValue()
		}
		return result
	case TypeMap:
		result := make(map[string]interface{}, v.mapVal.Len())
		for _, k := range v.mapVal.Keys() {
			val, _ := v.mapVal.Get(k)
			result[k] = val.ToGoValue()
		}
		return result
	case TypeHandle:
		return v.handle.Value().ToGoValue()
	}
	return nil
}
