// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package graph

import (
	"strconv"
	"time"

	"github.com/dgraph-io/dgo/v2/protos/api"
)

// DateTimeLayout is the layout used for datetime values built from a time.Time. It is ISO-8601 with milliseconds and
// a numeric zone offset, which Dgraph parses for the datetime type.
const DateTimeLayout = "2006-01-02T15:04:05.000-07:00"

// ValueKind identifies which variant of a Value is set.
type ValueKind int

// Value kinds. A Value has exactly one.
const (
	KindDefault ValueKind = iota
	KindBytes
	KindInt
	KindBool
	KindString
	KindDouble
	KindGeo
	KindDateTime
	KindPassword
)

var kindNames = [...]string{
	KindDefault:  "default",
	KindBytes:    "bytes",
	KindInt:      "int",
	KindBool:     "bool",
	KindString:   "string",
	KindDouble:   "double",
	KindGeo:      "geo",
	KindDateTime: "datetime",
	KindPassword: "password",
}

func (k ValueKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Value is the target of a Property. It wraps the wire value so converting it for a mutation is a pointer copy.
// A Value is immutable once built.
type Value struct {
	v *api.Value
}

// DefaultValue builds a value of Dgraph's default type.
func DefaultValue(s string) *Value {
	return &Value{v: &api.Value{Val: &api.Value_DefaultVal{DefaultVal: s}}}
}

// BytesValue builds a bytes value. The slice is copied.
func BytesValue(b []byte) *Value {
	return &Value{v: &api.Value{Val: &api.Value_BytesVal{BytesVal: copyBytes(b)}}}
}

// IntValue builds a 64 bit int value.
func IntValue(i int64) *Value {
	return &Value{v: &api.Value{Val: &api.Value_IntVal{IntVal: i}}}
}

// BoolValue builds a bool value.
func BoolValue(b bool) *Value {
	return &Value{v: &api.Value{Val: &api.Value_BoolVal{BoolVal: b}}}
}

// StringValue builds a string value.
func StringValue(s string) *Value {
	return &Value{v: &api.Value{Val: &api.Value_StrVal{StrVal: s}}}
}

// DoubleValue builds a float value.
func DoubleValue(f float64) *Value {
	return &Value{v: &api.Value{Val: &api.Value_DoubleVal{DoubleVal: f}}}
}

// GeoValue builds a geo value from its binary encoding. The slice is copied.
func GeoValue(b []byte) *Value {
	return &Value{v: &api.Value{Val: &api.Value_GeoVal{GeoVal: copyBytes(b)}}}
}

// GeoJSONValue builds a geo value from a GeoJSON document.
func GeoJSONValue(geoJSON string) *Value {
	return &Value{v: &api.Value{Val: &api.Value_GeoVal{GeoVal: []byte(geoJSON)}}}
}

// DateTimeBytesValue builds a datetime value from an already encoded datetime. The slice is copied.
func DateTimeBytesValue(b []byte) *Value {
	return &Value{v: &api.Value{Val: &api.Value_DatetimeVal{DatetimeVal: copyBytes(b)}}}
}

// DateTimeValue builds a datetime value, encoded with DateTimeLayout.
func DateTimeValue(t time.Time) *Value {
	return DateTimeBytesValue([]byte(t.Format(DateTimeLayout)))
}

// PasswordValue builds a password value.
func PasswordValue(s string) *Value {
	return &Value{v: &api.Value{Val: &api.Value_PasswordVal{PasswordVal: s}}}
}

// ValueFromAPI wraps a wire value, as found in an NQuad. It returns nil for a nil value.
func ValueFromAPI(v *api.Value) *Value {
	if v == nil {
		return nil
	}
	return &Value{v: v}
}

// API returns the wire form of the value. Callers must not modify it.
func (v *Value) API() *api.Value {
	return v.v
}

// Kind reports which variant is set.
func (v *Value) Kind() ValueKind {
	switch v.v.GetVal().(type) {
	case *api.Value_BytesVal:
		return KindBytes
	case *api.Value_IntVal:
		return KindInt
	case *api.Value_BoolVal:
		return KindBool
	case *api.Value_StrVal:
		return KindString
	case *api.Value_DoubleVal:
		return KindDouble
	case *api.Value_GeoVal:
		return KindGeo
	case *api.Value_DatetimeVal, *api.Value_DateVal:
		return KindDateTime
	case *api.Value_PasswordVal:
		return KindPassword
	default:
		return KindDefault
	}
}

// String returns the canonical string form of the value.
func (v *Value) String() string {
	switch x := v.v.GetVal().(type) {
	case *api.Value_DefaultVal:
		return x.DefaultVal
	case *api.Value_BytesVal:
		return string(x.BytesVal)
	case *api.Value_IntVal:
		return strconv.FormatInt(x.IntVal, 10)
	case *api.Value_BoolVal:
		return strconv.FormatBool(x.BoolVal)
	case *api.Value_StrVal:
		return x.StrVal
	case *api.Value_DoubleVal:
		return strconv.FormatFloat(x.DoubleVal, 'g', -1, 64)
	case *api.Value_GeoVal:
		return string(x.GeoVal)
	case *api.Value_DateVal:
		return string(x.DateVal)
	case *api.Value_DatetimeVal:
		return string(x.DatetimeVal)
	case *api.Value_PasswordVal:
		return x.PasswordVal
	case *api.Value_UidVal:
		return strconv.FormatUint(x.UidVal, 10)
	}
	return ""
}

// JSON returns the value as it would appear in a JSON mutation.
func (v *Value) JSON() interface{} {
	switch x := v.v.GetVal().(type) {
	case *api.Value_IntVal:
		return x.IntVal
	case *api.Value_BoolVal:
		return x.BoolVal
	case *api.Value_DoubleVal:
		return x.DoubleVal
	}
	return v.String()
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
