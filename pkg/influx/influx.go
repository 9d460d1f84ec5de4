package influx

import (
	"fmt"
	"time"
)

type ValueType int

const (
	ValueTypeString ValueType = iota + 1
	ValueTypeInteger
	ValueTypeFloat
	ValueTypeBoolean
)

func (t ValueType) String() string {
	switch t {
	case ValueTypeString:
		return "string"
	case ValueTypeInteger:
		return "integer"
	case ValueTypeFloat:
		return "float"
	case ValueTypeBoolean:
		return "boolean"
	default:
		return "invalid"
	}
}

// Value is a field value. It can only hold one of the four literal types
// supported by the line protocol; the zero value is invalid and rejected by
// the encoder.
type Value struct {
	t ValueType

	s string
	i int64
	f float64
	b bool
}

func String(s string) Value {
	return Value{t: ValueTypeString, s: s}
}

func Integer(i int64) Value {
	return Value{t: ValueTypeInteger, i: i}
}

func Float(f float64) Value {
	return Value{t: ValueTypeFloat, f: f}
}

func Boolean(b bool) Value {
	return Value{t: ValueTypeBoolean, b: b}
}

func (v Value) Type() ValueType {
	return v.t
}

func (v Value) StringValue() string {
	return v.s
}

func (v Value) IntegerValue() int64 {
	return v.i
}

func (v Value) FloatValue() float64 {
	return v.f
}

func (v Value) BooleanValue() bool {
	return v.b
}

func (v Value) String() string {
	switch v.t {
	case ValueTypeString:
		return fmt.Sprintf("%q", v.s)
	case ValueTypeInteger:
		return fmt.Sprintf("%di", v.i)
	case ValueTypeFloat:
		return fmt.Sprintf("%v", v.f)
	case ValueTypeBoolean:
		return fmt.Sprintf("%v", v.b)
	default:
		return "<invalid>"
	}
}

type Point struct {
	Measurement string
	Tags        Tags
	Fields      Fields

	// Nanoseconds since the Unix epoch. When nil, the server uses the time
	// the point was received.
	Timestamp *int64
}

type Points []*Point

type Tags map[string]string

type Fields map[string]Value

func NewPoint(measurement string, tags Tags, fields Fields) *Point {
	if tags == nil {
		tags = Tags{}
	}

	if fields == nil {
		fields = Fields{}
	}

	return &Point{
		Measurement: measurement,
		Tags:        tags,
		Fields:      fields,
	}
}

func NewPointWithTimestamp(measurement string, tags Tags, fields Fields, t time.Time) *Point {
	p := NewPoint(measurement, tags, fields)
	p.SetTime(t)
	return p
}

func (p *Point) AddTag(key, value string) *Point {
	p.Tags[key] = value
	return p
}

func (p *Point) AddField(key string, value Value) *Point {
	p.Fields[key] = value
	return p
}

func (p *Point) SetTimestamp(ns int64) *Point {
	p.Timestamp = &ns
	return p
}

func (p *Point) SetTime(t time.Time) *Point {
	return p.SetTimestamp(t.UnixNano())
}
