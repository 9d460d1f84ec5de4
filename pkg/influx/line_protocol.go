package influx

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyMeasurement  = errors.New("empty measurement")
	ErrMissingFields     = errors.New("points must contain at least one field")
	ErrInvalidUTF8       = errors.New("invalid utf-8 string")
	ErrInvalidFieldValue = errors.New("invalid field value")
	ErrEmptyKey          = errors.New("empty key")
	ErrEmptyTagValue     = errors.New("empty tag value")
	ErrTrailingBackslash = errors.New("string ends with an escape character")
)

var (
	measurementReplacer *strings.Replacer
	keyReplacer         *strings.Replacer
	stringFieldReplacer *strings.Replacer
)

func init() {
	measurementReplacer = strings.NewReplacer(`,`, `\,`, ` `, `\ `)
	keyReplacer = strings.NewReplacer(`,`, `\,`, `=`, `\=`, ` `, `\ `)

	// A quote which is already preceded by a backslash must not end up as
	// `\\"`, which the server would read as an escaped backslash followed
	// by the end of the string.
	stringFieldReplacer = strings.NewReplacer(`\"`, `\\\"`, `"`, `\"`)
}

func EncodePoint(p *Point, buf *bytes.Buffer) error {
	if err := checkPoint(p); err != nil {
		return err
	}

	encodeMeasurement(p.Measurement, buf)
	if len(p.Tags) > 0 {
		encodeTags(p.Tags, buf)
	}

	buf.WriteByte(' ')
	encodeFields(p.Fields, buf)

	if p.Timestamp != nil {
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(*p.Timestamp, 10))
	}

	buf.WriteByte('\n')

	return nil
}

func EncodePoints(ps Points, buf *bytes.Buffer) error {
	for _, p := range ps {
		if err := EncodePoint(p, buf); err != nil {
			return fmt.Errorf("cannot encode point for measurement %q: %w",
				p.Measurement, err)
		}
	}

	return nil
}

func FormatPoint(p *Point) (string, error) {
	var buf bytes.Buffer

	if err := EncodePoint(p, &buf); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func checkPoint(p *Point) error {
	if p.Measurement == "" {
		return ErrEmptyMeasurement
	}

	if err := checkString(p.Measurement); err != nil {
		return fmt.Errorf("measurement: %w", err)
	}

	for key, value := range p.Tags {
		if err := checkKey(key); err != nil {
			return fmt.Errorf("tag %q: %w", key, err)
		}

		if value == "" {
			return fmt.Errorf("tag %q: %w", key, ErrEmptyTagValue)
		}

		if err := checkString(value); err != nil {
			return fmt.Errorf("value of tag %q: %w", key, err)
		}
	}

	if len(p.Fields) == 0 {
		return ErrMissingFields
	}

	for key, value := range p.Fields {
		if err := checkKey(key); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}

		switch value.t {
		case ValueTypeString:
			if err := checkString(value.s); err != nil {
				return fmt.Errorf("value of field %q: %w", key, err)
			}

		case ValueTypeFloat:
			if math.IsNaN(value.f) || math.IsInf(value.f, 0) {
				return fmt.Errorf("value of field %q: %w: %v",
					key, ErrInvalidFieldValue, value.f)
			}

		case ValueTypeInteger, ValueTypeBoolean:

		default:
			return fmt.Errorf("value of field %q: %w: missing type",
				key, ErrInvalidFieldValue)
		}
	}

	return nil
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	return checkString(key)
}

func checkString(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}

	// A final unpaired backslash would escape the separator or the closing
	// quote written after the string.
	if EndsWithEscape(s) {
		return ErrTrailingBackslash
	}

	return nil
}

// EndsWithEscape reports whether a string ends with an odd number of
// backslashes.
func EndsWithEscape(s string) bool {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}

	return n%2 == 1
}

func encodeMeasurement(measurement string, buf *bytes.Buffer) {
	measurementReplacer.WriteString(buf, measurement)
}

func encodeTags(tags Tags, buf *bytes.Buffer) {
	// From the InfluxDB documentation:
	//
	// For best performance you should sort tags by key before sending them to
	// the database. The sort should match the results from the Go
	// bytes.Compare function.

	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		buf.WriteByte(',')
		encodeKey(key, buf)
		buf.WriteByte('=')
		encodeKey(tags[key], buf)
	}
}

func encodeFields(fields Fields, buf *bytes.Buffer) {
	keys := make([]string, len(fields))
	i := 0
	for key := range fields {
		keys[i] = key
		i++
	}

	sort.Strings(keys)

	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		encodeKey(key, buf)
		buf.WriteByte('=')
		encodeFieldValue(fields[key], buf)
	}
}

func encodeKey(key string, buf *bytes.Buffer) {
	keyReplacer.WriteString(buf, key)
}

func encodeFieldValue(value Value, buf *bytes.Buffer) {
	switch value.t {
	case ValueTypeString:
		buf.WriteByte('"')
		stringFieldReplacer.WriteString(buf, value.s)
		buf.WriteByte('"')
	case ValueTypeInteger:
		buf.WriteString(strconv.FormatInt(value.i, 10))
		buf.WriteByte('i')
	case ValueTypeFloat:
		buf.WriteString(strconv.FormatFloat(value.f, 'f', -1, 64))
	case ValueTypeBoolean:
		buf.WriteString(strconv.FormatBool(value.b))
	}
}
