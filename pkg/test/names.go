package test

import (
	"strings"

	"github.com/galdor/go-uuid"
)

// RandomName returns a unique name made of an optional prefix, a UUID and an
// optional suffix separated by dashes.
func RandomName(prefix, suffix string) string {
	parts := make([]string, 0, 3)

	if prefix != "" {
		parts = append(parts, prefix)
	}

	parts = append(parts, uuid.MustGenerate(uuid.V7).String())

	if suffix != "" {
		parts = append(parts, suffix)
	}

	return strings.Join(parts, "-")
}

// RandomSensorId returns a random identifier formatted like the hexadecimal
// identifiers reported by sensors.
func RandomSensorId() string {
	id := strings.ReplaceAll(uuid.MustGenerate(uuid.V7).String(), "-", "")

	// The first 48 bits of a version 7 UUID are a timestamp.
	return strings.ToUpper(id[len(id)-16:])
}
