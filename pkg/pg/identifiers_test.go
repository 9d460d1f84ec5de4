package pg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdentifier(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(`"measurements"`, QuoteIdentifier("measurements"))
	assert.Equal(`"station"."measurements"`,
		QuoteIdentifier("station.measurements"))
	assert.Equal(`"Measurements"`, QuoteIdentifier("Measurements"))
	assert.Equal(`"weather ""raw"" data"`, QuoteIdentifier(`weather "raw" data`))
}
