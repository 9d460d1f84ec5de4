package pg

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// QuoteIdentifier quotes a possibly schema-qualified name such as
// "station.measurements" so that it can be inserted in a query.
func QuoteIdentifier(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
