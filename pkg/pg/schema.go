package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Advisory lock serializing schema updates between all instances sharing a
// database.
const (
	SchemaLockId1 uint32 = 0x0100
	SchemaLockId2 uint32 = 0x0001
)

// UpdateSchema applies the migrations of a schema which have not been applied
// yet and returns them.
func (c *Client) UpdateSchema(schema, dirPath string) (Migrations, error) {
	migrations, err := LoadMigrations(schema, dirPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load migrations of schema %q: %w",
			schema, err)
	}

	if len(migrations) == 0 {
		c.Log.Info("no migration found for schema %q in %q", schema, dirPath)
		return nil, nil
	}

	var applied Migrations

	err = c.WithTx(func(conn Conn) error {
		if err := TakeAdvisoryTxLock(conn, SchemaLockId1, SchemaLockId2); err != nil {
			return fmt.Errorf("cannot lock schemas: %w", err)
		}

		// Each migration runs in its own transaction on another connection and
		// must see the version table.
		if err := c.WithConn(createSchemaVersionTable); err != nil {
			return fmt.Errorf("cannot create schema version table: %w", err)
		}

		versions, err := loadSchemaVersions(conn, schema)
		if err != nil {
			return fmt.Errorf("cannot load versions of schema %q: %w",
				schema, err)
		}

		pending := migrations.Pending(versions)
		if len(pending) == 0 {
			c.Log.Info("schema %q is up to date (version %s)",
				schema, migrations.LastVersion())
			return nil
		}

		c.Log.Info("updating schema %q from %q: %d pending migrations",
			schema, dirPath, len(pending))

		for _, m := range pending {
			c.Log.Info("applying migration %v", m)

			if err := c.WithTx(m.Apply); err != nil {
				return err
			}

			applied = append(applied, m)
		}

		return nil
	})
	if err != nil {
		return applied, err
	}

	if len(applied) > 0 {
		c.Log.Info("schema %q updated to version %s",
			schema, applied.LastVersion())
		c.closeIdleConns()
	}

	return applied, nil
}

// Types created by migrations are only discovered by pgx on new connections.
func (c *Client) closeIdleConns() {
	ctx := context.Background()

	for _, conn := range c.Pool.AcquireAllIdle(ctx) {
		conn.Conn().Close(ctx)
		conn.Release()
	}
}

func createSchemaVersionTable(conn Conn) error {
	query := `
CREATE TABLE IF NOT EXISTS schema_versions
  (schema VARCHAR NOT NULL,
   version VARCHAR NOT NULL,
   migration_date TIMESTAMPTZ NOT NULL DEFAULT (CURRENT_TIMESTAMP),

   PRIMARY KEY (schema, version));
`
	return Exec(conn, query)
}

func loadSchemaVersions(conn Conn, schema string) ([]string, error) {
	query := `
SELECT version
  FROM schema_versions
  WHERE schema = $1
  ORDER BY version;
`
	rows, err := Query(conn, query, schema)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, pgx.RowTo[string])
}
