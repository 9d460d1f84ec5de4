package pg

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/flying7eleven/weather-station-backend/pkg/test"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to the database referenced by WEATHER_STATION_TEST_PG_URI
// and skips the test when the variable is not set.
func testClient(t *testing.T) *Client {
	uri := os.Getenv("WEATHER_STATION_TEST_PG_URI")
	if uri == "" {
		t.Skip("WEATHER_STATION_TEST_PG_URI not set")
	}

	clientCfg := ClientCfg{
		Log:             log.DefaultLogger("pg"),
		Name:            "test",
		URI:             uri,
		ApplicationName: "test",
	}

	client, err := NewClient(clientCfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

func TestClientWithTx(t *testing.T) {
	require := require.New(t)

	client := testClient(t)

	err := client.WithConn(func(conn Conn) error {
		query := `DROP TABLE IF EXISTS foo`
		if err := Exec(conn, query); err != nil {
			return err
		}

		query = `CREATE TABLE foo (i INT)`
		if err := Exec(conn, query); err != nil {
			return err
		}

		return nil
	})
	require.NoError(err)

	// Transactions are not committed if the function panics
	func() {
		defer func() {
			recover()
		}()

		err = client.WithTx(func(conn Conn) error {
			query := `INSERT INTO foo (i) VALUES (1)`
			if err := Exec(conn, query); err != nil {
				return err
			}

			panic("test")
		})
		require.NoError(err)
	}()

	var count int
	err = client.WithConn(func(conn Conn) error {
		query := `SELECT COUNT(*) FROM foo`
		err := QueryRow(conn, query).Scan(&count)
		if err != nil {
			return err
		}

		return nil
	})
	require.NoError(err)
	require.Equal(0, count)
}

func TestClientUpdateSchema(t *testing.T) {
	assert := assert.New(t)

	client := testClient(t)

	schema := test.RandomName("station", "")
	table := QuoteIdentifier(schema)

	dirPath := writeMigrations(t, map[string]string{
		"20190601T000000Z.sql": "CREATE TABLE " + table + " (i INT);",
		"20190602T000000Z.sql": "INSERT INTO " + table + " (i) VALUES (1);",
	})
	t.Cleanup(func() {
		client.WithConn(func(conn Conn) error {
			Exec(conn, "DELETE FROM schema_versions WHERE schema = $1", schema)
			return Exec(conn, "DROP TABLE IF EXISTS "+table)
		})
	})

	applied, err := client.UpdateSchema(schema, dirPath)
	require.NoError(t, err)
	assert.Len(applied, 2)

	applied, err = client.UpdateSchema(schema, dirPath)
	require.NoError(t, err)
	assert.Empty(applied)
}

func TestClientPoolStatsPoint(t *testing.T) {
	assert := assert.New(t)

	// The pool connects lazily, the server does not have to exist.
	client, err := NewClient(ClientCfg{
		URI:      "postgres://station@127.0.0.1:1/station",
		PoolSize: 3,
	})
	require.NoError(t, err)
	defer client.Close()

	now := time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)

	line, err := influx.FormatPoint(client.PoolStatsPoint(now))
	require.NoError(t, err)

	assert.True(strings.HasPrefix(line, "pg_clients,client=main "), line)
	assert.Contains(line, "max_nb_connections=3i")
	assert.Contains(line, "nb_acquired_connections=0i")
	assert.True(strings.HasSuffix(line,
		" "+strconv.FormatInt(now.UnixNano(), 10)+"\n"), line)
}

func TestClientCfgValidation(t *testing.T) {
	assert := assert.New(t)

	decode := func(data string) error {
		var cfg ClientCfg
		return ejson.Unmarshal([]byte(data), &cfg)
	}

	assert.NoError(decode(`{"uri": "postgres://localhost/station"}`))
	assert.NoError(decode(`{"uri": "postgres://localhost/station",` +
		` "schema_directory": "data/pg", "schema_names": ["station"]}`))

	assert.Error(decode(`{"uri": "postgres://localhost/station",` +
		` "schema_names": ["station"]}`))
	assert.Error(decode(`{"uri": "postgres://localhost/station",` +
		` "pool_size": 1}`))
}
