package pg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	dirPath := t.TempDir()

	for name, code := range files {
		filePath := filepath.Join(dirPath, name)
		require.NoError(t, os.WriteFile(filePath, []byte(code), 0644))
	}

	return dirPath
}

func TestLoadMigrations(t *testing.T) {
	assert := assert.New(t)

	dirPath := writeMigrations(t, map[string]string{
		"20190601T000000Z.sql": "CREATE TABLE a ();",
		"20180101T120000Z.sql": "CREATE TABLE b ();",
		"20200315T093000Z.sql": "CREATE TABLE c ();",
		"README.md":            "not a migration",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dirPath, "old.sql"), 0755))

	ms, err := LoadMigrations("station", dirPath)
	require.NoError(t, err)
	require.Len(t, ms, 3)

	assert.Equal("20180101T120000Z", ms[0].Version)
	assert.Equal("20190601T000000Z", ms[1].Version)
	assert.Equal("20200315T093000Z", ms[2].Version)
	assert.Equal("20200315T093000Z", ms.LastVersion())

	assert.Equal("station", ms[1].Schema)
	assert.Equal("CREATE TABLE a ();", string(ms[1].Code))
	assert.Equal("station/20190601T000000Z", ms[1].String())
}

func TestMigrationsPending(t *testing.T) {
	assert := assert.New(t)

	ms := Migrations{
		{Schema: "station", Version: "20180101T120000Z"},
		{Schema: "station", Version: "20190601T000000Z"},
		{Schema: "station", Version: "20200315T093000Z"},
	}

	pending := ms.Pending([]string{"20180101T120000Z", "20200315T093000Z"})
	require.Len(t, pending, 1)
	assert.Equal("20190601T000000Z", pending[0].Version)

	assert.Equal(ms, ms.Pending(nil))
	assert.Empty(ms.Pending([]string{
		"20180101T120000Z", "20190601T000000Z", "20200315T093000Z",
	}))
	assert.Equal("", Migrations{}.LastVersion())
}

func TestLoadMigrationsInvalid(t *testing.T) {
	dirPath := writeMigrations(t, map[string]string{
		"2019-06-01.sql": "SELECT 1;",
	})

	_, err := LoadMigrations("station", dirPath)
	assert.ErrorContains(t, err, `"2019-06-01"`)

	_, err = LoadMigrations("station", filepath.Join(dirPath, "missing"))
	assert.Error(t, err)
}

func TestValidateMigrationVersion(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(ValidateMigrationVersion("20190601T000000Z"))
	assert.Error(ValidateMigrationVersion("20190601"))
	assert.Error(ValidateMigrationVersion("20191301T000000Z"))
}
