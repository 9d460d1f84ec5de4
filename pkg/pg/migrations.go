package pg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Migration files are named after the UTC time they were written at, e.g.
// "20190601T000000Z.sql".
const MigrationVersionLayout = "20060102T150405Z"

type Migration struct {
	Schema  string
	Version string
	Code    []byte
}

type Migrations []*Migration

func (m *Migration) String() string {
	return m.Schema + "/" + m.Version
}

func LoadMigration(schema, filePath string) (*Migration, error) {
	fileName := filepath.Base(filePath)
	version := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	if err := ValidateMigrationVersion(version); err != nil {
		return nil, err
	}

	code, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", filePath, err)
	}

	m := Migration{
		Schema:  schema,
		Version: version,
		Code:    code,
	}

	return &m, nil
}

func (m *Migration) Apply(conn Conn) error {
	if err := Exec(conn, string(m.Code)); err != nil {
		return fmt.Errorf("cannot execute migration %v: %w", m, err)
	}

	query := `
INSERT INTO schema_versions (schema, version)
  VALUES ($1, $2);
`
	if err := Exec(conn, query, m.Schema, m.Version); err != nil {
		return fmt.Errorf("cannot record version of migration %v: %w", m, err)
	}

	return nil
}

// LoadMigrations reads all SQL files of a schema directory and returns them
// ordered by version.
func LoadMigrations(schema, dirPath string) (Migrations, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory %q: %w", dirPath, err)
	}

	var ms Migrations

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}

		filePath := filepath.Join(dirPath, e.Name())

		m, err := LoadMigration(schema, filePath)
		if err != nil {
			return nil, fmt.Errorf("cannot load migration from %q: %w",
				filePath, err)
		}

		ms = append(ms, m)
	}

	sort.Slice(ms, func(i, j int) bool {
		return ms[i].Version < ms[j].Version
	})

	return ms, nil
}

// Pending returns the migrations whose version has not been applied yet,
// preserving their order.
func (ms Migrations) Pending(appliedVersions []string) Migrations {
	applied := make(map[string]struct{}, len(appliedVersions))
	for _, version := range appliedVersions {
		applied[version] = struct{}{}
	}

	var pending Migrations
	for _, m := range ms {
		if _, found := applied[m.Version]; !found {
			pending = append(pending, m)
		}
	}

	return pending
}

func (ms Migrations) LastVersion() string {
	if len(ms) == 0 {
		return ""
	}

	return ms[len(ms)-1].Version
}

func ValidateMigrationVersion(version string) error {
	if _, err := time.Parse(MigrationVersionLayout, version); err != nil {
		return fmt.Errorf("invalid migration version %q: expected format %q",
			version, MigrationVersionLayout)
	}

	return nil
}
