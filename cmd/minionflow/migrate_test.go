package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/minionflow/internal/migration"
)

func sqliteFlags(t *testing.T) []string {
	t.Helper()
	return []string{"--db-type", "sqlite", "--db-url", "file:" + filepath.Join(t.TempDir(), "ledger.db")}
}

func TestMigrateCommand_Usage(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer

	err := migrateCommand(ctx, "sideways", nil, &out)
	assert.ErrorIs(t, err, errUsage)

	err = migrateCommand(ctx, "goto", nil, &out)
	assert.ErrorIs(t, err, errUsage)

	err = migrateCommand(ctx, "up", []string{"--bogus"}, &out)
	assert.ErrorIs(t, err, errUsage)

	err = migrateCommand(ctx, "up", []string{"--db-type", "oracle", "--db-url", "x"}, &out)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errUsage)
}

func TestMigrateCommand_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("sqlite integration")
	}
	ctx := context.Background()
	flags := sqliteFlags(t)
	var out bytes.Buffer

	require.NoError(t, migrateCommand(ctx, "version", flags, &out))
	assert.Equal(t, "no migrations applied\n", out.String())

	out.Reset()
	require.NoError(t, migrateCommand(ctx, "up", flags, &out))
	assert.Contains(t, out.String(), "up: ledger schema at version 1/1")

	out.Reset()
	require.NoError(t, migrateCommand(ctx, "status", flags, &out))
	assert.Contains(t, out.String(), "1 applied, 0 pending")

	out.Reset()
	err := migrateCommand(ctx, "goto", append([]string{"x"}, flags...), &out)
	assert.ErrorIs(t, err, errUsage)

	out.Reset()
	require.NoError(t, migrateCommand(ctx, "down", flags, &out))
	assert.Contains(t, out.String(), "down: ledger schema at version 0/1")

	out.Reset()
	require.NoError(t, migrateCommand(ctx, "goto", append([]string{"1"}, flags...), &out))
	assert.Contains(t, out.String(), "goto: ledger schema at version 1/1")

	out.Reset()
	require.NoError(t, migrateCommand(ctx, "force", append([]string{"1"}, flags...), &out))
	assert.Equal(t, "force: version set to 1\n", out.String())
}

func TestMigrationConfig_CustomTable(t *testing.T) {
	cfg, err := migrationConfig("up", []string{"--db-type", "sqlite3", "--db-url", "file:x.db", "--table", "ledger_versions"})
	require.NoError(t, err)
	assert.Equal(t, migration.DatabaseTypeSQLite, cfg.DatabaseType)
	assert.Equal(t, "ledger_versions", cfg.TableName)
}
