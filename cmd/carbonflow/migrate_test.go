package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateCommand(t *testing.T) {
	url := "file:" + filepath.Join(t.TempDir(), "migrate.db") + "?mode=rwc"
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, migrateCommand(ctx, []string{"up", "--db-type", "sqlite", "--db-url", url}, &out))
	assert.Contains(t, out.String(), "Migrations complete. Current version: 2")

	out.Reset()
	require.NoError(t, migrateCommand(ctx, []string{"status", "--db-type", "sqlite", "--db-url", url}, &out))
	assert.Contains(t, out.String(), "create_records")
	assert.Contains(t, out.String(), "Pending: 0")

	out.Reset()
	require.NoError(t, migrateCommand(ctx, []string{"steps", "--db-type", "sqlite", "--db-url", url, "--", "-1"}, &out))
	assert.Contains(t, out.String(), "Current version: 1")
}

func TestMigrateCommand_Usage(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, migrateCommand(context.Background(), nil, &out))
	assert.Contains(t, out.String(), "carbonflow migrate <subcommand>")

	out.Reset()
	assert.NoError(t, migrateCommand(context.Background(), []string{"help"}, &out))

	out.Reset()
	err := migrateCommand(context.Background(), []string{"sideways"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migrate subcommand")
}
