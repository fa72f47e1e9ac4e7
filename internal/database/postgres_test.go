package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "migrations/000001_init.up.sql", names[0])

	body, err := migrationFiles.ReadFile(names[0])
	require.NoError(t, err)

	schema := string(body)
	for _, table := range []string{"users", "friend_requests", "barters", "chats", "messages", "credit_ledger", "webhook_events"} {
		assert.True(t, strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" "), "missing table %s", table)
	}
	assert.Contains(t, schema, "idempotency_key TEXT UNIQUE")
	assert.Contains(t, schema, "CHECK (credits >= 0)")
}

func TestEveryUpMigrationHasDown(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)

	for _, up := range names {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := migrationFiles.ReadFile(down)
		assert.NoError(t, err, "missing %s", down)
	}
}
