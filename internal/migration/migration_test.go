package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(embeddedMigrations, down)
		assert.NoError(t, err, "missing down migration for %s", up)
	}
}

func TestLedgerMigrationGuardsBalanceAndJournal(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, "migrations/000002_subscriptions_ledgers.up.sql")
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, "CHECK (current_balance >= 0)")
	assert.Contains(t, body, "ux_credit_ledgers_subscriber")
	assert.Contains(t, body, "ON credit_transactions (subscriber_id, source_type, source_id)")
}
