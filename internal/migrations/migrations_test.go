package migrations

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedFilesAreOrdered(t *testing.T) {
	names, err := fileNames()
	require.NoError(t, err)
	require.Equal(t, []string{
		"0001_leases.sql",
		"0002_schedule_entries.sql",
		"0003_payments.sql",
		"0004_wallets.sql",
		"0005_audit_events.sql",
		"0006_poll_rotation.sql",
	}, names)
}
