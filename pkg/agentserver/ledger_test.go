package agentserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedger_SeenAndMark(t *testing.T) {
	ledger, err := OpenLedger(t.TempDir())
	require.NoError(t, err)
	defer ledger.Close()

	seen, err := ledger.Seen("evt-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, ledger.Mark("evt-1", "idem-1"))

	seen, err = ledger.Seen("evt-1")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = ledger.Seen("evt-2")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestLedger_ReopenPersists(t *testing.T) {
	dir := t.TempDir()

	ledger, err := OpenLedger(dir)
	require.NoError(t, err)
	require.NoError(t, ledger.Mark("evt-1", "idem-1"))
	require.NoError(t, ledger.Close())

	reopened, err := OpenLedger(dir)
	require.NoError(t, err)
	defer reopened.Close()

	seen, err := reopened.Seen("evt-1")
	require.NoError(t, err)
	require.True(t, seen)
}
