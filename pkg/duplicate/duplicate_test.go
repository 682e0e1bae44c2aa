package duplicate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/title-protocol/tee-worker/pkg/types"
)

func ptr(v int64) *int64     { return &v }
func sptr(v string) *string { return &v }

func TestResolve_DropsBurnedRecords(t *testing.T) {
	records := []types.TokenRecord{
		{Id: "a", LedgerBlockTime: 1, IsBurned: true},
		{Id: "b", LedgerBlockTime: 2, IsBurned: false},
	}
	winner, ok := Resolve(records, nil)
	require.True(t, ok)
	require.Equal(t, "b", winner.Id)
}

func TestResolve_NoSurvivorsIsNoWinner(t *testing.T) {
	records := []types.TokenRecord{
		{Id: "a", LedgerBlockTime: 1, IsBurned: true},
	}
	_, ok := Resolve(records, nil)
	require.False(t, ok)
}

func TestResolve_MinimumEffectiveCreationTimeWins(t *testing.T) {
	records := []types.TokenRecord{
		{Id: "earlier", LedgerBlockTime: 100},
		{Id: "later", LedgerBlockTime: 50},
	}
	// Neither has TSA evidence, so ledger block time is the effective
	// creation time: "earlier" (block time 100) is NOT actually
	// earlier — "later" (block time 50) is the true minimum and wins.
	winner, ok := Resolve(records, nil)
	require.True(t, ok)
	require.Equal(t, "later", winner.Id)
}

func TestResolve_TrustedTSABeatsLedgerTime(t *testing.T) {
	trusted := map[string]struct{}{"tsa-a": {}}
	records := []types.TokenRecord{
		{Id: "tsa-backed", LedgerBlockTime: 1000, TSATimestamp: ptr(10), TSAPubkeyHash: sptr("tsa-a")},
		{Id: "ledger-only", LedgerBlockTime: 500},
	}
	winner, ok := Resolve(records, trusted)
	require.True(t, ok)
	require.Equal(t, "tsa-backed", winner.Id)
}

func TestResolve_UntrustedTSAFallsBackToLedgerTime(t *testing.T) {
	trusted := map[string]struct{}{"tsa-a": {}}
	records := []types.TokenRecord{
		{Id: "untrusted-tsa", LedgerBlockTime: 1000, TSATimestamp: ptr(10), TSAPubkeyHash: sptr("tsa-b")},
		{Id: "ledger-only", LedgerBlockTime: 500},
	}
	winner, ok := Resolve(records, trusted)
	require.True(t, ok)
	require.Equal(t, "ledger-only", winner.Id)
}

func TestResolve_EmptyTrustSetTrustsAllTSAs(t *testing.T) {
	records := []types.TokenRecord{
		{Id: "tsa-backed", LedgerBlockTime: 1000, TSATimestamp: ptr(10), TSAPubkeyHash: sptr("anything")},
		{Id: "ledger-only", LedgerBlockTime: 500},
	}
	winner, ok := Resolve(records, nil)
	require.True(t, ok)
	require.Equal(t, "tsa-backed", winner.Id)
}

func TestResolve_TiesBreakByLedgerBlockTime(t *testing.T) {
	records := []types.TokenRecord{
		{Id: "first", LedgerBlockTime: 5, TSATimestamp: ptr(100), TSAPubkeyHash: sptr("tsa-a")},
		{Id: "second", LedgerBlockTime: 1, TSATimestamp: ptr(100), TSAPubkeyHash: sptr("tsa-a")},
	}
	winner, ok := Resolve(records, nil)
	require.True(t, ok)
	require.Equal(t, "second", winner.Id)
}
