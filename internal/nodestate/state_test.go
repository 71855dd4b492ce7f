package nodestate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeKeepsGreaterLastSeen(t *testing.T) {
	local := Document{"n1": {Status: StatusOffline, LastSeen: 10}}
	remote := Document{"n1": {Status: StatusOnline, LastSeen: 20}}

	merged := Merge(local, remote)
	require.Equal(t, StatusOnline, merged["n1"].Status)
	require.Equal(t, int64(20), merged["n1"].LastSeen)
}

func TestMergeIgnoresStaleRemote(t *testing.T) {
	local := Document{"n1": {Status: StatusOnline, LastSeen: 20}}
	remote := Document{"n1": {Status: StatusOffline, LastSeen: 5}}

	merged := Merge(local, remote)
	require.Equal(t, StatusOnline, merged["n1"].Status)
}

func TestMergeIsIdempotent(t *testing.T) {
	doc := Document{"n1": {Status: StatusOnline, LastSeen: 20}}
	require.Equal(t, doc, Merge(doc, doc))
}

func TestDeltaFiltersBySince(t *testing.T) {
	doc := Document{
		"old": {LastSeen: 5},
		"new": {LastSeen: 50},
	}
	delta := Delta(doc, 10)
	require.Len(t, delta, 1)
	_, ok := delta["new"]
	require.True(t, ok)
}

func TestCounterMonotonic(t *testing.T) {
	var c Counter
	require.Equal(t, uint64(1), c.Next())
	require.Equal(t, uint64(2), c.Next())
	require.Equal(t, uint64(3), c.Next())
}
