package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordThenReadAllRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	rec, err := NewFileRecorder(path)
	require.NoError(t, err)

	require.NoError(t, rec.Record(Event{Kind: "approve", Actor: "operator", Target: "node-1"}))
	require.NoError(t, rec.Record(Event{Kind: "kick", Actor: "operator", Target: "node-2", Details: map[string]any{"reason": "abuse"}}))
	require.NoError(t, rec.Close())

	events, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "approve", events[0].Kind)
	require.Equal(t, "kick", events[1].Kind)
	require.Equal(t, "abuse", events[1].Details["reason"])
	require.False(t, events[0].Time.Before(time.Time{}))
}

func TestReadAllOnMissingFileReturnsEmpty(t *testing.T) {
	events, err := ReadAll(filepath.Join(t.TempDir(), "missing.ndjson"))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestNullRecorderDiscardsEverything(t *testing.T) {
	var r NullRecorder
	require.NoError(t, r.Record(Event{Kind: "noop"}))
	require.NoError(t, r.Close())
}
