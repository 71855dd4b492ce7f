package cursor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshnode/meshnode/internal/cursor"
)

func TestGetOnUnknownPeerReturnsZero(t *testing.T) {
	require.EqualValues(t, 0, cursor.Get(cursor.Document{}, "peer-a"))
}

func TestSetAdvancesCursor(t *testing.T) {
	doc := cursor.Set(cursor.Document{}, "peer-a", 100)
	require.EqualValues(t, 100, cursor.Get(doc, "peer-a"))
}

func TestSetIsMonotonic(t *testing.T) {
	doc := cursor.Set(cursor.Document{}, "peer-a", 100)
	doc = cursor.Set(doc, "peer-a", 50)
	require.EqualValues(t, 100, cursor.Get(doc, "peer-a"), "an older timestamp must not regress the cursor")

	doc = cursor.Set(doc, "peer-a", 150)
	require.EqualValues(t, 150, cursor.Get(doc, "peer-a"))
}

func TestSetDoesNotMutateInputDocument(t *testing.T) {
	original := cursor.Document{"peer-a": {LastSyncTime: 10}}
	cursor.Set(original, "peer-a", 999)

	require.EqualValues(t, 10, cursor.Get(original, "peer-a"), "input document must not be mutated")
}

func TestSetTracksMultiplePeersIndependently(t *testing.T) {
	doc := cursor.Set(cursor.Document{}, "peer-a", 100)
	doc = cursor.Set(doc, "peer-b", 200)

	require.EqualValues(t, 100, cursor.Get(doc, "peer-a"))
	require.EqualValues(t, 200, cursor.Get(doc, "peer-b"))
}
