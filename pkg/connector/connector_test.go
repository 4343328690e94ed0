package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trailproof/core/pkg/contracts"
)

func testRecords(n int) []RawRecord {
	out := make([]RawRecord, 0, n)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out = append(out, RawRecord{
			SourceSystem:   contracts.SourceGitHub,
			SourceObjectID: string(rune('a' + i)),
			ArtifactType:   contracts.ArtifactPullRequest,
			PeriodStart:    base,
			PeriodEnd:      base,
		})
	}
	return out
}

func TestStaticConnectorPagesThroughRecords(t *testing.T) {
	conn := NewStaticConnector(contracts.SourceGitHub, testRecords(5), 2)
	ctx := context.Background()

	var seen []RawRecord
	cursor := ""
	pages := 0
	for {
		batch, next, err := conn.Fetch(ctx, "org-1", nil, cursor)
		require.NoError(t, err)
		seen = append(seen, batch...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	require.Len(t, seen, 5)
	require.Equal(t, 3, pages)
	require.Equal(t, "a", seen[0].SourceObjectID)
	require.Equal(t, "e", seen[4].SourceObjectID)
}

func TestStaticConnectorCursorIsReplayable(t *testing.T) {
	conn := NewStaticConnector(contracts.SourceGitHub, testRecords(4), 2)
	ctx := context.Background()

	first, next, err := conn.Fetch(ctx, "org-1", nil, "2")
	require.NoError(t, err)
	again, _, err := conn.Fetch(ctx, "org-1", nil, "2")
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Empty(t, next, "last page returns no cursor")
}

func TestStaticConnectorBadCursor(t *testing.T) {
	conn := NewStaticConnector(contracts.SourceGitHub, testRecords(2), 2)
	_, _, err := conn.Fetch(context.Background(), "org-1", nil, "not-a-number")
	var vErr *contracts.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestStaticConnectorExhaustedCursor(t *testing.T) {
	conn := NewStaticConnector(contracts.SourceGitHub, testRecords(2), 2)
	batch, next, err := conn.Fetch(context.Background(), "org-1", nil, "2")
	require.NoError(t, err)
	require.Empty(t, batch)
	require.Empty(t, next)
}

func TestRegistryReplaceAndLookup(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Lookup(contracts.SourceGitHub)
	require.ErrorIs(t, err, contracts.ErrNotFound)

	first := NewStaticConnector(contracts.SourceGitHub, testRecords(1), 1)
	second := NewStaticConnector(contracts.SourceGitHub, testRecords(2), 1)
	reg.Register(first)
	reg.Register(second)

	got, err := reg.Lookup(contracts.SourceGitHub)
	require.NoError(t, err)
	require.Same(t, second, got, "re-registering a system replaces the connector")
}
