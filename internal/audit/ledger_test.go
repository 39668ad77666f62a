package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authdesk/internal/docstore"
	"authdesk/internal/models"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := docstore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	return New(store, Options{})
}

func TestAppendCarriesClientMetadata(t *testing.T) {
	l := newLedger(t)
	ctx := WithClient(context.Background(), "10.0.0.7", "curl/8")

	e, err := l.Append(ctx, ActionLoginSuccess, "alice", map[string]any{"role": "user"})
	require.NoError(t, err)
	require.EqualValues(t, 1, e.ID)
	require.Equal(t, "10.0.0.7", e.IPAddress)
	require.Equal(t, "curl/8", e.UserAgent)
	require.Equal(t, "user", e.Details["role"])
}

func TestAppendDoesNotAliasDetails(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	details := map[string]any{"k": "v"}
	_, err := l.Append(ctx, ActionProfileUpdated, "alice", details)
	require.NoError(t, err)
	details["k"] = "changed"

	got, err := l.Query(ctx, models.AuditQuery{})
	require.NoError(t, err)
	require.Equal(t, "v", got[0].Details["k"])
}

func TestConcurrentAppendsHaveUniqueIncreasingIDs(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, ActionLoginSuccess, fmt.Sprintf("u%d", i), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := l.Query(ctx, models.AuditQuery{Limit: n})
	require.NoError(t, err)
	require.Len(t, got, n)
	ids := make([]int64, 0, n)
	for i, e := range got {
		ids = append(ids, e.ID)
		if i > 0 {
			require.Greater(t, e.ID, got[i-1].ID)
		}
	}
	require.True(t, sort.SliceIsSorted(ids, func(a, b int) bool { return ids[a] < ids[b] }))
	require.EqualValues(t, n, ids[n-1])
}

func TestQueryReturnsLastNOldestFirst(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		_, err := l.Append(ctx, ActionProfileUpdated, user, map[string]any{"n": i})
		require.NoError(t, err)
	}

	got, err := l.Query(ctx, models.AuditQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.EqualValues(t, 4, got[0].ID)
	require.EqualValues(t, 5, got[1].ID)

	got, err = l.Query(ctx, models.AuditQuery{Username: "alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.EqualValues(t, 3, got[0].ID)
	require.EqualValues(t, 5, got[1].ID)

	got, err = l.Query(ctx, models.AuditQuery{Limit: -1})
	require.NoError(t, err)
	require.Len(t, got, 5)

	count, err := l.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, count)
}

func TestQueryFiltersByAction(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	_, _ = l.Append(ctx, ActionLoginFailed, "alice", nil)
	_, _ = l.Append(ctx, ActionLoginSuccess, "alice", nil)

	got, err := l.Query(ctx, models.AuditQuery{Action: ActionLoginFailed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ActionLoginFailed, got[0].Action)
}
