package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtestrunner/devserver/internal/session"
)

func newStore(t *testing.T, keep int) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "history-test.db"), keep, nil)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

func finished(id string, run int, result string) *session.Session {
	s := &session.Session{ID: id, TestFile: "/abs/" + id + ".test.js", Browser: "chromium", TestRun: run, Status: session.Finished}
	if result != "" {
		var payload map[string]json.RawMessage
		if err := json.Unmarshal([]byte(result), &payload); err != nil {
			panic(err)
		}
		s.MergeResult(payload)
	}
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	ctx := context.Background()

	first, err := Open(ctx, path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestRecordAndList(t *testing.T) {
	store, ctx := newStore(t, 0)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.Record(ctx, finished("a", 1, `{"passed": true}`), base))
	withErrors := finished("b", 1, `{"passed": false, "errors": [{"message": "boom"}]}`)
	withErrors.Request404s = []string{"/missing.js"}
	require.NoError(t, store.Record(ctx, withErrors, base.Add(time.Second)))
	require.NoError(t, store.Record(ctx, finished("c", 1, ""), base.Add(2*time.Second)))

	entries, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "c", entries[0].SessionID, "newest first")
	assert.Nil(t, entries[0].Passed)
	assert.Equal(t, []string{}, entries[0].Request404s)

	b := entries[1]
	require.NotNil(t, b.Passed)
	assert.False(t, *b.Passed)
	assert.Equal(t, 1, b.ErrorCount)
	assert.Equal(t, []string{"/missing.js"}, b.Request404s)
	assert.Equal(t, base.Add(time.Second), b.FinishedAt)
	assert.JSONEq(t, `{"passed": false, "errors": [{"message": "boom"}]}`, string(b.Result))

	require.NotNil(t, entries[2].Passed)
	assert.True(t, *entries[2].Passed)
}

func TestRecordReplacesSameRun(t *testing.T) {
	store, ctx := newStore(t, 0)
	now := time.Now()

	require.NoError(t, store.Record(ctx, finished("a", 1, `{"passed": false}`), now))
	require.NoError(t, store.Record(ctx, finished("a", 1, `{"passed": true}`), now.Add(time.Millisecond)))
	require.NoError(t, store.Record(ctx, finished("a", 2, `{"passed": true}`), now.Add(2*time.Millisecond)))

	entries, err := store.List(ctx, Query{SessionID: "a"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[0].TestRun)
	assert.True(t, *entries[1].Passed)
}

func TestListLimitAndFilter(t *testing.T) {
	store, ctx := newStore(t, 0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, finished("a", i+1, ""), now.Add(time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, store.Record(ctx, finished("b", 1, ""), now))

	entries, err := store.List(ctx, Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 5, entries[0].TestRun)

	entries, err = store.List(ctx, Query{SessionID: "b"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = store.List(ctx, Query{SessionID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPruneKeepsNewest(t *testing.T) {
	store, ctx := newStore(t, 3)
	now := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, store.Record(ctx, finished("a", i+1, ""), now.Add(time.Duration(i)*time.Millisecond)))
	}

	entries, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int{6, 5, 4}, []int{entries[0].TestRun, entries[1].TestRun, entries[2].TestRun})
}

func TestFollowRecordsFinishedTransitions(t *testing.T) {
	store, ctx := newStore(t, 0)
	registry := session.NewStore()
	events, cancel := registry.Subscribe(16)

	done := make(chan struct{})
	go func() {
		store.Follow(ctx, events)
		close(done)
	}()

	s := &session.Session{ID: "s1", TestFile: "a.test.js", TestRun: 1}
	registry.Update(s)
	registry.UpdateStatus(s, session.Started)
	s.MergeResult(map[string]json.RawMessage{"passed": json.RawMessage("true")})
	registry.UpdateStatus(s, session.Finished)
	registry.Update(&session.Session{ID: "s2", Status: session.Finished})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after the channel closed")
	}

	entries, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1, "only status transitions into FINISHED are recorded")
	assert.Equal(t, "s1", entries[0].SessionID)
}

func TestHandler(t *testing.T) {
	store, ctx := newStore(t, 0)
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, finished("a", i+1, `{"passed": true}`), now.Add(time.Duration(i)*time.Millisecond)))
	}
	h := store.Handler(2)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=0", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 3, "limit=0 lists everything")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/history", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
