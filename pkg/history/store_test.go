package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		BackendJSONL: func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		BackendSQLite: func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "history.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			fn(t, store)
		})
	}
}

func TestStore_AppendAssignsIncreasingSeq(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		first, err := store.Append(ctx, "U1", NewTextTurn(RoleUser, "hello"))
		require.NoError(t, err)
		second, err := store.Append(ctx, "U1", NewTextTurn(RoleModel, "hi"))
		require.NoError(t, err)
		other, err := store.Append(ctx, "U2", NewTextTurn(RoleUser, "hey"))
		require.NoError(t, err)

		assert.Equal(t, int64(1), first.Seq)
		assert.Equal(t, int64(2), second.Seq)
		assert.Equal(t, int64(1), other.Seq)
		assert.NotEmpty(t, first.ID)
		assert.NotEqual(t, first.ID, second.ID)
		assert.False(t, first.Timestamp.IsZero())
	})
}

func TestStore_AppendRejectsInvalidInput(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.Append(ctx, "", NewTextTurn(RoleUser, "hello"))
		assert.ErrorIs(t, err, ErrInvalidUserID)

		_, err = store.Append(ctx, "U1", Turn{Role: "system", Parts: []Part{{Text: "x"}}})
		assert.ErrorIs(t, err, ErrInvalidTurn)

		_, err = store.Append(ctx, "U1", Turn{Role: RoleUser})
		assert.ErrorIs(t, err, ErrInvalidTurn)
	})
}

func TestStore_LoadRecentUnknownUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		turns, err := store.LoadRecent(context.Background(), "nobody", 5, 50)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})
}

func TestStore_LoadRecentPreservesPartsAndOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.Append(ctx, "U1", NewTextTurn(RoleUser, "remove my shift on 2025-07-01"))
		require.NoError(t, err)
		_, err = store.Append(ctx, "U1", Turn{Role: RoleModel, Parts: []Part{{
			Call: &ToolCall{ID: "c1", Name: "editShiftData", Args: map[string]interface{}{"date": "2025-07-01", "action": "remove"}},
		}}})
		require.NoError(t, err)
		_, err = store.Append(ctx, "U1", Turn{Role: RoleTool, Parts: []Part{{
			Result: &ToolResult{ID: "c1", Name: "editShiftData", Output: "removed"},
		}}})
		require.NoError(t, err)
		_, err = store.Append(ctx, "U1", NewTextTurn(RoleModel, "Done, it's removed."))
		require.NoError(t, err)

		turns, err := store.LoadRecent(ctx, "U1", 5, 50)
		require.NoError(t, err)
		require.Len(t, turns, 4)

		assert.Equal(t, []int64{1, 2, 3, 4}, seqs(turns))
		assert.Equal(t, []Role{RoleUser, RoleModel, RoleTool, RoleModel}, roles(turns))

		call := turns[1].Calls()
		require.Len(t, call, 1)
		assert.Equal(t, "editShiftData", call[0].Name)
		assert.Equal(t, "2025-07-01", call[0].Args["date"])

		results := turns[2].Results()
		require.Len(t, results, 1)
		assert.Equal(t, "removed", results[0].Output)
		assert.Equal(t, "Done, it's removed.", turns[3].Text())
	})
}

func TestStore_LoadRecentRespectsLimits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		for i := 0; i < 8; i++ {
			_, err := store.Append(ctx, "U1", NewTextTurn(RoleUser, fmt.Sprintf("q%d", i)))
			require.NoError(t, err)
			_, err = store.Append(ctx, "U1", NewTextTurn(RoleModel, fmt.Sprintf("a%d", i)))
			require.NoError(t, err)
		}

		t.Run("should stop at user turn limit", func(t *testing.T) {
			turns, err := store.LoadRecent(ctx, "U1", 3, 50)
			require.NoError(t, err)
			assert.Equal(t, []int64{11, 12, 13, 14, 15, 16}, seqs(turns))
		})

		t.Run("should stop at fetch cap and start at a user turn", func(t *testing.T) {
			turns, err := store.LoadRecent(ctx, "U1", 5, 5)
			require.NoError(t, err)
			assert.Equal(t, []int64{13, 14, 15, 16}, seqs(turns))
		})

		t.Run("should apply defaults for non-positive limits", func(t *testing.T) {
			turns, err := store.LoadRecent(ctx, "U1", 0, 0)
			require.NoError(t, err)
			assert.Len(t, turns, 2*DefaultUserTurnLimit)
		})
	})
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.Append(ctx, "U1", NewTextTurn(RoleUser, "hello"))
		require.NoError(t, err)

		require.NoError(t, store.Clear(ctx, "U1"))
		require.NoError(t, store.Clear(ctx, "U1"))
		require.NoError(t, store.Clear(ctx, "never-seen"))

		turns, err := store.LoadRecent(ctx, "U1", 5, 50)
		require.NoError(t, err)
		assert.Empty(t, turns)

		again, err := store.Append(ctx, "U1", NewTextTurn(RoleUser, "fresh start"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), again.Seq)
	})
}

func TestStore_ConcurrentAppendsPerUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const writers = 4
		const perWriter = 10

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				userID := fmt.Sprintf("U%d", w%2)
				for i := 0; i < perWriter; i++ {
					_, err := store.Append(ctx, userID, NewTextTurn(RoleUser, "msg"))
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		for _, userID := range []string{"U0", "U1"} {
			turns, err := store.LoadRecent(ctx, userID, 100, 100)
			require.NoError(t, err)
			require.Len(t, turns, 2*perWriter)
			for i, turn := range turns {
				assert.Equal(t, int64(i+1), turn.Seq)
			}
		}
	})
}

func TestFileStore_SkipsCorruptLinesAndResumesSeq(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = store.Append(ctx, "U1", NewTextTurn(RoleUser, "hello"))
	require.NoError(t, err)
	_, err = store.Append(ctx, "U1", NewTextTurn(RoleModel, "hi"))
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(dir, "U1.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)

	turn, err := reopened.Append(ctx, "U1", NewTextTurn(RoleUser, "again"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), turn.Seq)

	turns, err := reopened.LoadRecent(ctx, "U1", 5, 50)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seqs(turns))

	users, err := reopened.Users()
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, users)
}

func TestFileStore_DropsPartialRecordBeforeAppending(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = store.Append(ctx, "U1", NewTextTurn(RoleUser, "hello"))
	require.NoError(t, err)

	// An interrupted write leaves a record without its newline.
	f, err := os.OpenFile(filepath.Join(dir, "U1.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"x","seq":2,"role":"mod`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)

	turn, err := reopened.Append(ctx, "U1", NewTextTurn(RoleUser, "after restart"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), turn.Seq)

	turns, err := reopened.LoadRecent(ctx, "U1", 5, 50)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, []int64{1, 2}, seqs(turns))
	assert.Equal(t, "after restart", turns[1].Text())

	data, err := os.ReadFile(filepath.Join(dir, "U1.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"role":"mod`)
}

func TestFileStore_FailedSyncDoesNotReuseSeq(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = store.Append(ctx, "U1", NewTextTurn(RoleUser, "hello"))
	require.NoError(t, err)

	orig := syncFile
	syncFile = func(*os.File) error { return fmt.Errorf("disk full") }
	_, err = store.Append(ctx, "U1", NewTextTurn(RoleModel, "lost"))
	syncFile = orig
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	turn, err := store.Append(ctx, "U1", NewTextTurn(RoleModel, "kept"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), turn.Seq)

	turns, err := store.LoadRecent(ctx, "U1", 5, 50)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seqs(turns))
	assert.Equal(t, "kept", turns[1].Text())
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	jsonl, err := Open(context.Background(), "", dir, "")
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, jsonl)

	sqlite, err := Open(context.Background(), BackendSQLite, dir, "")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, sqlite)
	require.NoError(t, sqlite.Close())

	_, err = Open(context.Background(), "redis", dir, "")
	assert.Error(t, err)
}
