package shifttools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/shiftdesk/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.messages = append(b.messages, message)
	return nil
}

type fixture struct {
	store    *MemoryStore
	registry *toolexecutor.Registry
	bc       *fakeBroadcaster
}

func newFixture(t *testing.T, withBroadcaster bool) *fixture {
	t.Helper()
	seed, err := LoadSeed(filepath.Join("testdata", "seed.yaml"))
	require.NoError(t, err)

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	f := &fixture{
		store:    NewMemoryStore(seed),
		registry: toolexecutor.NewRegistry(),
		bc:       &fakeBroadcaster{},
	}
	opts := Options{
		Store:    f.store,
		Location: tokyo,
		Now:      func() time.Time { return time.Date(2025, 6, 30, 16, 30, 0, 0, time.UTC) },
	}
	if withBroadcaster {
		opts.Broadcaster = f.bc
	}
	require.NoError(t, Register(f.registry, opts))
	return f
}

func (f *fixture) call(t *testing.T, name string, args map[string]interface{}) string {
	t.Helper()
	require.NoError(t, f.registry.Validate(name, args), "arguments must match the declaration")
	handler, ok := f.registry.HandlerFor(name)
	require.True(t, ok, name)
	out, err := handler(context.Background(), args)
	require.NoError(t, err)
	s, ok := out.(string)
	require.True(t, ok)
	return s
}

func TestRegister(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, []string{
		ToolGetCurrentDate,
		ToolGetShiftData,
		ToolGetRuleData,
		ToolEditShiftData,
		ToolShiftCallOut,
		ToolGetLatestCallOut,
	}, f.registry.Names())

	err := Register(f.registry, Options{Store: f.store})
	assert.ErrorIs(t, err, toolexecutor.ErrDuplicateTool)

	assert.Error(t, Register(nil, Options{Store: f.store}))
	assert.Error(t, Register(toolexecutor.NewRegistry(), Options{}))
}

func TestGetCurrentDate(t *testing.T) {
	f := newFixture(t, false)
	out := f.call(t, ToolGetCurrentDate, map[string]interface{}{})
	assert.Equal(t, "Current time (Asia/Tokyo): 2025-07-01 01:30 (Tuesday)", out)
}

func TestGetShiftData(t *testing.T) {
	f := newFixture(t, false)

	t.Run("should list members with times", func(t *testing.T) {
		out := f.call(t, ToolGetShiftData, map[string]interface{}{"date": "2025-07-01"})
		assert.Equal(t, "Shifts on 2025-07-01: Aiko: 09:00-17:00, Ben: 12:00-20:00 (2 in total)", out)
	})

	t.Run("should report an empty day as understaffed", func(t *testing.T) {
		out := f.call(t, ToolGetShiftData, map[string]interface{}{"date": "2025-07-02"})
		assert.Equal(t, "Nobody is working on 2025-07-02 yet (understaffed).", out)
	})

	t.Run("should describe an invalid date", func(t *testing.T) {
		out := f.call(t, ToolGetShiftData, map[string]interface{}{"date": "July 1st"})
		assert.Contains(t, out, "invalid date")
	})

	t.Run("should report a missing schedule", func(t *testing.T) {
		unpublished := newFixture(t, false)
		unpublished.store.published = false
		out := unpublished.call(t, ToolGetShiftData, map[string]interface{}{"date": "2025-07-01"})
		assert.Equal(t, "Error: no schedule has been published.", out)
	})
}

func TestGetRuleData(t *testing.T) {
	f := newFixture(t, false)
	out := f.call(t, ToolGetRuleData, map[string]interface{}{})
	assert.Equal(t, "Shift rules:\n- minimum staff: at least 2 people per day\n- maximum hours: no more than 8 hours per shift\n", out)

	empty := NewMemoryStore(Seed{Published: true})
	reg := toolexecutor.NewRegistry()
	require.NoError(t, Register(reg, Options{Store: empty}))
	handler, _ := reg.HandlerFor(ToolGetRuleData)
	res, err := handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Error: no shift rules found.", res)
}

func TestEditShiftData(t *testing.T) {
	t.Run("should remove a member's shift", func(t *testing.T) {
		f := newFixture(t, false)
		out := f.call(t, ToolEditShiftData, map[string]interface{}{
			"date": "2025-07-01", "action": "remove", "userId": "U1",
		})
		assert.Equal(t, "Removed Aiko's shift on 2025-07-01 (09:00-17:00). 1 people remain.", out)

		day, err := f.store.Day(context.Background(), "2025-07-01")
		require.NoError(t, err)
		require.Len(t, day, 1)
		assert.Equal(t, "U2", day[0].UserID)
	})

	t.Run("should drop a day that becomes empty", func(t *testing.T) {
		f := newFixture(t, false)
		f.call(t, ToolEditShiftData, map[string]interface{}{"date": "2025-07-01", "action": "remove", "userId": "U1"})
		out := f.call(t, ToolEditShiftData, map[string]interface{}{"date": "2025-07-01", "action": "remove", "userId": "U2"})
		assert.Contains(t, out, "The day is now unstaffed.")
		assert.NotContains(t, f.store.Dates(), "2025-07-01")
	})

	t.Run("should refuse to remove a member who is not scheduled", func(t *testing.T) {
		f := newFixture(t, false)
		out := f.call(t, ToolEditShiftData, map[string]interface{}{"date": "2025-07-01", "action": "remove", "userId": "U3"})
		assert.Equal(t, "Chiara is not on the 2025-07-01 shift.", out)
	})

	t.Run("should add a member's shift", func(t *testing.T) {
		f := newFixture(t, false)
		out := f.call(t, ToolEditShiftData, map[string]interface{}{
			"date": "2025-07-05", "action": "add", "userId": "U3", "startTime": "10:00", "endTime": "18:00",
		})
		assert.Equal(t, "Added Chiara's shift on 2025-07-05 (10:00-18:00). 1 people are now scheduled.", out)
		assert.Contains(t, f.store.Dates(), "2025-07-05")
	})

	t.Run("should refuse a duplicate add", func(t *testing.T) {
		f := newFixture(t, false)
		out := f.call(t, ToolEditShiftData, map[string]interface{}{
			"date": "2025-07-01", "action": "add", "userId": "U2", "startTime": "10:00", "endTime": "18:00",
		})
		assert.Equal(t, "Ben is already on the 2025-07-01 shift (12:00-20:00).", out)
	})

	t.Run("should require times to add", func(t *testing.T) {
		f := newFixture(t, false)
		out := f.call(t, ToolEditShiftData, map[string]interface{}{"date": "2025-07-01", "action": "add", "userId": "U3"})
		assert.Equal(t, "Start and end times are required to add a shift.", out)

		out = f.call(t, ToolEditShiftData, map[string]interface{}{
			"date": "2025-07-01", "action": "add", "userId": "U3", "startTime": "18:00", "endTime": "09:00",
		})
		assert.Contains(t, out, "must be after")
	})

	t.Run("should name unknown members generically", func(t *testing.T) {
		f := newFixture(t, false)
		out := f.call(t, ToolEditShiftData, map[string]interface{}{
			"date": "2025-07-01", "action": "add", "userId": "U404", "startTime": "10:00", "endTime": "11:00",
		})
		assert.Contains(t, out, "Added Unknown member's shift")
	})
}

func TestShiftCallOut(t *testing.T) {
	t.Run("should broadcast and record the message", func(t *testing.T) {
		f := newFixture(t, true)
		out := f.call(t, ToolShiftCallOut, map[string]interface{}{"message": "Can anyone cover 07-01?"})
		assert.Equal(t, callOutSentResult, out)
		assert.Equal(t, []string{"Can anyone cover 07-01?"}, f.bc.messages)

		latest := f.call(t, ToolGetLatestCallOut, map[string]interface{}{})
		assert.Equal(t, "Can anyone cover 07-01?", latest)
	})

	t.Run("should record failed broadcasts", func(t *testing.T) {
		f := newFixture(t, true)
		f.bc.err = errors.New("push rejected")
		out := f.call(t, ToolShiftCallOut, map[string]interface{}{"message": "help"})
		assert.Equal(t, callOutFailedResult, out)

		latest, ok, err := f.store.LatestCallOut(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, CallOutFailed, latest.Status)
		assert.Equal(t, "push rejected", latest.Error)
	})

	t.Run("should report a missing group", func(t *testing.T) {
		f := newFixture(t, false)
		out := f.call(t, ToolShiftCallOut, map[string]interface{}{"message": "help"})
		assert.Equal(t, noCallOutBroadcasterMsg, out)
	})

	t.Run("should report when nothing was sent yet", func(t *testing.T) {
		f := newFixture(t, true)
		assert.Equal(t, "No call-out messages found.", f.call(t, ToolGetLatestCallOut, map[string]interface{}{}))
	})
}

func TestLoadSeed(t *testing.T) {
	seed, err := LoadSeed(filepath.Join("testdata", "seed.json"))
	require.NoError(t, err)
	assert.True(t, seed.Published)
	assert.Len(t, seed.Schedule["2025-07-03"], 1)

	seed, err = LoadSeed(filepath.Join("testdata", "seed.yaml"))
	require.NoError(t, err)
	assert.Len(t, seed.Members, 3)
	assert.Equal(t, "minimum staff", seed.Rules[0].Name)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("schedule:\n  tomorrow: []\n"), 0o644))
	_, err = LoadSeed(bad)
	assert.Error(t, err)

	_, err = LoadSeed(filepath.Join(dir, "seed.toml"))
	assert.Error(t, err)

	_, err = LoadSeed("")
	assert.Error(t, err)
}
