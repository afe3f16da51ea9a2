package commandqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCache_Seen(t *testing.T) {
	cache := NewDedupCache(context.Background(), time.Minute)
	defer cache.Stop()

	assert.False(t, cache.Seen("evt-1"))
	assert.True(t, cache.Seen("evt-1"))
	assert.False(t, cache.Seen("evt-2"))
	assert.False(t, cache.Seen(""))
	assert.False(t, cache.Seen(""))
	assert.Equal(t, 2, cache.Size())
}

func TestDedupCache_Expires(t *testing.T) {
	cache := NewDedupCache(context.Background(), 20*time.Millisecond)
	defer cache.Stop()

	assert.False(t, cache.Seen("evt-1"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, cache.Seen("evt-1"))
}

func TestDedupCache_Shutdown(t *testing.T) {
	cache := NewDedupCache(context.Background(), 50*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		cache.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("dedup cache cleanup did not stop within timeout")
	}
}
