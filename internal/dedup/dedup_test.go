package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboard-mail-agent/internal/config"
)

func memoryDedup() *Deduplicator {
	return New(&config.DedupConfig{
		MemoryOnly:           true,
		RetentionHours:       48,
		PruneIntervalMinutes: 60,
	}, nil)
}

func TestSeenAfterObserve(t *testing.T) {
	d := memoryDedup()

	seen, err := d.Seen("n1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Observe("n1"))

	seen, err = d.Seen("n1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = d.Seen("n2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRejectsEmptyID(t *testing.T) {
	d := memoryDedup()

	_, err := d.Seen("")
	assert.Error(t, err)
	assert.Error(t, d.Observe(""))
}

func TestObserveIsIdempotent(t *testing.T) {
	d := memoryDedup()

	require.NoError(t, d.Observe("n1"))
	require.NoError(t, d.Observe("n1"))

	seen, err := d.Seen("n1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestPruneRemovesExpiredEntries(t *testing.T) {
	d := memoryDedup()

	require.NoError(t, d.Observe("old"))
	require.NoError(t, d.Observe("fresh"))

	d.mu.Lock()
	d.seen["old"] = time.Now().Add(-72 * time.Hour)
	d.mu.Unlock()

	d.prune()

	seen, err := d.Seen("old")
	require.NoError(t, err)
	assert.False(t, seen, "expired entry should have been pruned")

	seen, err = d.Seen("fresh")
	require.NoError(t, err)
	assert.True(t, seen, "fresh entry must survive pruning")
}
