package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/types"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return New(config.CacheConfig{
		Enabled:   true,
		Dir:       t.TempDir(),
		TTLHours:  24,
		MaxSizeMB: 1,
	}, nil)
}

func userMessages(content string) []types.Message {
	return []types.Message{types.NewUserMessage(content)}
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	messages := userMessages("hello")
	kwargs := map[string]any{"model": "gpt-4o-mini", "temperature": 0.7}

	require.Nil(t, c.Get(messages, kwargs))

	payload := json.RawMessage(`{"content":"hi there"}`)
	c.Set(messages, kwargs, payload)

	got := c.Get(messages, kwargs)
	require.NotNil(t, got)
	assert.JSONEq(t, string(payload), string(got))

	// A different request misses.
	assert.Nil(t, c.Get(userMessages("other"), kwargs))
}

func TestFingerprintIgnoresKwargOrderAndNils(t *testing.T) {
	messages := userMessages("hello")

	a := Fingerprint(messages, map[string]any{"model": "m", "temperature": 0.5, "style": nil})
	b := Fingerprint(messages, map[string]any{"temperature": 0.5, "model": "m"})
	assert.Equal(t, a, b)

	c := Fingerprint(messages, map[string]any{"model": "m", "temperature": 0.6})
	assert.NotEqual(t, a, c)
}

func TestFingerprintStabilityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,8}`), 1, 6, func(s string) string { return s }).Draw(t, "keys")
		messages := userMessages(rapid.String().Draw(t, "content"))

		kwargs := map[string]any{}
		for _, k := range keys {
			kwargs[k] = rapid.OneOf(
				rapid.Float64().AsAny(),
				rapid.String().AsAny(),
				rapid.Bool().AsAny(),
			).Draw(t, "value-"+k)
		}

		// Same map plus nil-valued noise keys must not change the digest.
		noisy := map[string]any{}
		for k, v := range kwargs {
			noisy[k] = v
		}
		noisy["zz_"+keys[0]] = nil

		assert.Equal(t, Fingerprint(messages, kwargs), Fingerprint(messages, noisy))
	})
}

func TestExpiredEntryIsPurgedOnGet(t *testing.T) {
	c := newTestCache(t)
	messages := userMessages("stale")
	kwargs := map[string]any{"model": "m"}

	now := time.Now()
	c.WithClock(func() time.Time { return now })
	c.Set(messages, kwargs, json.RawMessage(`{"content":"old"}`))

	// Jump past the TTL.
	c.WithClock(func() time.Time { return now.Add(25 * time.Hour) })
	assert.Nil(t, c.Get(messages, kwargs))

	// The file is gone, not just skipped.
	assert.Empty(t, c.entryPaths())
}

func TestCorruptEntryIsRemovedOnGet(t *testing.T) {
	c := newTestCache(t)
	messages := userMessages("corrupt")
	kwargs := map[string]any{"model": "m"}

	path := c.pathFor(Fingerprint(messages, kwargs))
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	assert.Nil(t, c.Get(messages, kwargs))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDisabledCacheIsInert(t *testing.T) {
	c := New(config.CacheConfig{Enabled: false, Dir: t.TempDir()}, nil)
	messages := userMessages("x")

	c.Set(messages, nil, json.RawMessage(`{}`))
	assert.Nil(t, c.Get(messages, nil))
	assert.False(t, c.Stats().Enabled)
}

func TestEvictOldestHalf(t *testing.T) {
	c := newTestCache(t)
	dir := c.dir

	// Seed entries with staggered mtimes, then force an eviction pass.
	for i := 0; i < 6; i++ {
		name := filepath.Join(dir, Fingerprint(userMessages(string(rune('a'+i))), nil)+".json")
		ent := entry{CachedAt: time.Now(), Response: json.RawMessage(`{}`)}
		data, _ := json.Marshal(ent)
		require.NoError(t, os.WriteFile(name, data, 0o644))
		mtime := time.Now().Add(time.Duration(i-6) * time.Minute)
		require.NoError(t, os.Chtimes(name, mtime, mtime))
	}

	c.mu.Lock()
	c.evictOldest()
	c.mu.Unlock()

	assert.Len(t, c.entryPaths(), 3)
}

func TestClearAndStats(t *testing.T) {
	c := newTestCache(t)
	c.Set(userMessages("one"), nil, json.RawMessage(`{"content":"1"}`))
	c.Set(userMessages("two"), nil, json.RawMessage(`{"content":"2"}`))

	stats := c.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Zero(t, stats.Expired)

	require.NoError(t, c.Clear())
	assert.Zero(t, c.Stats().TotalFiles)
}
