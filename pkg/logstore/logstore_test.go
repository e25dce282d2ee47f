package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/cache"
)

func newTestStore(t *testing.T, cipher Cipher) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := &cache.Cache{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { c.Close() })

	return NewStore(c, zap.NewNop(), cipher, time.Hour), mr
}

func TestAppendAndGetLogs(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Info(ctx, "dep-1", PhaseConnecting, "establishing session"))
	require.NoError(t, store.Info(ctx, "dep-1", PhaseInspecting, "checking host"))
	require.NoError(t, store.Error(ctx, "dep-1", PhaseFailed, "launch failed", "CUDA out of memory"))

	entries, err := store.GetLogs(ctx, "dep-1", 0, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, PhaseConnecting, entries[0].Phase)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, "establishing session", entries[0].Message)

	assert.Equal(t, LevelError, entries[2].Level)
	assert.Equal(t, "CUDA out of memory", entries[2].Details)
}

func TestGetLogsTail(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "dep-2", Entry{
			Level:   LevelInfo,
			Phase:   PhaseMonitoring,
			Message: string(rune('a' + i)),
		}))
	}

	entries, err := store.GetLogs(ctx, "dep-2", 2, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "d", entries[0].Message)
	assert.Equal(t, "e", entries[1].Message)
}

func TestGetLogsSince(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, store.Append(ctx, "dep-3", Entry{
		Timestamp: old,
		Level:     LevelInfo,
		Phase:     PhaseConnecting,
		Message:   "stale",
	}))
	require.NoError(t, store.Append(ctx, "dep-3", Entry{
		Level:   LevelInfo,
		Phase:   PhaseLaunching,
		Message: "fresh",
	}))

	since := time.Now().Add(-time.Minute)
	entries, err := store.GetLogs(ctx, "dep-3", 0, &since)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Message)
}

func TestGetLogsEmptyDeployment(t *testing.T) {
	store, _ := newTestStore(t, nil)

	entries, err := store.GetLogs(context.Background(), "missing", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClearLogs(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Info(ctx, "dep-4", PhaseDone, "done"))
	require.NoError(t, store.ClearLogs(ctx, "dep-4"))

	entries, err := store.GetLogs(ctx, "dep-4", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Info(ctx, "dep-5", PhaseConnecting, "hello"))
	assert.Greater(t, mr.TTL("deploy_logs:dep-5"), time.Duration(0))
}

func TestStreamLogsReplaysAndFollows(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, store.Info(ctx, "dep-6", PhaseConnecting, "first"))

	logChan, errChan := store.StreamLogs(ctx, "dep-6", 0, nil)

	select {
	case entry := <-logChan:
		assert.Equal(t, "first", entry.Message)
	case err := <-errChan:
		t.Fatalf("stream error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for replayed entry")
	}

	require.NoError(t, store.Info(ctx, "dep-6", PhaseLaunching, "second"))

	select {
	case entry := <-logChan:
		assert.Equal(t, "second", entry.Message)
	case <-ctx.Done():
		t.Fatal("timed out waiting for live entry")
	}
}

// reversingCipher is a trivial Cipher for round-trip tests.
type reversingCipher struct{}

func (reversingCipher) Encrypt(plaintext string) (string, error) {
	return reverse(plaintext), nil
}

func (reversingCipher) Decrypt(ciphertext string) (string, error) {
	return reverse(ciphertext), nil
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func TestCipherSealsStoredPayloads(t *testing.T) {
	store, mr := newTestStore(t, reversingCipher{})
	ctx := context.Background()

	require.NoError(t, store.Info(ctx, "dep-7", PhaseConnecting, "secret detail"))

	raw, err := mr.List("deploy_logs:dep-7")
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.NotContains(t, raw[0], "secret detail")

	entries, err := store.GetLogs(ctx, "dep-7", 0, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "secret detail", entries[0].Message)
}
