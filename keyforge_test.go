package keyforge

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keymint/keyforge/offload"
	"github.com/keymint/keyforge/seedsource"
)

const testBits = 1024

var testSource = strings.Repeat("ab", 32)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testService(t *testing.T, dir string) *Service {
	t.Helper()

	svc, err := New(Config{
		CacheDir: dir,
		KeyBits:  testBits,
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	t.Cleanup(svc.Close)

	return svc
}

func Test_New_requiresCacheDir(t *testing.T) {
	_, err := New(Config{KeyBits: testBits})
	require.Error(t, err)
}

func Test_DeriveKey_deterministic(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, t.TempDir())

	first, err := svc.DeriveKey(ctx, testSource)
	require.NoError(t, err)
	require.Equal(t, testBits, first.ModulusBits())

	second, err := svc.DeriveKey(ctx, testSource)
	require.NoError(t, err)
	require.Equal(t, first, second)

	stats := svc.CacheStats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func Test_DeriveKey_distinctSources(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, t.TempDir())

	first, err := svc.DeriveKey(ctx, testSource)
	require.NoError(t, err)

	second, err := svc.DeriveKey(ctx, strings.Repeat("cd", 32))
	require.NoError(t, err)

	require.NotEqual(t, first.N, second.N)
}

func Test_DeriveKey_inlineMatchesPooled(t *testing.T) {
	ctx := context.Background()

	pooled, err := testService(t, t.TempDir()).DeriveKey(ctx, testSource)
	require.NoError(t, err)

	inline, err := testService(t, t.TempDir()).DeriveKey(ctx, testSource, WithInlineDerivation())
	require.NoError(t, err)

	require.Equal(t, pooled, inline)
}

func Test_DeriveKey_survivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	svc := testService(t, dir)

	first, err := svc.DeriveKey(ctx, testSource)
	require.NoError(t, err)

	svc.Close()

	reopened := testService(t, dir)

	second, err := reopened.DeriveKey(ctx, testSource)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Equal(t, uint64(1), reopened.CacheStats().Hits)
}

func Test_DeriveKey_invalidSource(t *testing.T) {
	svc := testService(t, t.TempDir())

	_, err := svc.DeriveKey(context.Background(), "not hex at all")
	require.Error(t, err)
}

func Test_DeriveKey_mnemonicSource(t *testing.T) {
	svc, err := New(Config{
		CacheDir: t.TempDir(),
		KeyBits:  testBits,
		Seeds:    seedsource.Mnemonic{},
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	t.Cleanup(svc.Close)

	mnemonic := "legal winner thank year wave sausage worth useful legal winner thank yellow"

	first, err := svc.DeriveKey(context.Background(), mnemonic)
	require.NoError(t, err)
	require.Equal(t, testBits, first.ModulusBits())

	_, err = svc.DeriveKey(context.Background(), "definitely not a mnemonic phrase")
	require.ErrorIs(t, err, seedsource.ErrInvalidMnemonic)
}

func Test_DeriveKey_progress(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, t.TempDir())

	var (
		mu     sync.Mutex
		stages []offload.Stage
	)

	record := func(p offload.Progress) {
		mu.Lock()
		stages = append(stages, p.Stage)
		mu.Unlock()
	}

	_, err := svc.DeriveKey(ctx, testSource, WithProgress(record), WithPriority(offload.PriorityHigh))
	require.NoError(t, err)

	mu.Lock()
	missStages := append([]offload.Stage(nil), stages...)
	stages = nil
	mu.Unlock()

	require.Equal(t, []offload.Stage{
		offload.StageInitialization,
		offload.StageSeedGeneration,
		offload.StageKeyGeneration,
		offload.StageJWKConversion,
		offload.StageComplete,
	}, missStages)

	_, err = svc.DeriveKey(ctx, testSource, WithProgress(record))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, stages, "cache hits must not report progress")
}

func Test_DeriveKey_contextCancelled(t *testing.T) {
	svc := testService(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.DeriveKey(ctx, testSource)
	require.ErrorIs(t, err, context.Canceled)
}

func Test_ClearCache(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, t.TempDir())

	_, err := svc.DeriveKey(ctx, testSource)
	require.NoError(t, err)

	require.NoError(t, svc.ClearCache())

	stats := svc.CacheStats()
	require.Zero(t, stats.MemoryCacheSize)
	require.Zero(t, svc.DiskCacheInfo().Files)
	require.Zero(t, stats.Hits)
}

func Test_CleanupExpiredCache_freshEntries(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, t.TempDir())

	_, err := svc.DeriveKey(ctx, testSource)
	require.NoError(t, err)

	svc.Cache().Flush()

	require.Zero(t, svc.CleanupExpiredCache())
	require.Equal(t, 1, svc.DiskCacheInfo().Files)
}

func Test_Fingerprint_stable(t *testing.T) {
	svc := testService(t, t.TempDir())

	require.Equal(t, svc.Fingerprint(testSource), svc.Fingerprint(testSource))
	require.NotEqual(t, svc.Fingerprint(testSource), svc.Fingerprint("other"))
}

func Test_New_disabledPool(t *testing.T) {
	svc, err := New(Config{
		CacheDir: t.TempDir(),
		KeyBits:  testBits,
		Workers:  -1,
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	t.Cleanup(svc.Close)

	require.Nil(t, svc.pool)

	done := make(chan struct{})
	go func() {
		defer close(done)

		km, deriveErr := svc.DeriveKey(context.Background(), testSource)
		require.NoError(t, deriveErr)
		require.NotNil(t, km)
	}()

	select {
	case <-done:
	case <-time.After(time.Minute):
		t.Fatal("inline derivation did not finish")
	}
}
