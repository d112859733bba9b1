package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCfg = Config{
	MaxRetries:     3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
	Timeout:        time.Second,
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), discard(), testCfg, "op", func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), discard(), testCfg, "op", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), discard(), testCfg, "op", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid payload")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorContains(t, err, "invalid payload")
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), discard(), testCfg, "op", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout talking upstream")
	})
	require.Error(t, err)
	assert.Equal(t, testCfg.MaxRetries+1, calls)
	assert.ErrorContains(t, err, "after 4 attempts")
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, discard(), testCfg, "op", func(context.Context) (int, error) {
		t.Fatal("fn must not run after cancellation")
		return 0, nil
	})
	assert.Error(t, err)
}

func TestNextBackoffCapped(t *testing.T) {
	// 1.5x growth plus up to 25% jitter, never past 1.25x the cap.
	got := nextBackoff(40*time.Second, 30*time.Second)
	assert.GreaterOrEqual(t, got, 30*time.Second)
	assert.Less(t, got, 38*time.Second)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("HTTP 503 from upstream")))
	assert.True(t, IsTransient(errors.New("rate limit exceeded")))
	assert.False(t, IsTransient(errors.New("unknown granularity")))
	assert.False(t, IsTransient(nil))
}
