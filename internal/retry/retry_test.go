package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig(attempts int, strategy Strategy, interval time.Duration) *Config {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &Config{
		MaxAttempts:     attempts,
		InitialInterval: interval,
		MaxInterval:     time.Second,
		Strategy:        strategy,
		Logger:          logger,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), quietConfig(3, StrategyFixed, time.Millisecond), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), quietConfig(5, StrategyFixed, time.Millisecond), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	attempts := 0
	cause := errors.New("broker unavailable")
	err := Do(context.Background(), quietConfig(3, StrategyFixed, time.Millisecond), func(ctx context.Context) error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "max attempts")
}

func TestDo_NonRetryableAbortsImmediately(t *testing.T) {
	attempts := 0
	cause := errors.New("report file missing")
	err := Do(context.Background(), quietConfig(5, StrategyFixed, time.Millisecond), func(ctx context.Context) error {
		attempts++
		return NewNonRetryableError(cause)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "non-retryable")
}

func TestDo_ContextCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, quietConfig(10, StrategyFixed, 30*time.Millisecond), func(ctx context.Context) error {
		attempts++
		return errors.New("slow broker")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 10)
}

func TestDo_TimeoutStopsRetrying(t *testing.T) {
	cfg := quietConfig(50, StrategyFixed, 20*time.Millisecond)
	cfg.Timeout = 100 * time.Millisecond
	attempts := 0

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Less(t, attempts, 50)
}

func TestDo_NilConfigAndZeroAttempts(t *testing.T) {
	attempts := 0
	cfg := &Config{MaxAttempts: 0}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	assert.NoError(t, Do(context.Background(), nil, func(ctx context.Context) error { return nil }))
}

func TestCalculateNextInterval(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 350 * time.Millisecond

	tests := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyFixed, 1, 100 * time.Millisecond},
		{StrategyFixed, 4, 100 * time.Millisecond},
		{StrategyLinear, 1, 100 * time.Millisecond},
		{StrategyLinear, 3, 300 * time.Millisecond},
		{StrategyLinear, 5, 350 * time.Millisecond},
		{StrategyExponential, 1, 100 * time.Millisecond},
		{StrategyExponential, 2, 200 * time.Millisecond},
		{StrategyExponential, 3, 350 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.strategy, tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, calculateNextInterval(tt.strategy, initial, initial, max, tt.attempt))
		})
	}
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	url, err := DoWithResult(context.Background(), quietConfig(3, StrategyFixed, time.Millisecond), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("upload interrupted")
		}
		return "http://minio.local/scan-reports/reports/a.pdf", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "http://minio.local/scan-reports/reports/a.pdf", url)
	assert.Equal(t, 2, attempts)

	url, err = DoWithResult(context.Background(), quietConfig(2, StrategyFixed, time.Millisecond), func(ctx context.Context) (string, error) {
		return "partial", errors.New("upload interrupted")
	})
	assert.Error(t, err)
	assert.Empty(t, url)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("publish: %w", context.DeadlineExceeded), false},
		{"generic", errors.New("connection refused"), true},
		{"marked non-retryable", NewNonRetryableError(errors.New("bad payload")), false},
		{"wrapped non-retryable", fmt.Errorf("upload: %w", NewNonRetryableError(errors.New("missing"))), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestPresets(t *testing.T) {
	logger := logrus.New()

	reconnect := ReconnectConfig(logger)
	assert.Equal(t, 10, reconnect.MaxAttempts)
	assert.Equal(t, StrategyExponential, reconnect.Strategy)
	assert.Zero(t, reconnect.Timeout)

	publish := PublishConfig(logger)
	assert.Equal(t, 3, publish.MaxAttempts)
	assert.Equal(t, 10*time.Second, publish.Timeout)

	upload := UploadConfig(logger)
	assert.Equal(t, StrategyLinear, upload.Strategy)
	assert.Same(t, logger, upload.Logger)
}

func BenchmarkDo_Success(b *testing.B) {
	cfg := quietConfig(3, StrategyFixed, time.Millisecond)
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		_ = Do(ctx, cfg, func(ctx context.Context) error { return nil })
	}
}
