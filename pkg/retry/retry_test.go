package retry_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

func fastPolicy(attempts uint) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := retry.Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", retry.StatusError(http.StatusBadGateway, nil)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy(4), func(context.Context) (int, error) {
		calls++
		return 0, retry.Transient(errors.New("connection reset"))
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, retry.IsTransient(err))
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, retry.StatusError(http.StatusUnauthorized, []byte("bad key"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, retry.IsStatus(err, http.StatusUnauthorized))
	assert.Contains(t, err.Error(), "bad key")
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy(2)
	p.Timeout = 5 * time.Millisecond

	calls := 0
	_, err := retry.Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_ParentCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retry.Do(ctx, fastPolicy(5), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, retry.Transient(errors.New("boom"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomClassifier(t *testing.T) {
	sentinel := errors.New("retry me")
	p := fastPolicy(3)
	p.Classify = func(err error) bool { return errors.Is(err, sentinel) }

	calls := 0
	_, err := retry.Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked", retry.Transient(errors.New("x")), true},
		{"5xx", retry.StatusError(503, nil), true},
		{"429", retry.StatusError(429, nil), true},
		{"4xx", retry.StatusError(400, nil), false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("validation failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.IsTransient(tt.err))
		})
	}
}
