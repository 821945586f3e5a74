package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (s statusErr) Error() string   { return "status error" }
func (s statusErr) StatusCode() int { return int(s) }

func recordSleeps(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := Do(context.Background(), Policy{Base: 10 * time.Millisecond, Sleep: recordSleeps(&delays)}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestDo_FailsWhenExhausted(t *testing.T) {
	var delays []time.Duration
	calls := 0
	last := errors.New("timeout 3")
	err := Do(context.Background(), Policy{Sleep: recordSleeps(&delays)}, func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, last)
	assert.Equal(t, DefaultAttempts, calls)
	assert.Len(t, delays, DefaultAttempts-1)
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	for _, code := range []int{400, 404, 409, 499} {
		calls := 0
		err := Do(context.Background(), Policy{Sleep: recordSleeps(new([]time.Duration))}, func(context.Context) error {
			calls++
			return statusErr(code)
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls, "status %d", code)
	}
}

func TestDo_ServerErrorsAreRetried(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{Attempts: 4, Sleep: recordSleeps(new([]time.Duration))}, func(context.Context) error {
		calls++
		return statusErr(503)
	})
	assert.Equal(t, 4, calls)
}

func TestDo_InjectedClassifier(t *testing.T) {
	permanent := errors.New("unique violation")
	calls := 0
	err := Do(context.Background(), Policy{
		Sleep:     recordSleeps(new([]time.Duration)),
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}, func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Base: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestValue_ReturnsResult(t *testing.T) {
	v, err := Value(context.Background(), Policy{}, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDelay_JitterBounded(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Delay(100*time.Millisecond, 50*time.Millisecond, 2)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.Less(t, d, 450*time.Millisecond)
	}
}

func TestDefaultRetryable(t *testing.T) {
	assert.False(t, DefaultRetryable(nil))
	assert.False(t, DefaultRetryable(context.Canceled))
	assert.False(t, DefaultRetryable(statusErr(403)))
	assert.True(t, DefaultRetryable(statusErr(500)))
	assert.True(t, DefaultRetryable(errors.New("i/o timeout")))
}
