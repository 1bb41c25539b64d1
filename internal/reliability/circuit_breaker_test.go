package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	boom := errors.New("boom")

	t.Run("starts closed and passes calls through", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())

		err := cb.Execute(context.Background(), func() error { return nil })
		assert.NoError(t, err)
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			_ = cb.Execute(context.Background(), func() error { return boom })
		}
		assert.Equal(t, StateOpen, cb.State())

		err := cb.Execute(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("success resets the failure count while closed", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		_ = cb.Execute(context.Background(), func() error { return boom })
		_ = cb.Execute(context.Background(), func() error { return nil })
		_ = cb.Execute(context.Background(), func() error { return boom })

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open probe closes after enough successes", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithOpenTimeout(10*time.Millisecond),
		)

		_ = cb.Execute(context.Background(), func() error { return boom })
		require.Equal(t, StateOpen, cb.State())

		time.Sleep(15 * time.Millisecond)

		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open failure reopens immediately", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithOpenTimeout(10*time.Millisecond),
		)

		_ = cb.Execute(context.Background(), func() error { return boom })
		time.Sleep(15 * time.Millisecond)

		_ = cb.Execute(context.Background(), func() error { return boom })
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("cancelled context is not executed", func(t *testing.T) {
		cb := NewCircuitBreaker()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := cb.Execute(ctx, func() error { called = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
