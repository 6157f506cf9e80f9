package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// awaitingMachine returns a machine parked in StateAwaiting with its token.
func awaitingMachine(t *testing.T) (*Machine, uint64) {
	t.Helper()
	m := NewMachine(testSnapshot(t), &fakeDispatcher{}, slog.Default())
	step := m.OnRequestHeaders(context.Background(), getRequest("/v1/widgets?user_key=uk", "api.example.com"))
	require.Equal(t, StepAwait, step.Kind)
	return m, step.Token
}

func TestRegistryDeliver(t *testing.T) {
	t.Run("routes verdict and removes entry", func(t *testing.T) {
		reg := NewRegistry()
		m, token := awaitingMachine(t)
		w := reg.Add(token, m)

		require.True(t, reg.Deliver(token, map[string]string{StatusHeader: "200"}))
		assert.Equal(t, VerdictResumed, <-w.Verdicts)
		assert.Equal(t, 0, reg.Len())
	})

	t.Run("non-200 delivers rejection", func(t *testing.T) {
		reg := NewRegistry()
		m, token := awaitingMachine(t)
		w := reg.Add(token, m)

		require.True(t, reg.Deliver(token, map[string]string{StatusHeader: "403"}))
		assert.Equal(t, VerdictForbidden, <-w.Verdicts)
	})

	t.Run("unknown token is dropped", func(t *testing.T) {
		reg := NewRegistry()
		assert.False(t, reg.Deliver(12345, map[string]string{StatusHeader: "200"}))
	})

	t.Run("second delivery finds no entry", func(t *testing.T) {
		reg := NewRegistry()
		m, token := awaitingMachine(t)
		reg.Add(token, m)

		require.True(t, reg.Deliver(token, map[string]string{StatusHeader: "200"}))
		assert.False(t, reg.Deliver(token, map[string]string{StatusHeader: "200"}))
	})
}

func TestRegistryCancel(t *testing.T) {
	reg := NewRegistry()
	m, token := awaitingMachine(t)
	reg.Add(token, m)

	reg.Cancel(token)
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.Deliver(token, map[string]string{StatusHeader: "200"}),
		"response after cancellation must be dropped")
}

func TestRegistryConcurrentDelivery(t *testing.T) {
	// Many goroutines race to deliver the same token; exactly one wins and
	// exactly one verdict is produced.
	reg := NewRegistry()
	m, token := awaitingMachine(t)
	w := reg.Add(token, m)

	const racers = 32
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Deliver(token, map[string]string{StatusHeader: "200"}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	assert.Equal(t, VerdictResumed, <-w.Verdicts)
	assert.Equal(t, 0, reg.Len())
}
