package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_ReadyAfterThreePolls(t *testing.T) {
	interval := 20 * time.Millisecond
	poller := NewPoller(interval, time.Second, zerolog.Nop())

	polls := 0
	start := time.Now()
	status, err := poller.WaitUntilReady(context.Background(), ResourceRef{Kind: KindService, ID: "gist"},
		func(_ context.Context) (bool, []string, error) {
			polls++
			return polls >= 3, []string{"revision pending"}, nil
		})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, Ready, status)
	assert.Equal(t, 3, polls)
	// First poll is immediate, so readiness lands two intervals in.
	assert.GreaterOrEqual(t, elapsed, 2*interval)
	assert.Less(t, elapsed, 4*interval)
}

func TestPoller_TimesOutAtDeadline(t *testing.T) {
	interval := 20 * time.Millisecond
	deadline := 100 * time.Millisecond
	poller := NewPoller(interval, deadline, zerolog.Nop())

	start := time.Now()
	status, err := poller.WaitUntilReady(context.Background(), ResourceRef{Kind: KindService, ID: "gist"},
		func(_ context.Context) (bool, []string, error) {
			return false, []string{"container failed to start", "listening check failed"}, nil
		})
	elapsed := time.Since(start)

	require.NoError(t, err, "an expired deadline is a reported status, not an error")
	assert.Equal(t, TimedOut, status)
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.LessOrEqual(t, elapsed, deadline+2*interval, "the wait must not run long past deadline+interval")
}

func TestPoller_ProbeErrorsDoNotAbortTheWait(t *testing.T) {
	poller := NewPoller(5*time.Millisecond, time.Second, zerolog.Nop())

	polls := 0
	status, err := poller.WaitUntilReady(context.Background(), ResourceRef{Kind: KindService, ID: "gist"},
		func(_ context.Context) (bool, []string, error) {
			polls++
			if polls < 3 {
				return false, nil, &TransientError{Err: errors.New("503 from control plane")}
			}
			return true, nil, nil
		})

	require.NoError(t, err)
	assert.Equal(t, Ready, status)
}

func TestPoller_PermissionErrorAbortsImmediately(t *testing.T) {
	poller := NewPoller(5*time.Millisecond, time.Second, zerolog.Nop())

	denied := &PermissionError{Err: errors.New("run.services.get denied")}
	status, err := poller.WaitUntilReady(context.Background(), ResourceRef{Kind: KindService, ID: "gist"},
		func(_ context.Context) (bool, []string, error) {
			return false, nil, denied
		})

	require.ErrorIs(t, err, denied)
	assert.Equal(t, TimedOut, status)
}

func TestPoller_ContextCancellation(t *testing.T) {
	poller := NewPoller(time.Hour, 2*time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := poller.WaitUntilReady(ctx, ResourceRef{Kind: KindService, ID: "gist"},
		func(_ context.Context) (bool, []string, error) {
			return false, nil, nil
		})

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTail(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, tail([]string{"a", "b"}, 5))
	assert.Equal(t, []string{"d", "e", "f"}, tail([]string{"a", "b", "c", "d", "e", "f"}, 3))
}
