package openiap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TEST710: Test a completion from another goroutine wakes the caller
func TestBridgeComplete(t *testing.T) {
	b := newBridge[string]()
	v, err := b.Call(context.Background(), "watch", 7, time.Second, func() error {
		go b.Complete(7, "watch-id", nil)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "watch-id", v)
	assert.False(t, b.Complete(7, "again", nil))
}

// TEST711: Test a completion that arrives before the wait starts is not lost
func TestBridgeCompleteDuringIssue(t *testing.T) {
	b := newBridge[string]()
	v, err := b.Call(context.Background(), "rpc", 1, time.Second, func() error {
		assert.True(t, b.Complete(1, "early", nil))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "early", v)
}

// TEST712: Test a timed out call drops its entry so a late completion is refused
func TestBridgeTimeout(t *testing.T) {
	b := newBridge[string]()
	_, err := b.Call(context.Background(), "rpc", 2, 20*time.Millisecond, func() error { return nil })
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "rpc: timed out: no response within 20ms", err.Error())
	assert.False(t, b.Complete(2, "late", nil))
	assert.Equal(t, 0, b.pending.Len())
}

// TEST713: Test context cancellation and deadlines map to their kinds
func TestBridgeContext(t *testing.T) {
	b := newBridge[int]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Call(ctx, "watch", 3, time.Second, func() error { return nil })
	assert.True(t, IsKind(err, KindPrecondition))
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Call(ctx, "watch", 4, time.Second, func() error { return nil })
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TEST714: Test a failed issue and a duplicate id return at once
func TestBridgeIssueErrors(t *testing.T) {
	b := newBridge[int]()
	boom := errors.New("boom")
	_, err := b.Call(context.Background(), "rpc", 5, time.Second, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, b.pending.Len())

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Call(context.Background(), "rpc", 6, time.Second, func() error { return nil })
	}()
	require.Eventually(t, func() bool { return b.pending.Len() == 1 }, time.Second, time.Millisecond)
	_, err = b.Call(context.Background(), "rpc", 6, time.Second, func() error { return nil })
	assert.True(t, IsKind(err, KindPrecondition))

	b.Abandon(closedError("rpc"))
	<-done
}

// TEST715: Test Abandon fails every pending call with the given error
func TestBridgeAbandon(t *testing.T) {
	b := newBridge[string]()
	errs := make(chan error, 2)
	for id := int32(10); id < 12; id++ {
		go func(id int32) {
			_, err := b.Call(context.Background(), "watch", id, 5*time.Second, func() error { return nil })
			errs <- err
		}(id)
	}
	require.Eventually(t, func() bool { return b.pending.Len() == 2 }, time.Second, time.Millisecond)
	b.Abandon(closedError("watch"))
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, ErrClosed)
	}
}
