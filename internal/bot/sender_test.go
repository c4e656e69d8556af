package bot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderExecutesJobs(t *testing.T) {
	s := NewSender(SenderOptions{Workers: 2})
	defer s.Close()

	var ran atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(context.Background(), "send_message", func() error {
		ran.Add(1)
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job was not executed")
	}
	assert.Equal(t, int32(1), ran.Load())
	assert.Zero(t, s.ErrorCount())
}

func TestSenderCountsPermanentFailures(t *testing.T) {
	s := NewSender(SenderOptions{Workers: 1, MaxRetries: 2, RetryBackoff: time.Millisecond})

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(context.Background(), "send_message", func() error {
		calls.Add(1)
		return errors.New("400 bad request")
	}))
	s.Close()

	assert.Equal(t, int32(1), calls.Load(), "non-retryable errors fail immediately")
	assert.Equal(t, uint64(1), s.ErrorCount())
}

func TestSenderRetriesTransientFailures(t *testing.T) {
	s := NewSender(SenderOptions{Workers: 1, MaxRetries: 3, RetryBackoff: time.Millisecond})

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(context.Background(), "send_message", func() error {
		if calls.Add(1) < 3 {
			return timeoutErr{}
		}
		return nil
	}))
	s.Close()

	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, s.ErrorCount())
}

func TestSenderQueueFull(t *testing.T) {
	s := NewSender(SenderOptions{Workers: 1, QueueSize: 1})
	defer s.Close()

	block := make(chan struct{})
	defer close(block)

	// Occupy the worker, then fill the single queue slot.
	require.NoError(t, s.Enqueue(context.Background(), "a", func() error {
		<-block
		return nil
	}))

	var err error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err = s.Enqueue(context.Background(), "b", func() error { return nil }); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrSendQueueFull)
}

func TestSenderEnqueueAfterClose(t *testing.T) {
	s := NewSender(SenderOptions{Workers: 1})
	s.Close()

	err := s.Enqueue(context.Background(), "a", func() error { return nil })
	assert.ErrorIs(t, err, ErrSendQueueClosed)
}
