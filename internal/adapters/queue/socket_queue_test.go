package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dev.forensix.extract-engine/internal/adapters/logger"
	"dev.forensix.extract-engine/internal/core/domain"
)

func TestSocketQueueRequiresPortInConnectMode(t *testing.T) {
	_, err := NewSocketQueue(SocketOptions{
		Direction: PullOnly,
		Mode:      Connect,
	}, logger.NewNopLogger())
	require.ErrorIs(t, err, domain.ErrMissingPort)
}

func TestSocketQueueDirectionEnforcement(t *testing.T) {
	push, err := NewSocketQueue(SocketOptions{
		Direction: PushOnly,
		Mode:      Bind,
	}, logger.NewNopLogger())
	require.NoError(t, err)
	defer push.Close(true)

	_, err = push.Pop()
	require.ErrorIs(t, err, domain.ErrNotSupported)

	pull, err := NewSocketQueue(SocketOptions{
		Direction: PullOnly,
		Mode:      Connect,
		Port:      push.Port(),
	}, logger.NewNopLogger())
	require.NoError(t, err)
	defer pull.Close(true)

	require.ErrorIs(t, pull.Push(domain.AbortItem(), false), domain.ErrNotSupported)
}

func TestSocketQueueRoundTrip(t *testing.T) {
	push, err := NewSocketQueue(SocketOptions{
		Direction:  PushOnly,
		Mode:       Bind,
		BufferSize: 16,
	}, logger.NewNopLogger())
	require.NoError(t, err)
	require.Greater(t, push.Port(), 0)

	pull, err := NewSocketQueue(SocketOptions{
		Direction:   PullOnly,
		Mode:        Connect,
		Port:        push.Port(),
		BufferSize:  16,
		RecvTimeout: 2 * time.Second,
	}, logger.NewNopLogger())
	require.NoError(t, err)

	sent := map[string]string{}
	for _, path := range []string{"/evidence/mft", "/evidence/registry", "/evidence/log"} {
		task := domain.NewTask("session-1", path, "/tmp/session-1")
		sent[task.Identifier] = path
		require.NoError(t, push.Push(domain.TaskItem(task), true))
	}

	for i := 0; i < 3; i++ {
		item, err := pull.Pop()
		require.NoError(t, err)
		require.Equal(t, domain.ItemTask, item.Kind)
		require.NotNil(t, item.Task)
		require.Equal(t, sent[item.Task.Identifier], item.Task.PathSpec)
		require.Equal(t, "session-1", item.Task.SessionIdentifier)
		delete(sent, item.Task.Identifier)
	}
	require.Empty(t, sent)

	require.NoError(t, push.Close(false))
	require.NoError(t, pull.Close(false))
}

func TestSocketQueueDelayedOpen(t *testing.T) {
	push, err := NewSocketQueue(SocketOptions{
		Direction: PushOnly,
		Mode:      Bind,
		DelayOpen: true,
	}, logger.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, 0, push.Port(), "delayed queue must not bind before first use")

	require.NoError(t, push.Push(domain.AbortItem(), false))
	require.Greater(t, push.Port(), 0)
	require.NoError(t, push.Close(true))
}

func TestSocketQueueClosed(t *testing.T) {
	push, err := NewSocketQueue(SocketOptions{
		Direction: PushOnly,
		Mode:      Bind,
	}, logger.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, push.Close(false))
	require.ErrorIs(t, push.Push(domain.AbortItem(), false), domain.ErrQueueClosed)
	require.ErrorIs(t, push.Close(false), domain.ErrQueueAlreadyClosed)
	require.NoError(t, push.Close(true))
}
