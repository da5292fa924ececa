package fsevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueFIFO(t *testing.T) {
	q := NewEventQueue()
	require.NoError(t, q.Send(LogicalEvent{PathName: "/a"}))
	require.NoError(t, q.Send(LogicalEvent{PathName: "/b"}))

	ev, ok := q.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "/a", ev.PathName)

	ev, ok = q.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "/b", ev.PathName)

	_, ok = q.TryRecv()
	assert.False(t, ok)
}

func TestEventQueueClosedSendFails(t *testing.T) {
	q := NewEventQueue()
	q.Close()
	err := q.Send(LogicalEvent{PathName: "/a"})
	assert.ErrorIs(t, err, ErrChannelClosed)
}
