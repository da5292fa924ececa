package server

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsevents/watcher/internal/codec"
	"github.com/fsevents/watcher/internal/fsevents"
)

type fakePoller struct {
	events chan *fsevents.LogicalEvent
}

func (f *fakePoller) PollIndefinite() (*fsevents.LogicalEvent, error) {
	return <-f.events, nil
}

func dialAndGreet(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	return conn
}

func TestFanoutPrunesBrokenSubscriberKeepsOthers(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fs-events.sock")
	poller := &fakePoller{events: make(chan *fsevents.LogicalEvent, 4)}

	srv, err := New(sockPath, poller, codec.Encode)
	require.NoError(t, err)
	defer srv.Close()

	connA := dialAndGreet(t, sockPath)
	connB := dialAndGreet(t, sockPath)
	readerB := bufio.NewReader(connB)

	// give the accepter goroutine time to queue both subscribers, so the
	// main loop registers them before it first blocks on the poller
	time.Sleep(50 * time.Millisecond)

	go func() {
		_ = srv.Run()
	}()

	first := fsevents.LogicalEvent{PathName: "/a", EffectType: fsevents.EffectCreate, PathType: fsevents.PathFile}
	poller.events <- &first

	buf := make([]byte, len(codec.Encode(first)))
	_, err = io.ReadFull(readerB, buf)
	require.NoError(t, err)
	assert.Equal(t, codec.Encode(first), buf)

	// A disconnects; the next broadcast should prune it without
	// affecting B.
	require.NoError(t, connA.Close())

	second := fsevents.LogicalEvent{PathName: "/b", EffectType: fsevents.EffectDelete, PathType: fsevents.PathFile}
	poller.events <- &second

	buf2 := make([]byte, len(codec.Encode(second)))
	_, err = io.ReadFull(readerB, buf2)
	require.NoError(t, err)
	assert.Equal(t, codec.Encode(second), buf2)

	third := fsevents.LogicalEvent{PathName: "/c", EffectType: fsevents.EffectCreate, PathType: fsevents.PathFile}
	poller.events <- &third

	buf3 := make([]byte, len(codec.Encode(third)))
	_, err = io.ReadFull(readerB, buf3)
	require.NoError(t, err)
	assert.Equal(t, codec.Encode(third), buf3)
}

func TestNewCreatesSocketAndPidFile(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fs-events.sock")
	poller := &fakePoller{events: make(chan *fsevents.LogicalEvent, 1)}

	srv, err := New(sockPath, poller, codec.Encode)
	require.NoError(t, err)
	defer srv.Close()

	_, err = os.Stat(sockPath)
	require.NoError(t, err)
	_, err = os.Stat(sockPath + ".pid")
	require.NoError(t, err)
}

func TestCloseRemovesSocketAndPidFile(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fs-events.sock")
	poller := &fakePoller{events: make(chan *fsevents.LogicalEvent, 1)}

	srv, err := New(sockPath, poller, codec.Encode)
	require.NoError(t, err)
	srv.Close()

	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(sockPath + ".pid")
	assert.True(t, os.IsNotExist(err))
}

func TestTerminateStaleOwnerIgnoresMissingProcess(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "fs-events.sock.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("999999999"), 0o644))
	require.NoError(t, terminateStaleOwner(pidPath))
}

func TestTerminateStaleOwnerIgnoresUnparseablePid(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "fs-events.sock.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("not-a-pid"), 0o644))
	require.NoError(t, terminateStaleOwner(pidPath))
}

func TestTerminateStaleOwnerIgnoresMissingFile(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "absent.pid")
	require.NoError(t, terminateStaleOwner(pidPath))
}
