package ioruntime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestManager_AddFDEvent_FiresOnReadiness(t *testing.T) {
	m, err := New(1, "test", false, nil)
	require.NoError(t, err)

	a, b := socketpair(t)

	done := make(chan struct{})
	require.NoError(t, m.AddFDEvent(a, EventRead, func() {
		var buf [3]byte
		n, _ := unix.Read(a, buf[:])
		assert.Equal(t, "hi", string(buf[:n]))
		close(done)
	}))

	go m.Start()
	defer m.Stop()

	_, err = unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}
}

func TestManager_AddFDEvent_RejectsDoubleArm(t *testing.T) {
	m, err := New(1, "test", false, nil)
	require.NoError(t, err)
	a, _ := socketpair(t)

	require.NoError(t, m.AddFDEvent(a, EventRead, func() {}))
	assert.ErrorIs(t, m.AddFDEvent(a, EventRead, func() {}), ErrAlreadyArmed)
}

func TestManager_CancelAll_FiresPendingCallbacksOnce(t *testing.T) {
	m, err := New(1, "test", false, nil)
	require.NoError(t, err)
	a, _ := socketpair(t)

	var readFired, writeFired int
	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	require.NoError(t, m.AddFDEvent(a, EventRead, func() { readFired++; close(readDone) }))
	require.NoError(t, m.AddFDEvent(a, EventWrite, func() { writeFired++; close(writeDone) }))

	go m.Start()
	defer m.Stop()

	m.CancelAll(a)

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read cancellation callback never fired")
	}
	select {
	case <-writeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("write cancellation callback never fired")
	}
	assert.Equal(t, 1, readFired)
	assert.Equal(t, 1, writeFired)
}

func TestManager_AddTimer_FiresViaIdle(t *testing.T) {
	m, err := New(1, "test", false, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	m.AddTimer(5*time.Millisecond, false, func() { close(done) }, "once")

	go m.Start()
	defer m.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}
