package fiber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiber_ResumeYieldTerminate(t *testing.T) {
	var trace []string

	f := New(func() {
		trace = append(trace, "a")
		require.NoError(t, Yield())
		trace = append(trace, "b")
		require.NoError(t, Yield())
		trace = append(trace, "c")
	}, WithName("worker"))

	assert.Equal(t, StateReady, f.State())

	require.NoError(t, f.Resume())
	assert.Equal(t, StateReady, f.State())
	assert.Equal(t, []string{"a"}, trace)

	require.NoError(t, f.Resume())
	assert.Equal(t, StateReady, f.State())
	assert.Equal(t, []string{"a", "b"}, trace)

	require.NoError(t, f.Resume())
	assert.Equal(t, StateTerm, f.State())
	assert.Equal(t, []string{"a", "b", "c"}, trace)
}

func TestFiber_ResumeNotReady(t *testing.T) {
	f := New(func() {})
	require.NoError(t, f.Resume())
	assert.ErrorIs(t, f.Resume(), ErrNotReady)
}

func TestFiber_Reset(t *testing.T) {
	calls := 0
	f := New(func() { calls++ })
	require.NoError(t, f.Resume())
	assert.Equal(t, StateTerm, f.State())

	require.NoError(t, f.Reset(func() { calls++ }))
	assert.Equal(t, StateReady, f.State())
	require.NoError(t, f.Resume())
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateTerm, f.State())
}

func TestFiber_ResetRejectsNonTerm(t *testing.T) {
	f := New(func() { _ = Yield() })
	require.NoError(t, f.Resume())
	assert.Equal(t, StateReady, f.State())
	assert.ErrorIs(t, f.Reset(func() {}), ErrNotTerm)
}

func TestFiber_PanicBecomesTerminalState(t *testing.T) {
	var recovered any
	f := New(func() {
		panic("boom")
	}, WithPanicHandler(func(id uint64, name string, r any) {
		recovered = r
	}))

	require.NoError(t, f.Resume())
	assert.Equal(t, StateTerm, f.State())
	assert.Equal(t, "boom", recovered)
	assert.Equal(t, "boom", f.PanicValue())
}

func TestFiber_StackSizeDefaultAndClamp(t *testing.T) {
	assert.Equal(t, DefaultStackSize, New(func() {}).StackSize())
	assert.Equal(t, MinStackSize, New(func() {}, WithStackSize(1024)).StackSize())
	assert.Equal(t, 256*1024, New(func() {}, WithStackSize(256*1024)).StackSize())
}

func TestCurrent_LazyRootFiber(t *testing.T) {
	done := make(chan struct{})
	var root *Fiber
	go func() {
		defer close(done)
		root = Current()
	}()
	<-done
	require.NotNil(t, root)
	assert.True(t, root.IsRoot())
	assert.Equal(t, StateRunning, root.State())
}

func TestYield_OutsideFiberIsContractViolation(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.ErrorIs(t, Yield(), ErrYieldNotRunning)
	}()
	<-done
}

func TestFiber_YieldWaitingBlocksUntilExplicitlyResumed(t *testing.T) {
	var trace []string
	f := New(func() {
		trace = append(trace, "a")
		require.NoError(t, YieldWaiting())
		trace = append(trace, "b")
	}, WithName("waiter"))

	require.NoError(t, f.Resume())
	assert.Equal(t, StateWaiting, f.State())
	assert.Equal(t, []string{"a"}, trace)

	// Resume is still valid from StateWaiting - only the scheduler's
	// automatic requeue-on-StateReady must not apply to it.
	require.NoError(t, f.Resume())
	assert.Equal(t, StateTerm, f.State())
	assert.Equal(t, []string{"a", "b"}, trace)
}

func TestFiber_ResumeFromAnotherFiberAllowed(t *testing.T) {
	var err error
	f := New(func() {})
	f2 := New(func() {
		err = f.Resume()
	})
	// f2 resumes f from within f2's own goroutine, which is legal (different fiber).
	require.NoError(t, f2.Resume())
	require.NoError(t, err)
}
