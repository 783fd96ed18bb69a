package timer

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CollectExpired_OneShot(t *testing.T) {
	m := New()
	var fired atomic.Int32
	m.Add(10*time.Millisecond, false, func() { fired.Add(1) }, "once")

	assert.Equal(t, 1, m.Len())
	var cbs []Callback
	cbs = m.CollectExpired(time.Now(), cbs)
	assert.Empty(t, cbs)

	cbs = m.CollectExpired(time.Now().Add(20*time.Millisecond), cbs)
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, m.Len())
}

func TestManager_CollectExpired_Recurring(t *testing.T) {
	m := New()
	m.Add(10*time.Millisecond, true, func() {}, "tick")

	now := time.Now().Add(15 * time.Millisecond)
	var cbs []Callback
	cbs = m.CollectExpired(now, cbs)
	require.Len(t, cbs, 1)
	// Recurring timer must still be pending, rescheduled from now.
	assert.Equal(t, 1, m.Len())

	ms := m.NextTimeoutMillis(now)
	assert.InDelta(t, 10, ms, 2)
}

func TestManager_Ordering_StableOnTies(t *testing.T) {
	m := New()
	var order []int
	now := time.Now()
	for i := 0; i < 3; i++ {
		i := i
		t := m.Add(0, false, func() { order = append(order, i) }, "tie")
		_ = t
	}
	var cbs []Callback
	cbs = m.CollectExpired(now.Add(time.Millisecond), cbs)
	for _, cb := range cbs {
		cb()
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestTimer_Cancel(t *testing.T) {
	m := New()
	var fired atomic.Bool
	tm := m.Add(5*time.Millisecond, false, func() { fired.Store(true) }, "cancelme")
	tm.Cancel()
	assert.Equal(t, 0, m.Len())

	var cbs []Callback
	cbs = m.CollectExpired(time.Now().Add(10*time.Millisecond), cbs)
	assert.Empty(t, cbs)
	assert.False(t, fired.Load())
}

func TestTimer_Reset(t *testing.T) {
	m := New()
	var fired atomic.Bool
	tm := m.Add(5*time.Millisecond, false, func() { fired.Store(true) }, "resetme")
	tm.Reset(50*time.Millisecond, true)

	var cbs []Callback
	cbs = m.CollectExpired(time.Now().Add(10*time.Millisecond), cbs)
	assert.Empty(t, cbs, "must not fire at the original delay after Reset")
	assert.Equal(t, 1, m.Len())
}

func TestAddCondition_SkipsCallbackWhenConditionCollected(t *testing.T) {
	m := New()
	var fired atomic.Bool

	func() {
		// A zero-size value would share the runtime's never-collected zero
		// base address, and a tiny one may share an allocation block, so
		// use a 64-byte heap object that GC can actually reclaim.
		cond := new([64]byte)
		AddCondition(m, 5*time.Millisecond, false, cond, func() { fired.Store(true) }, "cond")
		runtime.KeepAlive(cond)
	}()

	runtime.GC()
	runtime.GC()

	var cbs []Callback
	cbs = m.CollectExpired(time.Now().Add(10*time.Millisecond), cbs)
	for _, cb := range cbs {
		cb()
	}
	assert.False(t, fired.Load())
}

func TestAddCondition_FiresWhenConditionLive(t *testing.T) {
	m := New()
	var fired atomic.Bool
	cond := new(struct{})
	AddCondition(m, 5*time.Millisecond, false, cond, func() { fired.Store(true) }, "cond")

	var cbs []Callback
	cbs = m.CollectExpired(time.Now().Add(10*time.Millisecond), cbs)
	for _, cb := range cbs {
		cb()
	}
	runtime.KeepAlive(cond)
	assert.True(t, fired.Load())
}

func TestManager_NextTimeoutMillis_EmptyIsUnbounded(t *testing.T) {
	m := New()
	assert.Equal(t, int64(-1), m.NextTimeoutMillis(time.Now()))
}
