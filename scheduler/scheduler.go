// Package scheduler implements M:N dispatch of fiber tasks onto a fixed
// pool of worker threads. Each worker repeatedly pops a task, resumes
// its fiber, and requeues it if the fiber yielded voluntarily rather
// than terminating.
//
// A single dedicated goroutine running a tick/run loop generalises
// naturally to a configurable pool of such goroutines, each locked to
// its own OS thread.
//
// One simplification from a classic ucontext-based fiber scheduler:
// that design needs a queryable "current scheduling fiber of this
// thread" registry so a fiber's yield call can find its switch-back
// target. Because fiber.Resume/fiber.Yield here are a direct channel
// rendezvous between caller and callee, the switch-back target is
// simply whoever called Resume - no static introspection table is
// needed, so Scheduler exposes no "is this the scheduler fiber"
// equivalent.
package scheduler

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fiberd/fiberd/corelog"
	"github.com/fiberd/fiberd/fiber"
	"github.com/fiberd/fiberd/osthread"
)

// ErrAlreadyStarted is returned by Start when the scheduler has already
// been started once before - including a prior Start followed by Stop.
// A Scheduler's run is one-shot: once stopped, it cannot be restarted.
var ErrAlreadyStarted = errors.New("scheduler: already started")

// IdleFunc is invoked by a worker when its task queue is empty. It
// should block until either new work might be available or the
// scheduler is stopping; stopping reports the latter without blocking.
// The default idle (used by a bare Scheduler) parks on a condition
// variable; ioruntime's IOManager supplies one that runs epoll_wait.
type IdleFunc func(workerID int, stopping func() bool)

// Option configures a new Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithUseCaller marks that Start should block the calling goroutine,
// running the last worker's loop directly on it, rather than spawning a
// dedicated osthread.Thread for every worker.
func WithUseCaller(v bool) Option {
	return optionFunc(func(s *Scheduler) { s.useCaller = v })
}

// WithIdle overrides the default condition-variable idle behaviour.
func WithIdle(fn IdleFunc) Option {
	return optionFunc(func(s *Scheduler) { s.idle = fn })
}

// WithLogger attaches a structured logger; defaults to corelog.Noop().
func WithLogger(l corelog.Logger) Option {
	return optionFunc(func(s *Scheduler) { s.logger = l })
}

// Scheduler dispatches Tasks across a fixed pool of worker threads.
type Scheduler struct {
	name      string
	threadCnt int
	useCaller bool
	idle      IdleFunc
	logger    corelog.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	queue []Task

	state    atomic.Int32 // State
	stopping atomic.Bool

	threads []*osthread.Thread
	wg      sync.WaitGroup

	callerReady chan struct{}
}

// State is the Scheduler lifecycle.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateStopped
)

// New configures a Scheduler with the given worker count and name.
// threads must be >= 1; if useCaller is requested via WithUseCaller,
// the calling goroutine of Start becomes the final worker.
func New(threads int, name string, opts ...Option) *Scheduler {
	if threads < 1 {
		threads = 1
	}
	s := &Scheduler{
		name:        name,
		threadCnt:   threads,
		logger:      corelog.Noop(),
		callerReady: make(chan struct{}),
	}
	for _, o := range opts {
		o.apply(s)
	}
	s.cond = sync.NewCond(&s.mu)
	if s.idle == nil {
		s.idle = s.condIdle
	}
	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// State reports the current lifecycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Schedule enqueues task, waking every worker parked in the default
// condition-variable idle.
func (s *Scheduler) Schedule(task Task) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// ScheduleFunc wraps fn in a fresh fiber and schedules it with the given
// affinity (AnyWorker for none).
func (s *Scheduler) ScheduleFunc(fn func(), affinity int) *fiber.Fiber {
	task := NewTask(fn, affinity)
	s.Schedule(task)
	return task.Fiber
}

// Start spawns worker threads (threadCnt-1 of them if useCaller, else
// threadCnt) and, if useCaller, runs the last worker loop on the calling
// goroutine, blocking until that worker observes Stop's stopping flag.
//
// Start is one-shot per Scheduler: calling it a second time, including
// after a prior Start/Stop cycle has completed, returns
// ErrAlreadyStarted rather than restarting the worker pool.
func (s *Scheduler) Start() error {
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	n := s.threadCnt
	spawn := n
	if s.useCaller {
		spawn = n - 1
	}
	s.threads = make([]*osthread.Thread, 0, spawn)
	for i := 0; i < spawn; i++ {
		id := i
		th := osthread.New(workerName(s.name, id), func() { s.workerLoop(id) })
		s.threads = append(s.threads, th)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			th.Start()
			th.Join()
		}()
	}
	if s.useCaller {
		s.workerLoop(n - 1)
	}
	return nil
}

func workerName(base string, id int) string {
	if base == "" {
		base = "sched"
	}
	return base + "-worker-" + strconv.Itoa(id)
}

// Stop requests termination: sets the stopping flag, wakes every
// worker parked in the default idle, and joins all spawned worker
// threads. Workers exit at their next loop check without draining tasks
// still queued. Stop does not wait for a use_caller scheduler's
// caller-hosted worker; that worker's Start call returns on its own once
// it sees the flag. With useCaller set, Stop must therefore be called
// from a goroutine other than the one that called Start.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	for _, th := range s.threads {
		th.Stop()
	}
	s.wg.Wait()
	s.state.Store(int32(StateStopped))
}

// Stopping reports whether Stop has been requested.
func (s *Scheduler) Stopping() bool { return s.stopping.Load() }

// workerLoop is the scheduling loop for worker id. It pops the next
// eligible task, resumes it, and requeues fibers that yielded
// voluntarily instead of terminating.
func (s *Scheduler) workerLoop(id int) {
	for {
		if s.stopping.Load() {
			return
		}
		task, ok := s.popFor(id)
		if !ok {
			if s.stopping.Load() {
				return
			}
			s.idle(id, s.stopping.Load)
			continue
		}
		if err := task.Fiber.Resume(); err != nil {
			s.logger.Log(corelog.LevelError, "fiber resume failed",
				corelog.F("fiber", task.Fiber.Name()), corelog.F("err", err.Error()))
			continue
		}
		if task.Fiber.State() == fiber.StateReady {
			s.Schedule(task)
		}
	}
}

// popFor removes and returns the first queued task this worker may run
// (affinity AnyWorker or == id). Tasks pinned to a different worker are
// left in place for their owner to pick up.
func (s *Scheduler) popFor(id int) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.queue {
		if t.Affinity == AnyWorker || t.Affinity == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return t, true
		}
	}
	return Task{}, false
}

// condIdle is the default IdleFunc: park on the scheduler's condition
// variable until woken by Schedule or Stop.
func (s *Scheduler) condIdle(id int, stopping func() bool) {
	s.mu.Lock()
	for len(s.queue) == 0 && !stopping() {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// HasPending reports whether any task, regardless of affinity, is
// currently queued.
func (s *Scheduler) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}
