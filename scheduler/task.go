package scheduler

import "github.com/fiberd/fiberd/fiber"

// AnyWorker is the affinity value meaning "any worker may run this task".
const AnyWorker = -1

// Task pairs a fiber with an optional worker affinity.
type Task struct {
	Fiber    *fiber.Fiber
	Affinity int
}

// NewTask wraps a zero-argument callback in a fresh fiber, marked as
// belonging to a scheduler worker (fiber.WithRunInScheduler). The mark is
// diagnostic only: Fiber.Yield always hands control back to whoever
// called Resume, which for a task is the worker loop.
func NewTask(fn func(), affinity int) Task {
	return Task{
		Fiber:    fiber.New(fn, fiber.WithRunInScheduler(true)),
		Affinity: affinity,
	}
}

// TaskFromFiber wraps an existing fiber with the given affinity.
func TaskFromFiber(f *fiber.Fiber, affinity int) Task {
	return Task{Fiber: f, Affinity: affinity}
}
