package polycache

import (
	"context"
	"sync"
	"time"
)

// background runs fire-and-forget work. Errors and panics go to report;
// they never reach the caller that spawned the task.
//
// spawn and wait may run concurrently (Close during live traffic), so tasks
// are counted under mu instead of a WaitGroup.
type background struct {
	mu      sync.Mutex
	running int
	idle    chan struct{} // closed when running drops to 0
	timeout time.Duration
}

func (b *background) spawn(parent context.Context, key string, fn func(ctx context.Context) error, report func(error)) {
	ctx := context.WithoutCancel(parent)
	b.add()
	go func() {
		defer b.done()
		var cancel context.CancelFunc = func() {}
		if b.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
		}
		defer cancel()

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Key: key, Value: r}
				}
			}()
			return fn(ctx)
		}()
		if err != nil && report != nil {
			report(err)
		}
	}()
}

func (b *background) add() {
	b.mu.Lock()
	if b.running == 0 {
		b.idle = make(chan struct{})
	}
	b.running++
	b.mu.Unlock()
}

func (b *background) done() {
	b.mu.Lock()
	b.running--
	if b.running == 0 {
		close(b.idle)
	}
	b.mu.Unlock()
}

// wait blocks until the first moment no task is running, or ctx is done.
// Tasks spawned before that moment are waited for.
func (b *background) wait(ctx context.Context) error {
	b.mu.Lock()
	if b.running == 0 {
		b.mu.Unlock()
		return nil
	}
	idle := b.idle
	b.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
