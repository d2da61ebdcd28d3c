package mgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"
)

// WorkerCtx provides workers with the necessary environment for flow control
// and logging.
type WorkerCtx struct {
	name string

	ctx       context.Context
	cancelCtx context.CancelFunc

	logger *slog.Logger
}

// Ctx returns the worker context.
// Is automatically canceled after the worker stops/returns, regardless of error.
func (w *WorkerCtx) Ctx() context.Context {
	return w.ctx
}

// Cancel cancels the worker context.
// Is automatically called after the worker stops/returns, regardless of error.
func (w *WorkerCtx) Cancel() {
	w.cancelCtx()
}

// Done returns the context Done channel.
func (w *WorkerCtx) Done() <-chan struct{} {
	return w.ctx.Done()
}

// IsDone checks whether the worker context is done.
func (w *WorkerCtx) IsDone() bool {
	return w.ctx.Err() != nil
}

// Logger returns the logger used by the worker context.
func (w *WorkerCtx) Logger() *slog.Logger {
	return w.logger
}

// Go starts the given function in a goroutine (as a "worker").
// The worker context has
// - A separate context which is canceled when the function returns.
// - Access to named structured logging.
// - Given function is re-run after failure (with backoff).
// - Panic catching.
func (m *Manager) Go(name string, fn func(w *WorkerCtx) error) {
	go m.manageWorker(name, fn)
}

func (m *Manager) manageWorker(name string, fn func(w *WorkerCtx) error) {
	w := &WorkerCtx{
		name:   name,
		ctx:    m.ctx,
		logger: m.logger.With("worker", name),
	}

	m.workerStart()
	defer m.workerDone()

	backoff := time.Second
	failCnt := 0

	for {
		err := m.runWorker(w, fn)
		switch {
		case err == nil:
			// No error means that the worker is finished.
			return

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// A canceled context or exceeded deadline also means that the worker is finished.
			return

		default:
			// Any other error triggers a restart with backoff.

			// If the manager is stopping, just log the error and return.
			if m.IsDone() {
				w.logger.Error("worker failed", "err", err)
				return
			}

			failCnt++
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}

			w.logger.Error("worker failed", "failCnt", failCnt, "backoff", backoff, "err", err)
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// Do directly executes the given function (as a "worker").
// The worker context has
// - A separate context which is canceled when the function returns.
// - Access to named structured logging.
// - Panic catching.
func (m *Manager) Do(name string, fn func(w *WorkerCtx) error) error {
	w := &WorkerCtx{
		name:   name,
		ctx:    m.Ctx(),
		logger: m.logger.With("worker", name),
	}

	m.workerStart()
	defer m.workerDone()

	err := m.runWorker(w, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		w.logger.Error("worker failed", "err", err)
		return err
	}
}

func (m *Manager) runWorker(w *WorkerCtx, fn func(w *WorkerCtx) error) (err error) {
	// Create worker context that is canceled when the worker finishes or dies.
	w.ctx, w.cancelCtx = context.WithCancel(w.ctx)
	defer w.Cancel()

	// Recover from panic.
	defer func() {
		panicVal := recover()
		if panicVal != nil {
			err = fmt.Errorf("panic: %s", panicVal)
			fmt.Fprintf(
				os.Stderr,
				"===== PANIC =====\n%s\n\n%s=====  END  =====\n",
				panicVal,
				string(debug.Stack()),
			)
		}
	}()

	err = fn(w)
	return //nolint
}

// Repeat executes the given function periodically in a goroutine (as a
// "worker"). The function also runs once immediately. Errors are logged and
// do not stop the repetition.
func (m *Manager) Repeat(name string, period time.Duration, fn func(w *WorkerCtx) error) {
	m.Go(name, func(w *WorkerCtx) error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			// Each run gets its own context, runWorker cancels it on return.
			run := &WorkerCtx{name: w.name, ctx: m.ctx, logger: w.logger}
			if err := m.runWorker(run, fn); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				w.logger.Error("worker run failed", "err", err)
			}

			select {
			case <-ticker.C:
			case <-m.ctx.Done():
				return nil
			}
		}
	})
}
