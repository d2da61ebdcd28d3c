package mgr

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitForWorkers(t *testing.T) { //nolint:paralleltest
	m := New("test")
	defer m.Cancel()

	m.Go("sleeper", func(w *WorkerCtx) error {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-w.Done():
		}
		return nil
	})

	if !m.WaitForWorkers(time.Second) {
		t.Error("expected workers to finish within a second")
	}
}

func TestDoCatchesPanics(t *testing.T) { //nolint:paralleltest
	m := New("test")
	defer m.Cancel()

	err := m.Do("panicker", func(w *WorkerCtx) error {
		panic("boom")
	})
	if err == nil {
		t.Error("expected an error from a panicking worker")
	}
}

func TestDoReturnsWorkerError(t *testing.T) { //nolint:paralleltest
	m := New("test")
	defer m.Cancel()

	wantErr := errors.New("broken")
	err := m.Do("failer", func(w *WorkerCtx) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected %v, got %v", wantErr, err)
	}
}

func TestRepeatRunsPeriodically(t *testing.T) { //nolint:paralleltest
	m := New("test")
	defer m.Cancel()

	var runs atomic.Int32
	m.Repeat("ticker", 10*time.Millisecond, func(w *WorkerCtx) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(100 * time.Millisecond)
	if runs.Load() < 2 {
		t.Errorf("expected at least two runs, got %d", runs.Load())
	}
}
