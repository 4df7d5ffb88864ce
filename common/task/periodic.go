// Package task provides a utility to run simple tasks.
package task // import "github.com/boltconn/boltconn/common/task"

import (
	"context"
	"sync"
	"time"

	"github.com/boltconn/boltconn/common/errors"
)

// Periodic is a task that runs periodically.
type Periodic struct {
	// Interval of the task being run
	Interval time.Duration
	// Execute is the task function
	Execute func() error

	access  sync.Mutex
	timer   *time.Timer
	running bool
}

func (t *Periodic) hasClosed() bool {
	t.access.Lock()
	defer t.access.Unlock()

	return !t.running
}

func (t *Periodic) checkedExecute() {
	if t.hasClosed() {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errors.LogError(context.Background(), "periodic task panic: ", r)
			}
		}()

		if err := t.Execute(); err != nil {
			errors.LogWarningInner(context.Background(), err, "periodic task failed")
		}

		t.access.Lock()
		if t.running {
			t.timer = time.AfterFunc(t.Interval, t.checkedExecute)
		}
		t.access.Unlock()
	}()
}

// Start implements common.Runnable.
func (t *Periodic) Start() error {
	t.access.Lock()
	if t.running {
		t.access.Unlock()
		return nil
	}
	t.running = true
	t.access.Unlock()

	t.checkedExecute()

	return nil
}

// Close implements common.Closable.
func (t *Periodic) Close() error {
	t.access.Lock()
	defer t.access.Unlock()

	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	return nil
}
