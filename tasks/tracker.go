// Package tasks tracks fire-and-forget goroutines so their owner can reap
// the finished ones lazily and wait for the rest at shutdown.
package tasks

import (
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
)

// ID identifies a tracked task.
type ID = ksuid.KSUID

type task struct {
	name string
	done chan struct{}
}

// Tracker spawns and reaps ephemeral goroutines.
//
// Reaping removes a task from the tracker and fires the delete callback
// once for its ID. AutoClean reaps only tasks that have already finished;
// WaitForClose blocks until every tracked task has finished and reaps them
// all, including tasks started while it waits.
type Tracker struct {
	mu       sync.Mutex
	tasks    map[ID]*task
	onDelete func(ID)
	newID    func() ksuid.KSUID
	logger   *logrus.Logger
}

// New creates an empty Tracker. A nil logger selects the standard logrus logger.
func New(logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		tasks:  make(map[ID]*task),
		newID:  ksuid.New,
		logger: logger,
	}
}

// SetDeleteCallback registers fn to be called once per reaped task.
// Passing nil removes the callback.
func (t *Tracker) SetDeleteCallback(fn func(ID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDelete = fn
}

// InsertThread runs fn on a new goroutine and returns its ID.
func (t *Tracker) InsertThread(fn func()) ID {
	return t.Go("", fn)
}

// Go is InsertThread with a name used in logs.
func (t *Tracker) Go(name string, fn func()) ID {
	tk := &task{name: name, done: make(chan struct{})}

	t.mu.Lock()
	id := t.newID()
	for {
		if _, taken := t.tasks[id]; !taken {
			break
		}
		id = t.newID()
	}
	t.tasks[id] = tk
	t.mu.Unlock()

	go t.run(id, tk, fn)
	return id
}

func (t *Tracker) run(id ID, tk *task, fn func()) {
	defer close(tk.done)
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithFields(logrus.Fields{
				"function": "Tracker.run",
				"task_id":  id.String(),
				"task":     tk.name,
				"panic":    fmt.Sprint(r),
			}).Error("Task panicked")
		}
	}()
	fn()
}

// Len returns the number of tasks not yet reaped.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// AutoClean reaps every finished task without blocking and returns how many
// were reaped.
func (t *Tracker) AutoClean() int {
	t.mu.Lock()
	var reaped []ID
	for id, tk := range t.tasks {
		select {
		case <-tk.done:
			delete(t.tasks, id)
			reaped = append(reaped, id)
		default:
		}
	}
	onDelete := t.onDelete
	t.mu.Unlock()

	notify(onDelete, reaped)
	return len(reaped)
}

// WaitForClose blocks until every tracked task has finished, reaps them and
// returns how many were reaped.
func (t *Tracker) WaitForClose() int {
	total := 0
	for {
		t.mu.Lock()
		if len(t.tasks) == 0 {
			t.mu.Unlock()
			return total
		}
		pending := make(map[ID]*task, len(t.tasks))
		for id, tk := range t.tasks {
			pending[id] = tk
		}
		t.mu.Unlock()

		reaped := make([]ID, 0, len(pending))
		for id, tk := range pending {
			<-tk.done
			reaped = append(reaped, id)
		}

		t.mu.Lock()
		for _, id := range reaped {
			delete(t.tasks, id)
		}
		onDelete := t.onDelete
		t.mu.Unlock()

		notify(onDelete, reaped)
		total += len(reaped)
	}
}

func notify(fn func(ID), ids []ID) {
	if fn == nil {
		return
	}
	for _, id := range ids {
		fn(id)
	}
}
