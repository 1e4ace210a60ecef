package tasks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAutoCleanReapsOnlyFinished(t *testing.T) {
	tr := New(nil)

	var deleted sync.Map
	tr.SetDeleteCallback(func(id ID) {
		deleted.Store(id, true)
	})

	release := make(chan struct{})
	blocked := tr.InsertThread(func() { <-release })

	finished := make(chan struct{})
	quick := tr.InsertThread(func() { close(finished) })
	<-finished

	require.Eventually(t, func() bool {
		tr.AutoClean()
		_, ok := deleted.Load(quick)
		return ok
	}, time.Second, 5*time.Millisecond)

	_, blockedDeleted := deleted.Load(blocked)
	assert.False(t, blockedDeleted, "running task must not be reaped")
	assert.Equal(t, 1, tr.Len())

	close(release)
	assert.Equal(t, 1, tr.WaitForClose())
	_, blockedDeleted = deleted.Load(blocked)
	assert.True(t, blockedDeleted)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerWaitForCloseBlocks(t *testing.T) {
	tr := New(nil)

	var finished atomic.Int32
	for i := 0; i < 10; i++ {
		tr.InsertThread(func() {
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
		})
	}

	var callbacks atomic.Int32
	tr.SetDeleteCallback(func(ID) { callbacks.Add(1) })

	assert.Equal(t, 10, tr.WaitForClose())
	assert.Equal(t, int32(10), finished.Load())
	assert.Equal(t, int32(10), callbacks.Load())
	assert.Equal(t, 0, tr.WaitForClose())
}

func TestTrackerWaitForCloseIncludesLateTasks(t *testing.T) {
	tr := New(nil)

	var inner atomic.Bool
	tr.InsertThread(func() {
		tr.InsertThread(func() {
			time.Sleep(5 * time.Millisecond)
			inner.Store(true)
		})
	})

	assert.Equal(t, 2, tr.WaitForClose())
	assert.True(t, inner.Load())
}

func TestTrackerIDsUnique(t *testing.T) {
	tr := New(nil)
	ids := make(map[ID]bool)
	for i := 0; i < 100; i++ {
		id := tr.InsertThread(func() {})
		assert.False(t, ids[id])
		ids[id] = true
	}
	tr.WaitForClose()
}

func TestTrackerRetriesCollidingID(t *testing.T) {
	tr := New(nil)

	fixed := ksuid.New()
	other := ksuid.New()
	calls := 0
	tr.newID = func() ksuid.KSUID {
		calls++
		if calls <= 2 {
			return fixed
		}
		return other
	}

	release := make(chan struct{})
	first := tr.InsertThread(func() { <-release })
	second := tr.InsertThread(func() { <-release })

	assert.Equal(t, fixed, first)
	assert.Equal(t, other, second)
	assert.Equal(t, 3, calls)

	close(release)
	tr.WaitForClose()
}

func TestTrackerRecoversPanics(t *testing.T) {
	tr := New(nil)
	tr.Go("panicky", func() { panic("boom") })
	assert.Equal(t, 1, tr.WaitForClose())
}
