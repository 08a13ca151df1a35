package fakeseeder

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bradfitz/iter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunsSubmittedJobs(t *testing.T) {
	e := newExecutor(4)
	defer e.Close()
	var wg sync.WaitGroup
	var ran atomic.Int64
	for range iter.N(100) {
		wg.Add(1)
		require.True(t, e.Submit("owner", func() {
			ran.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 100, ran.Load())
}

func TestExecutorCancelOwner(t *testing.T) {
	e := newExecutor(1)
	defer e.Close()
	block := make(chan struct{})
	started := make(chan struct{})
	e.Submit("blocker", func() {
		close(started)
		<-block
	})
	<-started
	// Queued behind the blocker, then cancelled before a worker gets to it.
	var ran atomic.Bool
	require.True(t, e.Submit("victim", func() { ran.Store(true) }))
	e.CancelOwner("victim")
	close(block)

	// Drain with a job from a live owner so we know the queue was serviced.
	done := make(chan struct{})
	require.True(t, e.Submit("other", func() { close(done) }))
	<-done
	assert.False(t, ran.Load())
}

func TestExecutorCancelledOwnerRefusesSubmit(t *testing.T) {
	e := newExecutor(1)
	defer e.Close()
	e.CancelOwner("gone")
	// Cancellation removes the owner entry, so a later submit starts a
	// fresh owner and is accepted.
	done := make(chan struct{})
	require.True(t, e.Submit("gone", func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestExecutorRecurring(t *testing.T) {
	e := newExecutor(2)
	defer e.Close()
	var ticks atomic.Int64
	e.SubmitRecurring("ticker", 10*time.Millisecond, func() { ticks.Add(1) })
	deadline := time.Now().Add(5 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, ticks.Load(), int64(3))
	e.CancelOwner("ticker")
	after := ticks.Load()
	time.Sleep(100 * time.Millisecond)
	// At most one tick that was already in flight lands after the cancel.
	assert.LessOrEqual(t, ticks.Load(), after+1)
}

// Submission must stay prompt when every worker is busy: callers submit
// while holding locks the workers themselves need, so a blocking submit
// would wedge the whole client.
func TestExecutorSubmitDoesNotBlockOnBusyWorkers(t *testing.T) {
	e := newExecutor(2)
	defer e.Close()
	block := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for range iter.N(2) {
		require.True(t, e.Submit("blocker", func() {
			started.Done()
			<-block
		}))
	}
	started.Wait()
	var ran atomic.Int64
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for range iter.N(1000) {
			assert.True(t, e.Submit("flood", func() { ran.Add(1) }))
		}
	}()
	select {
	case <-submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("submit blocked while workers were busy")
	}
	close(block)
	require.Eventually(t, func() bool { return ran.Load() == 1000 }, 5*time.Second, 10*time.Millisecond)
}

func TestExecutorCloseStopsWork(t *testing.T) {
	e := newExecutor(2)
	done := make(chan struct{})
	require.True(t, e.Submit("o", func() { close(done) }))
	<-done
	e.Close()
	assert.False(t, e.Submit("o", func() {}))
}
