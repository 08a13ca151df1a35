package fakeseeder

import (
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// executor is a fixed pool of workers that torrents, connections and the
// DHT share for dialing and recurring maintenance. The queue is unbounded
// and submission never blocks: callers submit while holding the client
// lock, and the workers themselves take that lock, so a bounded queue
// would deadlock the two against each other.
type executor struct {
	cond   chansync.BroadcastCond
	closed chansync.SetOnce
	wg     sync.WaitGroup

	mu     sync.Mutex
	queue  []execJob
	owners map[any]*execOwner
}

type execJob struct {
	owner *execOwner
	f     func()
}

type execOwner struct {
	cancelled chansync.SetOnce
	// Timers of recurring jobs, stopped when the owner is cancelled.
	timers []*time.Timer
}

func newExecutor(workers int) *executor {
	if workers <= 0 {
		workers = 1
	}
	e := &executor{
		owners: make(map[any]*execOwner),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *executor) worker() {
	defer e.wg.Done()
	for {
		signaled := e.cond.Signaled()
		e.mu.Lock()
		if len(e.queue) > 0 {
			j := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			if !j.owner.cancelled.IsSet() {
				j.f()
			}
			continue
		}
		e.mu.Unlock()
		select {
		case <-signaled:
		case <-e.closed.Done():
			return
		}
	}
}

func (e *executor) ownerLocked(key any) *execOwner {
	o := e.owners[key]
	if o == nil {
		o = &execOwner{}
		e.owners[key] = o
	}
	return o
}

// Submit queues f to run on a worker and returns without waiting for a
// worker to be free. Returns false if the executor is closed or the owner
// has been cancelled, in which case f never runs.
func (e *executor) Submit(owner any, f func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.IsSet() {
		return false
	}
	o := e.ownerLocked(owner)
	if o.cancelled.IsSet() {
		return false
	}
	e.queue = append(e.queue, execJob{o, f})
	e.cond.Broadcast()
	return true
}

// SubmitRecurring arranges for f to run on a worker every interval, with
// the first run after one full interval. The job stops when the owner is
// cancelled or the executor closes.
func (e *executor) SubmitRecurring(owner any, every time.Duration, f func()) {
	e.mu.Lock()
	o := e.ownerLocked(owner)
	var t *time.Timer
	t = time.AfterFunc(every, func() {
		if o.cancelled.IsSet() || e.closed.IsSet() {
			return
		}
		e.mu.Lock()
		e.queue = append(e.queue, execJob{o, f})
		e.cond.Broadcast()
		e.mu.Unlock()
		t.Reset(every)
	})
	o.timers = append(o.timers, t)
	e.mu.Unlock()
}

// CancelOwner stops all pending and recurring work for the owner. Jobs
// already running are not interrupted.
func (e *executor) CancelOwner(owner any) {
	e.mu.Lock()
	o := e.owners[owner]
	delete(e.owners, owner)
	e.mu.Unlock()
	if o == nil {
		return
	}
	o.cancelled.Set()
	for _, t := range o.timers {
		t.Stop()
	}
}

// Close cancels every owner and waits for in-flight jobs to finish.
// Queued jobs are drained without running.
func (e *executor) Close() {
	e.mu.Lock()
	owners := e.owners
	e.owners = make(map[any]*execOwner)
	e.mu.Unlock()
	for _, o := range owners {
		o.cancelled.Set()
		for _, t := range o.timers {
			t.Stop()
		}
	}
	e.closed.Set()
	e.wg.Wait()
}
