package fakeseeder

import (
	"context"
	"math/rand"
	"net/netip"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/dmzoneill/fakeseeder/tracker"
)

const (
	minAnnounceInterval = time.Minute
	// How long a backup tracker serves before the primary is probed again.
	primaryRecheckInterval = 15 * time.Minute
)

type trackerState struct {
	url                 string
	consecutiveFailures int
	lastAttempt         time.Time
	lastSuccess         time.Time
}

// trackerAnnouncer drives the announce cycle for one torrent against an
// ordered tracker list. One announce is in flight at a time; failover
// moves down the list after repeated failures and the primary is retried
// periodically so recovery demotes the backup again.
type trackerAnnouncer struct {
	t        *Torrent
	key      int32
	logger   log.Logger
	stop     chansync.SetOnce
	stopped  chansync.SetOnce
	interval time.Duration

	mu sync.Mutex
	// Index of the tracker currently being announced to.
	cur      int
	trackers []*trackerState
	// Set while every tracker has hit the failure threshold.
	allUnreachable bool
	// URL of the last tracker that accepted an announce, for the
	// stopped event.
	lastGoodUrl string
}

func newTrackerAnnouncer(t *Torrent, urls []string) *trackerAnnouncer {
	a := &trackerAnnouncer{
		t:      t,
		key:    rand.Int31(),
		logger: t.logger.WithContextText("tracker announcer"),
	}
	for _, u := range urls {
		a.trackers = append(a.trackers, &trackerState{url: u})
	}
	return a
}

// AllUnreachable reports whether every configured tracker is currently
// failing past the failover threshold.
func (a *trackerAnnouncer) AllUnreachable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allUnreachable
}

// Stop ends the announce loop and sends the stopped event. It returns
// once the loop goroutine has exited; the stopped announce itself is
// bounded by ctx.
func (a *trackerAnnouncer) Stop() {
	a.StopCtx(context.Background())
}

func (a *trackerAnnouncer) StopCtx(ctx context.Context) {
	if !a.stop.Set() {
		<-a.stopped.Done()
		return
	}
	<-a.stopped.Done()
	a.mu.Lock()
	url := a.lastGoodUrl
	a.mu.Unlock()
	if url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.announceTo(ctx, url, tracker.Stopped); err != nil {
		a.logger.Levelf(log.Debug, "stopped announce to %q: %v", url, err)
	}
}

func (a *trackerAnnouncer) run() {
	defer a.stopped.Set()
	if len(a.trackers) == 0 {
		return
	}
	event := tracker.Started
	backoff := minAnnounceInterval
	for {
		wait := a.announceCycle(&event, &backoff)
		select {
		case <-time.After(wait):
		case <-a.stop.Done():
			return
		case <-a.t.cl.closed.Done():
			return
		}
	}
}

// announceCycle does one announce and returns how long to wait before the
// next. event flips to None after the first success; backoff grows while
// every tracker is down and resets on success.
func (a *trackerAnnouncer) announceCycle(event *tracker.AnnounceEvent, backoff *time.Duration) time.Duration {
	a.mu.Lock()
	ts := a.currentLocked()
	ts.lastAttempt = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), tracker.DefaultAnnounceTimeout)
	res, err := a.announceTo(ctx, ts.url, *event)
	cancel()
	if err != nil {
		a.logger.Levelf(log.Debug, "announcing to %q: %v", ts.url, err)
		return a.onFailure(ts, backoff)
	}
	a.onSuccess(ts, res)
	*event = tracker.None
	*backoff = minAnnounceInterval
	interval := time.Duration(res.Interval) * time.Second
	if interval < minAnnounceInterval {
		interval = minAnnounceInterval
	}
	return a.jitter(interval)
}

func (a *trackerAnnouncer) onSuccess(ts *trackerState, res tracker.AnnounceResponse) {
	now := time.Now()
	a.mu.Lock()
	ts.consecutiveFailures = 0
	ts.lastSuccess = now
	a.allUnreachable = false
	a.lastGoodUrl = ts.url
	// A backup serving while the primary recovers gets demoted: probe
	// the primary once its recheck interval has passed.
	if a.cur != 0 {
		primary := a.trackers[0]
		if now.Sub(primary.lastAttempt) >= primaryRecheckInterval {
			primary.consecutiveFailures = 0
			a.cur = 0
		}
	}
	a.mu.Unlock()

	var addrs []netip.AddrPort
	for _, p := range res.Peers {
		if ap, ok := p.ToAddrPort(); ok {
			addrs = append(addrs, ap)
		}
	}
	a.t.cl.lock()
	a.t.lastSeeders = res.Seeders
	a.t.lastLeechers = res.Leechers
	a.t.cl.unlock()
	a.t.addCandidates(addrs, peerSourceTracker)
}

func (a *trackerAnnouncer) onFailure(ts *trackerState, backoff *time.Duration) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts.consecutiveFailures++
	if ts.consecutiveFailures < a.t.cl.config.TrackerFailureThreshold {
		return a.jitter(minAnnounceInterval)
	}
	// Fail over to the next tracker that isn't already past the
	// threshold.
	for i := 1; i <= len(a.trackers); i++ {
		next := (a.cur + i) % len(a.trackers)
		if a.trackers[next].consecutiveFailures < a.t.cl.config.TrackerFailureThreshold {
			a.cur = next
			return a.jitter(minAnnounceInterval)
		}
	}
	// Everything is down. Keep cycling the list slowly, clearing the
	// counters so each gets probed once per backoff period.
	if !a.allUnreachable {
		a.logger.Levelf(log.Warning, "%v", AllTrackersUnreachableError{InfoHash: a.t.infoHash})
	}
	a.allUnreachable = true
	a.cur = (a.cur + 1) % len(a.trackers)
	a.trackers[a.cur].consecutiveFailures = a.t.cl.config.TrackerFailureThreshold - 1
	*backoff *= 2
	if *backoff > a.t.cl.config.TrackerBackoffMax {
		*backoff = a.t.cl.config.TrackerBackoffMax
	}
	return a.jitter(*backoff)
}

// currentLocked returns the state for the tracker being announced to.
func (a *trackerAnnouncer) currentLocked() *trackerState {
	return a.trackers[a.cur]
}

// jitter spreads announce times so many torrents added together don't
// synchronize into announce storms.
func (a *trackerAnnouncer) jitter(d time.Duration) time.Duration {
	frac := a.t.cl.config.AnnounceJitterFrac
	if frac <= 0 {
		return d
	}
	off := (rand.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(off)
}

func (a *trackerAnnouncer) announceTo(ctx context.Context, url string, event tracker.AnnounceEvent) (tracker.AnnounceResponse, error) {
	t := a.t
	cl := t.cl
	var uploaded int64
	t.cl.lock()
	total := t.stats.Copy()
	for c := range t.conns {
		total.add(c.stats.Copy())
	}
	uploaded = total.DataBytesWritten
	t.cl.unlock()
	req := tracker.AnnounceRequest{
		InfoHash: [20]byte(t.infoHash),
		PeerId:   [20]byte(cl.peerID),
		Uploaded: uploaded,
		// Seeders have the whole torrent.
		Left:    0,
		Event:   event,
		Key:     a.key,
		NumWant: int32(t.numPeersForAnnounce()),
		Port:    uint16(cl.listenPort()),
	}
	if event == tracker.Stopped {
		req.NumWant = 0
	}
	return tracker.Announce{
		Context:    ctx,
		TrackerUrl: url,
		Request:    req,
		HttpClient: cl.trackerHttpClient,
	}.Do()
}
