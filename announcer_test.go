package fakeseeder

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmzoneill/fakeseeder/bencode"
	"github.com/dmzoneill/fakeseeder/tracker"
)

type countingTracker struct {
	srv *httptest.Server
	// Announces served, including failures.
	hits atomic.Int64
	// While set, every announce fails.
	failing atomic.Bool
}

func newCountingTracker(t *testing.T) *countingTracker {
	t.Helper()
	ct := &countingTracker{}
	ct.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct.hits.Add(1)
		if ct.failing.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Write(bencode.MustMarshal(map[string]interface{}{
			"interval": 1800,
			"peers":    "",
		}))
	}))
	t.Cleanup(ct.srv.Close)
	return ct
}

// A torrent wired to a client but not registered or activated, so nothing
// announces except the cycles the test drives by hand.
func newBenchTorrent(t *testing.T, cl *Client) *Torrent {
	t.Helper()
	return &Torrent{
		cl:         cl,
		infoHash:   testInfoHash(50),
		pieceCount: 4,
		logger:     cl.logger,
		knownPeers: make(map[string]*knownPeer),
		conns:      make(map[*PeerConn]struct{}),
		halfOpen:   make(map[string]struct{}),
	}
}

func driveCycles(a *trackerAnnouncer, n int) {
	event := tracker.Started
	backoff := minAnnounceInterval
	for i := 0; i < n; i++ {
		a.announceCycle(&event, &backoff)
	}
}

func TestAnnouncerFailoverToBackup(t *testing.T) {
	cl, err := NewClient(testConfig())
	require.NoError(t, err)
	defer cl.Close()
	tor := newBenchTorrent(t, cl)

	primary := newCountingTracker(t)
	primary.failing.Store(true)
	backup := newCountingTracker(t)

	a := newTrackerAnnouncer(tor, []string{primary.srv.URL, backup.srv.URL})
	// Three consecutive failures hit the threshold; the fourth cycle
	// announces to the backup.
	driveCycles(a, 4)
	assert.EqualValues(t, 3, primary.hits.Load())
	assert.EqualValues(t, 1, backup.hits.Load())
	assert.False(t, a.AllUnreachable())
	a.mu.Lock()
	assert.EqualValues(t, 1, a.cur)
	assert.EqualValues(t, backup.srv.URL, a.lastGoodUrl)
	a.mu.Unlock()
}

func TestAnnouncerPrimaryDemotesBackup(t *testing.T) {
	cl, err := NewClient(testConfig())
	require.NoError(t, err)
	defer cl.Close()
	tor := newBenchTorrent(t, cl)

	primary := newCountingTracker(t)
	primary.failing.Store(true)
	backup := newCountingTracker(t)
	a := newTrackerAnnouncer(tor, []string{primary.srv.URL, backup.srv.URL})
	driveCycles(a, 4)

	// Primary recovers. Once its recheck interval passes, a successful
	// backup announce promotes it back.
	primary.failing.Store(false)
	a.mu.Lock()
	a.trackers[0].lastAttempt = time.Now().Add(-primaryRecheckInterval - time.Minute)
	a.mu.Unlock()
	driveCycles(a, 1)
	a.mu.Lock()
	assert.EqualValues(t, 0, a.cur)
	a.mu.Unlock()
	driveCycles(a, 1)
	assert.EqualValues(t, 4, primary.hits.Load())
}

func TestAnnouncerAllUnreachableBackoff(t *testing.T) {
	cl, err := NewClient(testConfig())
	require.NoError(t, err)
	defer cl.Close()
	tor := newBenchTorrent(t, cl)

	a1 := newCountingTracker(t)
	a1.failing.Store(true)
	a2 := newCountingTracker(t)
	a2.failing.Store(true)

	a := newTrackerAnnouncer(tor, []string{a1.srv.URL, a2.srv.URL})
	event := tracker.Started
	backoff := minAnnounceInterval
	var waits []time.Duration
	for i := 0; i < 10; i++ {
		waits = append(waits, a.announceCycle(&event, &backoff))
	}
	assert.True(t, a.AllUnreachable())
	// Backoff grows once everything is down, and never past the cap.
	assert.Greater(t, waits[len(waits)-1], waits[0])
	max := cl.config.TrackerBackoffMax
	slack := time.Duration(float64(max) * cl.config.AnnounceJitterFrac)
	for _, w := range waits {
		assert.LessOrEqual(t, w, max+slack+time.Second)
	}

	// A recovery clears the condition.
	a1.failing.Store(false)
	driveCycles(a, 2)
	assert.False(t, a.AllUnreachable())
}

func TestAnnouncerReportsSwarmCounts(t *testing.T) {
	cl, err := NewClient(testConfig())
	require.NoError(t, err)
	defer cl.Close()
	tor := newBenchTorrent(t, cl)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencode.MustMarshal(map[string]interface{}{
			"interval":   1800,
			"complete":   7,
			"incomplete": 3,
			"peers":      "\x7f\x00\x00\x01\x1a\xe1",
		}))
	}))
	defer srv.Close()
	a := newTrackerAnnouncer(tor, []string{srv.URL})
	driveCycles(a, 1)

	cl.lock()
	assert.EqualValues(t, 7, tor.lastSeeders)
	assert.EqualValues(t, 3, tor.lastLeechers)
	assert.Len(t, tor.knownPeers, 1)
	cl.unlock()
}

func TestAnnouncerStopWithoutSuccessIsQuiet(t *testing.T) {
	cl, err := NewClient(testConfig())
	require.NoError(t, err)
	defer cl.Close()
	tor := newBenchTorrent(t, cl)
	ct := newCountingTracker(t)
	ct.failing.Store(true)
	a := newTrackerAnnouncer(tor, []string{ct.srv.URL})
	go a.run()
	// No announce ever succeeded, so Stop sends no stopped event and
	// returns promptly.
	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung")
	}
}
