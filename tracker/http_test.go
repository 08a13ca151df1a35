package tracker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmzoneill/fakeseeder/bencode"
)

func testAnnounceRequest() AnnounceRequest {
	var ar AnnounceRequest
	copy(ar.InfoHash[:], "12345678901234567890")
	copy(ar.PeerId[:], "-FS0100-abcdefghijkl")
	ar.Port = 6881
	ar.NumWant = 50
	ar.Event = Started
	return ar
}

func TestAnnounceEventStrings(t *testing.T) {
	assert.EqualValues(t, "", None.String())
	assert.EqualValues(t, "started", Started.String())
	assert.EqualValues(t, "stopped", Stopped.String())
	assert.EqualValues(t, "completed", Completed.String())
	assert.EqualValues(t, "", AnnounceEvent(17).String())
}

func TestSetAnnounceParams(t *testing.T) {
	u, err := url.Parse("http://tracker.example.com/announce?tier=1")
	require.NoError(t, err)
	ar := testAnnounceRequest()
	ar.Left = -1
	setAnnounceParams(u, &ar)
	q, err := url.ParseQuery(u.RawQuery)
	require.NoError(t, err)
	assert.EqualValues(t, "12345678901234567890", q.Get("info_hash"))
	assert.EqualValues(t, "-FS0100-abcdefghijkl", q.Get("peer_id"))
	assert.EqualValues(t, "6881", q.Get("port"))
	assert.EqualValues(t, "started", q.Get("event"))
	assert.EqualValues(t, "1", q.Get("compact"))
	assert.EqualValues(t, "50", q.Get("numwant"))
	// -1 means "everything left", clamped rather than sent negative.
	assert.EqualValues(t, "9223372036854775807", q.Get("left"))
	// Pre-existing query params survive.
	assert.EqualValues(t, "1", q.Get("tier"))
}

func TestAnnounceHTTPCompactPeers(t *testing.T) {
	var gotEvent string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.URL.Query().Get("event")
		w.Write(bencode.MustMarshal(map[string]interface{}{
			"interval": 900,
			"complete": 5,
			"incomplete": 10,
			"peers":    "\x01\x02\x03\x04\x1a\xe1" + "\x05\x06\x07\x08\x00\x50",
		}))
	}))
	defer s.Close()
	res, err := Announce{
		TrackerUrl: s.URL,
		Request:    testAnnounceRequest(),
	}.Do()
	require.NoError(t, err)
	assert.EqualValues(t, "started", gotEvent)
	assert.EqualValues(t, 900, res.Interval)
	assert.EqualValues(t, 5, res.Seeders)
	assert.EqualValues(t, 10, res.Leechers)
	require.Len(t, res.Peers, 2)
	assert.True(t, res.Peers[0].IP.Equal(net.IPv4(1, 2, 3, 4)))
	assert.EqualValues(t, 6881, res.Peers[0].Port)
	assert.True(t, res.Peers[1].IP.Equal(net.IPv4(5, 6, 7, 8)))
	assert.EqualValues(t, 80, res.Peers[1].Port)
}

func TestAnnounceHTTPDictPeers(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencode.MustMarshal(map[string]interface{}{
			"interval": 1800,
			"peers": []interface{}{
				map[string]interface{}{
					"ip":      "9.8.7.6",
					"port":    1234,
					"peer id": "01234567890123456789",
				},
			},
		}))
	}))
	defer s.Close()
	res, err := Announce{
		TrackerUrl: s.URL,
		Request:    testAnnounceRequest(),
	}.Do()
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.True(t, res.Peers[0].IP.Equal(net.IPv4(9, 8, 7, 6)))
	assert.EqualValues(t, 1234, res.Peers[0].Port)
	assert.EqualValues(t, "01234567890123456789", string(res.Peers[0].ID))
}

func TestAnnounceHTTPFailureReason(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencode.MustMarshal(map[string]interface{}{
			"failure reason": "torrent not registered",
		}))
	}))
	defer s.Close()
	_, err := Announce{
		TrackerUrl: s.URL,
		Request:    testAnnounceRequest(),
	}.Do()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "torrent not registered")
}

func TestAnnounceHTTPBadStatus(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "go away", http.StatusServiceUnavailable)
	}))
	defer s.Close()
	_, err := Announce{
		TrackerUrl: s.URL,
		Request:    testAnnounceRequest(),
	}.Do()
	assert.Error(t, err)
}

func TestAnnounceHTTPTrailingGarbageTolerated(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(append(bencode.MustMarshal(map[string]interface{}{
			"interval": 60,
		}), "\n\n"...))
	}))
	defer s.Close()
	res, err := Announce{
		TrackerUrl: s.URL,
		Request:    testAnnounceRequest(),
	}.Do()
	require.NoError(t, err)
	assert.EqualValues(t, 60, res.Interval)
}

func TestAnnounceContextCancelled(t *testing.T) {
	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer s.Close()
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Announce{
		Context:    ctx,
		TrackerUrl: s.URL,
		Request:    testAnnounceRequest(),
	}.Do()
	assert.Error(t, err)
}

func TestAnnounceBadScheme(t *testing.T) {
	_, err := Announce{TrackerUrl: "wss://tracker.example.com"}.Do()
	assert.ErrorIs(t, err, ErrBadScheme)
}
