package tracker

import (
	"bytes"
	"expvar"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dmzoneill/fakeseeder/bencode"
	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

var vars = expvar.NewMap("tracker")

type httpResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int32  `bencode:"interval"`
	TrackerId     string `bencode:"tracker id"`
	Complete      int32  `bencode:"complete"`
	Incomplete    int32  `bencode:"incomplete"`
	Peers         peers  `bencode:"peers"`
	// BEP 7
	Peers6 krpc.CompactIPv6NodeAddrs `bencode:"peers6"`
}

// The "peers" key is either a compact string (BEP 23) or a list of dicts
// (BEP 3).
type peers struct {
	List    []Peer
	Compact bool
}

var _ bencode.Unmarshaler = (*peers)(nil)

func (me *peers) UnmarshalBencode(b []byte) (err error) {
	var _v interface{}
	err = bencode.Unmarshal(b, &_v)
	if err != nil {
		return
	}
	switch v := _v.(type) {
	case string:
		vars.Add("http responses with string peers", 1)
		var cnas krpc.CompactIPv4NodeAddrs
		err = cnas.UnmarshalBinary([]byte(v))
		if err != nil {
			return
		}
		me.Compact = true
		for _, cp := range cnas {
			me.List = append(me.List, Peer{IP: cp.IP, Port: cp.Port})
		}
		return
	case []interface{}:
		vars.Add("http responses with list peers", 1)
		me.Compact = false
		for _, i := range v {
			d, ok := i.(map[string]interface{})
			if !ok {
				return fmt.Errorf("unsupported peer list element type: %T", i)
			}
			var p Peer
			p.FromDictInterface(d)
			me.List = append(me.List, p)
		}
		return
	default:
		vars.Add("http responses with unhandled peers type", 1)
		err = fmt.Errorf("unsupported peers type: %T", _v)
		return
	}
}

func setAnnounceParams(_url *url.URL, ar *AnnounceRequest) {
	q := _url.Query()
	q.Set("key", strconv.FormatInt(int64(ar.Key), 10))
	q.Set("peer_id", string(ar.PeerId[:]))
	// AFAICT, port is mandatory, and there's no implied port key.
	q.Set("port", strconv.FormatInt(int64(ar.Port), 10))
	q.Set("uploaded", strconv.FormatInt(ar.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(ar.Downloaded, 10))
	// Clearing the sign bit maps -1 to the maximum, which keeps fussy
	// trackers happy without a special case.
	q.Set("left", strconv.FormatInt(ar.Left&math.MaxInt64, 10))
	if ar.Event != None {
		q.Set("event", ar.Event.String())
	}
	// http://stackoverflow.com/questions/17418004/why-does-tracker-server-not-understand-my-request-bittorrent-protocol
	q.Set("compact", "1")
	if ar.NumWant >= 0 {
		q.Set("numwant", strconv.FormatInt(int64(ar.NumWant), 10))
	}
	// Info hash bytes don't survive url.Values round-tripping; splice them in
	// escaped by hand.
	ihParam := "info_hash=" + strings.ReplaceAll(url.QueryEscape(string(ar.InfoHash[:])), "+", "%20")
	_url.RawQuery = q.Encode()
	if _url.RawQuery != "" {
		_url.RawQuery += "&"
	}
	_url.RawQuery += ihParam
}

func announceHTTP(opt Announce, _url *url.URL) (ret AnnounceResponse, err error) {
	u := *_url
	setAnnounceParams(&u, &opt.Request)
	req, err := http.NewRequestWithContext(opt.Context, http.MethodGet, u.String(), nil)
	if err != nil {
		return
	}
	if opt.UserAgent != "" {
		req.Header.Set("User-Agent", opt.UserAgent)
	}
	req.Host = opt.HostHeader
	hc := opt.HttpClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	io.Copy(&buf, resp.Body)
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("response from tracker: %s: %s", resp.Status, buf.String())
		return
	}
	var trackerResponse httpResponse
	err = bencode.Unmarshal(buf.Bytes(), &trackerResponse)
	if _, ok := err.(bencode.ErrUnusedTrailingBytes); ok {
		err = nil
	} else if err != nil {
		err = fmt.Errorf("error decoding %q: %w", buf.Bytes(), err)
		return
	}
	if trackerResponse.FailureReason != "" {
		err = fmt.Errorf("tracker gave failure reason: %q", trackerResponse.FailureReason)
		return
	}
	vars.Add("successful http announces", 1)
	ret.Interval = trackerResponse.Interval
	ret.Leechers = trackerResponse.Incomplete
	ret.Seeders = trackerResponse.Complete
	ret.Peers = trackerResponse.Peers.List
	for _, na := range trackerResponse.Peers6 {
		ret.Peers = append(ret.Peers, Peer{
			IP:   na.IP,
			Port: na.Port,
		})
	}
	return
}
