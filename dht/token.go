package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"time"
)

// Mints and verifies the write tokens handed out in get_peers responses and
// required by announce_peer, per BEP 5. The secret rotates; tokens minted
// under the previous secret stay valid for one rotation interval.
type tokenServer struct {
	secret         []byte
	previousSecret []byte
	rotatedAt      time.Time
	interval       time.Duration
}

func newTokenServer(interval time.Duration) *tokenServer {
	return &tokenServer{
		secret:   randomSecret(),
		interval: interval,
	}
}

func randomSecret() []byte {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func (me *tokenServer) rotateIfDue() {
	if time.Since(me.rotatedAt) < me.interval {
		return
	}
	me.previousSecret = me.secret
	me.secret = randomSecret()
	me.rotatedAt = time.Now()
}

func tokenForIP(secret []byte, ip net.IP) string {
	h := sha1.New()
	h.Write(secret)
	h.Write(ip)
	return string(h.Sum(nil))
}

func (me *tokenServer) CreateToken(ip net.IP) string {
	me.rotateIfDue()
	return tokenForIP(me.secret, ip)
}

func (me *tokenServer) ValidToken(token string, ip net.IP) bool {
	me.rotateIfDue()
	if token == tokenForIP(me.secret, ip) {
		return true
	}
	return me.previousSecret != nil && token == tokenForIP(me.previousSecret, ip)
}
