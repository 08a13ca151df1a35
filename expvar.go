package fakeseeder

import "expvar"

var (
	connEventsDropped   = expvar.NewInt("fakeseeder.connEventsDropped")
	handshakesCompleted = expvar.NewInt("fakeseeder.handshakesCompleted")
	handshakesFailed    = expvar.NewInt("fakeseeder.handshakesFailed")
	acceptedConns       = expvar.NewInt("fakeseeder.acceptedConns")
	unmatchedInfoHashes = expvar.NewInt("fakeseeder.unmatchedInfoHashes")
	keepAlivesSent      = expvar.NewInt("fakeseeder.keepAlivesSent")
	fabricatedPieces    = expvar.NewInt("fakeseeder.fabricatedPieces")
)
