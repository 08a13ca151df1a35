package dht

import "github.com/pkg/errors"

var (
	ErrQueryTimeout  = errors.New("dht query timed out")
	ErrServerClosed  = errors.New("dht server closed")
	ErrNoInitialNode = errors.New("no initial nodes")
)
