// Package transport opens duplex message sockets to the media server and
// reports their connectivity.
package transport

import (
	"context"
	"errors"
)

var (
	ErrUnknownSocket = errors.New("unknown socket")
	ErrNotConnected  = errors.New("socket not connected")
	ErrClosed        = errors.New("transport closed")
)

// StateChange is emitted whenever a socket's connectivity flips.
type StateChange struct {
	UID       string
	Connected bool
}

// DataHandler receives inbound messages in arrival order for a single socket.
type DataHandler func(data string, uid string)

type Options struct {
	// AutoReconnect redials after an unexpected drop until Disconnect is called.
	AutoReconnect bool
	OnStateChange func(StateChange)
}

type Transport interface {
	Connect(ctx context.Context, url string, onData DataHandler, opts Options) (string, error)
	// Disconnect is idempotent. Unknown ids are ignored and no state change is
	// emitted for an explicit disconnect.
	Disconnect(uid string)
	IsConnected(uid string) bool
	SendData(ctx context.Context, uid string, text string) error
}
