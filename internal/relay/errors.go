package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig means no media server address is configured. The caller gets
	// no response.
	ErrConfig = errors.New("media server address not configured")
	// ErrTransport covers socket open failures and sockets lost before the
	// answer arrived.
	ErrTransport = errors.New("transport error")
	ErrTimeout   = errors.New("timed out waiting for answer")
	// ErrProtocol marks malformed requests and frames. Inbound frame errors are
	// only logged and counted.
	ErrProtocol        = errors.New("protocol error")
	ErrInvalidOffer    = fmt.Errorf("%w: invalid offer sdp", ErrProtocol)
	ErrTooManySessions = errors.New("too many sessions")
	ErrEngineClosed    = errors.New("engine closed")
	ErrDuplicateSocket = errors.New("socket id already registered")
)
