package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SocketFrameType identifies a frame on the media server socket.
type SocketFrameType string

const (
	SocketFrameOffer     SocketFrameType = "webrtc/offer"
	SocketFrameAnswer    SocketFrameType = "webrtc/answer"
	SocketFrameCandidate SocketFrameType = "webrtc/candidate"
	SocketFrameMSE       SocketFrameType = "mse"
)

var (
	errMissingType  = errors.New("wire: frame missing type")
	errMissingValue = errors.New("wire: frame missing value")
)

// SocketFrame is a single {type, value} message on a go2rtc socket.
type SocketFrame struct {
	Type  SocketFrameType `json:"type"`
	Value string          `json:"value"`
}

// EncodeSocketFrame marshals f for sending on the socket.
func EncodeSocketFrame(f SocketFrame) ([]byte, error) {
	if f.Type == "" {
		return nil, errMissingType
	}
	return json.Marshal(f)
}

// ParseSocketFrame decodes an inbound socket frame. Frames that are not a JSON
// object, or that lack a type or a string value, are rejected.
func ParseSocketFrame(data []byte) (SocketFrame, error) {
	var f SocketFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return SocketFrame{}, fmt.Errorf("wire: decode socket frame: %w", err)
	}
	if f.Type == "" {
		return SocketFrame{}, errMissingType
	}
	if f.Value == "" {
		return SocketFrame{}, errMissingValue
	}
	return f, nil
}

// SocketURL returns the go2rtc WebSocket endpoint for streamID on the server at
// addr (host:port, optionally prefixed with ws://).
func SocketURL(addr, streamID string) string {
	addr = strings.TrimPrefix(strings.TrimSpace(addr), "ws://")
	return "ws://" + addr + "/api/ws?src=" + url.QueryEscape(streamID)
}

// StreamsURL returns the go2rtc producer listing endpoint for the server at
// addr.
func StreamsURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr + "/api/streams"
}
