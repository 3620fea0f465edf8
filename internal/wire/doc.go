// Package wire defines the JSON frames exchanged by the relay.
//
// Two protocols meet here: the go2rtc socket protocol ({type, value} frames on
// the per-stream media server WebSocket) and the caller-facing protocol used
// by video widgets (offer/close requests, offer/error responses and
// ice_candidate events).
package wire
