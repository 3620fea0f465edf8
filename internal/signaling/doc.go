// Package signaling serves the caller-facing WebSocket: offer/request and
// close/request messages in, offer/response, error/response and ice_candidate
// events out.
package signaling
