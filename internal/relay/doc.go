// Package relay brokers SDP offer/answer and ICE candidate exchange between
// local callers and a go2rtc media server.
//
// Each negotiation owns one transport socket to the media server. Sessions
// live in an index-backed Registry and are destroyed through Registry.Remove
// only, so deadline cancellation and socket closure always happen together.
package relay
