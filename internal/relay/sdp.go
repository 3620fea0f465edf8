package relay

import (
	"errors"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

var errNoMedia = errors.New("sdp has no media sections")

// inspectSDP parses sdp as the given type and returns its media section count.
func inspectSDP(typ webrtc.SDPType, sdp string) (int, error) {
	desc := webrtc.SessionDescription{Type: typ, SDP: sdp}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return 0, err
	}
	return len(parsed.MediaDescriptions), nil
}

func validateOffer(sdp string) error {
	n, err := inspectSDP(webrtc.SDPTypeOffer, sdp)
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoMedia
	}
	return nil
}

// candidateType returns the ICE candidate type (host, srflx, prflx, relay) of
// a candidate line, with or without the "candidate:" prefix.
func candidateType(value string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(value), "a=")
	raw = strings.TrimPrefix(raw, "candidate:")
	c, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return "", err
	}
	return c.Type().String(), nil
}
