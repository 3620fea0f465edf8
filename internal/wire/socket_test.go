package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSocketFrame_RoundTripKnownTypes(t *testing.T) {
	for _, typ := range []SocketFrameType{SocketFrameOffer, SocketFrameAnswer, SocketFrameCandidate, SocketFrameMSE} {
		t.Run(string(typ), func(t *testing.T) {
			in := SocketFrame{Type: typ, Value: "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"}
			b, err := EncodeSocketFrame(in)
			require.NoError(t, err)

			got, err := ParseSocketFrame(b)
			require.NoError(t, err)
			require.Equal(t, in, got)
		})
	}
}

func TestParseSocketFrame_GoRTCMSEFrame(t *testing.T) {
	got, err := ParseSocketFrame([]byte(`{"type":"mse","value":"video/mp4; codecs=\"avc1.640029\""}`))
	require.NoError(t, err)
	require.Equal(t, SocketFrameMSE, got.Type)
	require.Equal(t, `video/mp4; codecs="avc1.640029"`, got.Value)
}

func TestParseSocketFrame_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      `nope`,
		"array":         `[1,2]`,
		"missing type":  `{"value":"x"}`,
		"missing value": `{"type":"webrtc/answer"}`,
		"empty value":   `{"type":"webrtc/answer","value":""}`,
		"object value":  `{"type":"webrtc/answer","value":{"sdp":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSocketFrame([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestEncodeSocketFrame_RequiresType(t *testing.T) {
	_, err := EncodeSocketFrame(SocketFrame{Value: "x"})
	require.Error(t, err)
}

func TestSocketURL(t *testing.T) {
	require.Equal(t, "ws://server:1984/api/ws?src=front_door", SocketURL("server:1984", "front_door"))
	require.Equal(t, "ws://server:1984/api/ws?src=front_door", SocketURL("ws://server:1984", "front_door"))
	require.Equal(t, "ws://server:1984/api/ws?src=a+b%26c", SocketURL("server:1984", "a b&c"))
}

func TestStreamsURL(t *testing.T) {
	require.Equal(t, "http://server:1984/api/streams", StreamsURL("server:1984"))
	require.Equal(t, "http://server:1984/api/streams", StreamsURL("http://server:1984"))
}
