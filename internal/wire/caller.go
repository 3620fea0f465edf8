package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// RequestType identifies a caller request.
type RequestType string

const (
	RequestOffer RequestType = "offer/request"
	RequestClose RequestType = "close/request"
)

// ResponseType identifies a reply to a caller request.
type ResponseType string

const (
	ResponseOffer ResponseType = "offer/response"
	ResponseError ResponseType = "error/response"
)

// EventTypeICECandidate is the type of the asynchronous candidate event.
const EventTypeICECandidate = "ice_candidate"

const encodingString = "string"

// Error messages surfaced to callers in error/response frames.
const (
	MessageTimeout         = "Timeout: did not receive offering"
	MessageConnectFailed   = "Connecting to server failed"
	MessageInvalidOffer    = "Invalid offer"
	MessageInvalidRequest  = "Invalid request"
	MessageTooManySessions = "Too many sessions"
	MessageShuttingDown    = "Service shutting down"
)

// Request is a caller-issued request. RequestID is optional and is echoed on
// the response so callers can correlate concurrent offers.
type Request struct {
	Type        RequestType `json:"type"`
	RequestID   string      `json:"request_id,omitempty"`
	StreamIdent string      `json:"stream_ident"`
	VideoID     string      `json:"video_id"`
	ClientSDP   string      `json:"client_sdp,omitempty"`
}

// Response answers an offer/request.
type Response struct {
	Type      ResponseType `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	Encoding  string       `json:"encoding,omitempty"`
	ServerSDP string       `json:"server_sdp,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Event is pushed to callers independently of any request.
type Event struct {
	Type      string `json:"type"`
	Encoding  string `json:"encoding,omitempty"`
	Candidate string `json:"candidate"`
	VideoID   string `json:"video_id"`
}

func NewOfferResponse(serverSDP string) *Response {
	return &Response{Type: ResponseOffer, Encoding: encodingString, ServerSDP: serverSDP}
}

func NewErrorResponse(msg string) *Response {
	return &Response{Type: ResponseError, Error: msg}
}

func NewCandidateEvent(candidate, videoID string) Event {
	return Event{Type: EventTypeICECandidate, Encoding: encodingString, Candidate: candidate, VideoID: videoID}
}

// ParseRequest decodes and validates a caller request.
func ParseRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Request{}, fmt.Errorf("unexpected trailing data")
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) Validate() error {
	switch r.Type {
	case RequestOffer:
		if r.StreamIdent == "" {
			return fmt.Errorf("offer request missing stream_ident")
		}
		if r.VideoID == "" {
			return fmt.Errorf("offer request missing video_id")
		}
		if r.ClientSDP == "" {
			return fmt.Errorf("offer request missing client_sdp")
		}
	case RequestClose:
		if r.VideoID == "" {
			return fmt.Errorf("close request missing video_id")
		}
		if r.ClientSDP != "" {
			return fmt.Errorf("close request has unexpected client_sdp")
		}
	default:
		return fmt.Errorf("unsupported request type %q", r.Type)
	}
	return nil
}
