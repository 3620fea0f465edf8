package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/transport"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/wire"
)

type sentFrame struct {
	uid  string
	text string
}

type fakeSocket struct {
	url       string
	onData    transport.DataHandler
	opts      transport.Options
	connected bool
}

// fakeTransport is an in-memory transport.Transport that records every call.
type fakeTransport struct {
	mu                sync.Mutex
	next              int
	connectErr        error
	startDisconnected bool
	sockets           map[string]*fakeSocket
	disconnects       map[string]int
	log               []string
	sent              chan sentFrame

	// gate, when set, holds Connect until it is closed; entered receives the
	// URL of every Connect that reached the gate.
	gate    chan struct{}
	entered chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sockets:     make(map[string]*fakeSocket),
		disconnects: make(map[string]int),
		sent:        make(chan sentFrame, 16),
	}
}

func (f *fakeTransport) Connect(_ context.Context, url string, onData transport.DataHandler, opts transport.Options) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		f.entered <- url
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return "", f.connectErr
	}
	f.next++
	uid := fmt.Sprintf("sock-%d", f.next)
	f.sockets[uid] = &fakeSocket{url: url, onData: onData, opts: opts, connected: !f.startDisconnected}
	f.log = append(f.log, "connect:"+uid)
	return uid, nil
}

func (f *fakeTransport) Disconnect(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects[uid]++
	f.log = append(f.log, "disconnect:"+uid)
	if s, ok := f.sockets[uid]; ok {
		s.connected = false
	}
}

func (f *fakeTransport) IsConnected(uid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sockets[uid]
	return ok && s.connected
}

func (f *fakeTransport) SendData(_ context.Context, uid string, text string) error {
	f.mu.Lock()
	s, ok := f.sockets[uid]
	f.mu.Unlock()
	if !ok || !s.connected {
		return transport.ErrNotConnected
	}
	f.sent <- sentFrame{uid: uid, text: text}
	return nil
}

// holdConnects makes Connect block until the returned release func is called.
func (f *fakeTransport) holdConnects() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.entered = make(chan string, 16)
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeTransport) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case url := <-f.entered:
		return url
	case <-time.After(2 * time.Second):
		t.Fatal("no connect reached the gate")
		return ""
	}
}

func (f *fakeTransport) socket(uid string) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[uid]
}

func (f *fakeTransport) disconnectCount(uid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects[uid]
}

func (f *fakeTransport) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// deliver feeds an inbound socket frame to the engine.
func (f *fakeTransport) deliver(uid string, typ wire.SocketFrameType, value string) {
	b, _ := wire.EncodeSocketFrame(wire.SocketFrame{Type: typ, Value: value})
	f.deliverRaw(uid, string(b))
}

func (f *fakeTransport) deliverRaw(uid string, data string) {
	s := f.socket(uid)
	if s == nil {
		return
	}
	s.onData(data, uid)
}

func (f *fakeTransport) stateChange(uid string, connected bool) {
	s := f.socket(uid)
	if s == nil || s.opts.OnStateChange == nil {
		return
	}
	s.opts.OnStateChange(transport.StateChange{UID: uid, Connected: connected})
}

func (f *fakeTransport) waitSent(t *testing.T) sentFrame {
	t.Helper()
	select {
	case sf := <-f.sent:
		return sf
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return sentFrame{}
	}
}

type fakeEvents struct {
	mu     sync.Mutex
	err    error
	events []wire.Event
}

func (p *fakeEvents) PublishCandidate(_ context.Context, ev wire.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakeEvents) published() []wire.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.Event(nil), p.events...)
}

var errFakeDial = errors.New("dial refused")
