// Command fake-go2rtc is a stand-in media server for local end-to-end runs of
// the signaling relay. It answers webrtc/offer frames on /api/ws with a real
// pion answer, trickles its ICE candidates, and lists a fixed set of streams on
// /api/streams.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/wire"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	streams := strings.Split(envOrDefault("FAKE_STREAMS", "camera"), ",")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           newMux(streams, newAPI(os.Getenv("PION_LOG_VERBOSE") != ""), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

type producer struct {
	URL string `json:"url"`
}

type stream struct {
	Producers []producer `json:"producers"`
}

// newAPI builds the pion API used for every answering peer connection. Pion's
// own logging stays at warn unless verbose is set.
func newAPI(verbose bool) *webrtc.API {
	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = logging.LogLevelWarn
	if verbose {
		factory.DefaultLogLevel = logging.LogLevelDebug
	}
	se := webrtc.SettingEngine{LoggerFactory: factory}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func newMux(streams []string, api *webrtc.API, logger *slog.Logger) *http.ServeMux {
	listing := make(map[string]stream, len(streams))
	for _, name := range streams {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		listing[name] = stream{Producers: []producer{{URL: "rtsp://fake/" + name}}}
	}

	upgrader := websocket.Upgrader{
		// Accept all origins for E2E.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(listing)
	})
	mux.HandleFunc("GET /api/ws", func(w http.ResponseWriter, r *http.Request) {
		src := r.URL.Query().Get("src")
		if _, ok := listing[src]; !ok {
			http.Error(w, "unknown src", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serveSocket(conn, api, logger.With("src", src))
	})
	return mux
}

type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketWriter) send(typ wire.SocketFrameType, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendLocked(typ, value)
}

func (s *socketWriter) sendLocked(typ wire.SocketFrameType, value string) {
	msg, err := wire.EncodeSocketFrame(wire.SocketFrame{Type: typ, Value: value})
	if err != nil {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, msg)
}

// serveSocket answers every offer on conn with its own peer connection. Peer
// connections live until the socket closes.
func serveSocket(conn *websocket.Conn, api *webrtc.API, logger *slog.Logger) {
	defer conn.Close()
	w := &socketWriter{conn: conn}

	var peers []*webrtc.PeerConnection
	defer func() {
		for _, pc := range peers {
			_ = pc.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.ParseSocketFrame(data)
		if err != nil || frame.Type != wire.SocketFrameOffer {
			continue
		}
		pc, err := answer(api, frame.Value, w)
		if err != nil {
			logger.Warn("offer rejected", "err", err)
			continue
		}
		peers = append(peers, pc)
	}
}

func answer(api *webrtc.API, offerSDP string, w *socketWriter) (*webrtc.PeerConnection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		w.send(wire.SocketFrameCandidate, c.ToJSON().Candidate)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	// Holding the writer keeps gathered candidates behind the answer.
	w.mu.Lock()
	err = pc.SetLocalDescription(ans)
	if err == nil {
		w.sendLocked(wire.SocketFrameAnswer, ans.SDP)
	}
	w.mu.Unlock()
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return pc, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
