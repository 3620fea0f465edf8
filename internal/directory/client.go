// Package directory lists the streams a go2rtc server exposes.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/wire"
)

// ParameterStreamID is the only parameter the dropdown callback answers for.
const ParameterStreamID = "stream_id"

type Producer struct {
	URL string `json:"url"`
}

// Stream is one entry of GET /api/streams. Producers is nil for streams that
// have no active source.
type Stream struct {
	Producers []Producer `json:"producers"`
}

type DropdownEntry struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

type Client struct {
	ServerAddr string
	HTTP       *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

func NewClient(serverAddr string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ServerAddr: serverAddr,
		HTTP:       &http.Client{Timeout: timeout},
		Metrics:    m,
		Logger:     logger.With("component", "directory"),
	}
}

// Streams fetches the producer listing. Failures are logged and reported as
// ok=false, never returned.
func (c *Client) Streams(ctx context.Context) (map[string]Stream, bool) {
	if c.ServerAddr == "" {
		c.Logger.Warn("cannot list streams: media server address not configured")
		return nil, false
	}
	url := wire.StreamsURL(c.ServerAddr)
	c.Logger.Debug("requesting streams", "url", url)

	var streams map[string]Stream
	if err := c.getJSON(ctx, url, &streams); err != nil {
		c.Metrics.Inc(metrics.DirectoryFetchFailures)
		c.Logger.Error("getting streams failed", "url", url, "err", err)
		return nil, false
	}
	if streams == nil {
		streams = map[string]Stream{}
	}
	c.Logger.Debug("found streams", "count", len(streams))
	return streams, true
}

// Options returns dropdown entries for parameterIdent. ok is false for
// unknown parameters and when the listing is unavailable.
func (c *Client) Options(ctx context.Context, parameterIdent string) ([]DropdownEntry, bool) {
	if parameterIdent != ParameterStreamID {
		c.Logger.Warn("unknown parameter", "parameter_ident", parameterIdent)
		return nil, false
	}
	streams, ok := c.Streams(ctx)
	if !ok {
		return nil, false
	}
	return DropdownEntries(streams), true
}

// DropdownEntries lists stream ids in sorted order.
func DropdownEntries(streams map[string]Stream) []DropdownEntry {
	keys := make([]string, 0, len(streams))
	for k := range streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]DropdownEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, DropdownEntry{Value: k, Name: k})
	}
	return out
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
