package posebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cortexnav/neuronav/internal/monitoring"
	"github.com/cortexnav/neuronav/internal/signal"
	"github.com/cortexnav/neuronav/internal/timeutil"
	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// ErrNoTransform is returned by LatestTransform when the tool key is
// missing from the mirror or its stored pose carries no transform.
var ErrNoTransform = errors.New("no valid transform for tool key")

// ClientConfig configures a pose subscriber client.
type ClientConfig struct {
	// ServerURL is the broadcast server's base URL, e.g.
	// "http://127.0.0.1:18950".
	ServerURL string

	// ReconnectMin/ReconnectMax bound the exponential redial backoff
	// (defaults 250 ms / 5 s).
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// StatusTimeout is how long the client goes without hearing from the
	// server before probing the command surface and, failing that,
	// reporting disconnection (default 10 s).
	StatusTimeout time.Duration

	// Clock is swapped for a fake in tests (default real).
	Clock timeutil.Clock

	// HTTPClient handles command-surface requests (default a 5 s-timeout
	// client).
	HTTPClient *http.Client
}

// Client mirrors one broadcast server's latest-pose table. The mirror is
// mutated only by the receive loop; readers get copies. While disconnected
// the last-known values remain readable — ConnectedChanged distinguishes
// "no data because never connected" from "tool not visible".
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	latest    track.PoseMap // nil until the first message arrives
	lastHeard time.Time     // zero = never heard from server
	connected bool

	posesChanged     signal.Signal[struct{}]
	connectedChanged signal.Signal[bool]
}

// NewClient creates a client; call Run to start receiving.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 250 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.Real{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{cfg: cfg}
}

// PosesChanged fires at most once per received message, and only when some
// pose actually differs from the mirror (timestamp-only refreshes are
// absorbed silently).
func (c *Client) PosesChanged() *signal.Signal[struct{}] {
	return &c.posesChanged
}

// ConnectedChanged fires when connectivity to the server changes.
func (c *Client) ConnectedChanged() *signal.Signal[bool] {
	return &c.connectedChanged
}

// Connected reports current connectivity.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LatestPoses returns a copy of the mirror.
func (c *Client) LatestPoses() track.PoseMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return track.PoseMap{}
	}
	return c.latest.Clone()
}

// LatestTransform returns the last-known transform for a tool key, or
// ErrNoTransform when the key is missing or the tool is not visible.
func (c *Client) LatestTransform(toolKey string) (xfm.Transform, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pose := c.latest[toolKey]
	if !pose.Visible() {
		return xfm.Transform{}, fmt.Errorf("%q: %w", toolKey, ErrNoTransform)
	}
	return *pose.Transform, nil
}

// LatestTransformOr is the sentinel-default variant of LatestTransform:
// it returns def (which may be nil) when no valid transform is held.
func (c *Client) LatestTransformOr(toolKey string, def *xfm.Transform) *xfm.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	pose := c.latest[toolKey]
	if !pose.Visible() {
		return def
	}
	t := *pose.Transform
	return &t
}

// SourceType queries the server's declared source type over the command
// surface.
func (c *Client) SourceType(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+SourcePath, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("source type query: %w", err)
	}
	defer resp.Body.Close()
	var info sourceInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("source type query: %w", err)
	}
	return info.Type, nil
}

// RequestRepublish asks the server to republish its current table; the
// client calls this itself after every (re)connect.
func (c *Client) RequestRepublish(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+RepublishPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("republish request: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Run receives snapshots until ctx is cancelled, redialing with capped
// exponential backoff on any transport failure. The mirror stays readable
// throughout.
func (c *Client) Run(ctx context.Context) error {
	go c.monitorLoop(ctx)

	wsURL, err := streamURL(c.cfg.ServerURL)
	if err != nil {
		return err
	}

	backoff := c.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			c.setConnected(false)
			return ctx.Err()
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			c.setConnected(false)
			monitoring.Debugf("[PoseClient] dial %s failed: %v", wsURL, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.cfg.Clock.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}
			continue
		}
		backoff = c.cfg.ReconnectMin
		monitoring.Logf("[PoseClient] connected to %s", wsURL)
		c.markHeard()
		c.setConnected(true)
		if err := c.RequestRepublish(ctx); err != nil {
			monitoring.Debugf("[PoseClient] %v", err)
		}

		c.readUntilClosed(ctx, conn)
		c.setConnected(false)
	}
}

// readUntilClosed drains messages from one connection until it fails or
// ctx is cancelled.
func (c *Client) readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if ctx.Err() == nil {
				monitoring.Logf("[PoseClient] connection lost: %v", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage applies one received snapshot to the mirror. The change
// signal fires at most once per message, and not at all when every pose is
// unchanged (the first message always counts as a change, even if empty,
// so consumers learn the mirror is now populated).
func (c *Client) handleMessage(data []byte) {
	newPoses, err := decodePoses(data)
	if err != nil {
		monitoring.Logf("[PoseClient] dropping malformed message: %v", err)
		return
	}
	c.markHeard()

	c.mu.Lock()
	changed := c.latest == nil || !c.latest.SamePoses(newPoses)
	if changed {
		c.latest = newPoses
	}
	c.mu.Unlock()

	if changed {
		monitoring.Debugf("[PoseClient] poses changed (%d keys)", len(newPoses))
		c.posesChanged.Emit(struct{}{})
	}
}

// monitorLoop detects a silently dead server: when nothing has been heard
// for half the status timeout it probes the health endpoint, and flips the
// connected signal if that fails too.
func (c *Client) monitorLoop(ctx context.Context) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.StatusTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		heard := c.lastHeard
		c.mu.Unlock()
		if !heard.IsZero() && c.cfg.Clock.Since(heard) <= c.cfg.StatusTimeout/2 {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout/2)
		req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, c.cfg.ServerURL+HealthPath, nil)
		if err == nil {
			var resp *http.Response
			resp, err = c.cfg.HTTPClient.Do(req)
			if resp != nil {
				resp.Body.Close()
			}
		}
		cancel()
		if err != nil {
			monitoring.Debugf("[PoseClient] health probe failed: %v", err)
			c.setConnected(false)
		} else {
			c.markHeard()
			c.setConnected(true)
		}
	}
}

func (c *Client) markHeard() {
	c.mu.Lock()
	c.lastHeard = c.cfg.Clock.Now()
	c.mu.Unlock()
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	c.mu.Unlock()
	monitoring.Logf("[PoseClient] connected=%v", connected)
	c.connectedChanged.Emit(connected)
}

// streamURL converts the server base URL to the websocket stream URL.
func streamURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server URL: unsupported scheme %q", u.Scheme)
	}
	u.Path = StreamPath
	return u.String(), nil
}
