package posebus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexnav/neuronav/internal/timeutil"
	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// startServer binds a server on an ephemeral port and runs it until the
// test ends.
func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg)
	require.NoError(t, s.Bind())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// waitFor polls cond until it holds or the test deadline budget runs out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func shiftedPose(ts float64, dx float64) *track.TimestampedPose {
	return track.NewPose(ts, xfm.Compose(
		[9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		[3]float64{dx, 0, 0},
	))
}

func TestRecordSampleOrdering(t *testing.T) {
	t.Parallel()

	t.Run("older sample discarded", func(t *testing.T) {
		t.Parallel()
		s := NewServer(ServerConfig{SourceType: "test"})
		s.RecordSample("Coil", shiftedPose(2.0, 20))
		s.RecordSample("Coil", shiftedPose(1.0, 10))

		got := s.LatestPoses()["Coil"]
		require.True(t, got.Visible())
		assert.Equal(t, 2.0, got.Time)
		assert.Equal(t, 20.0, got.Transform[3])
	})

	t.Run("equal timestamp replaces", func(t *testing.T) {
		t.Parallel()
		s := NewServer(ServerConfig{SourceType: "test"})
		s.RecordSample("Coil", shiftedPose(1.0, 10))
		s.RecordSample("Coil", shiftedPose(1.0, 15))

		got := s.LatestPoses()["Coil"]
		require.True(t, got.Visible())
		assert.Equal(t, 15.0, got.Transform[3])
	})

	t.Run("lost pose recorded", func(t *testing.T) {
		t.Parallel()
		s := NewServer(ServerConfig{SourceType: "test"})
		s.RecordSample("Coil", shiftedPose(1.0, 10))
		s.RecordSample("Coil", track.NewLostPose(2.0))

		got := s.LatestPoses()["Coil"]
		require.NotNil(t, got)
		assert.False(t, got.Visible())
		assert.Equal(t, 2.0, got.Time)
	})

	t.Run("nil clears the slot", func(t *testing.T) {
		t.Parallel()
		s := NewServer(ServerConfig{SourceType: "test"})
		s.RecordSample("Coil", shiftedPose(1.0, 10))
		s.RecordSample("Coil", nil)

		assert.Nil(t, s.LatestPoses()["Coil"])
	})

	t.Run("table copies are independent", func(t *testing.T) {
		t.Parallel()
		s := NewServer(ServerConfig{SourceType: "test"})
		s.RecordSample("Coil", shiftedPose(1.0, 10))

		snap := s.LatestPoses()
		snap["Coil"].Transform[3] = 99
		assert.Equal(t, 10.0, s.LatestPoses()["Coil"].Transform[3])
	})
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	s := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"})
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, "", s.Addr())

	require.NoError(t, s.Bind())
	assert.Equal(t, StateBound, s.State())
	assert.NotEmpty(t, s.Addr())

	assert.Error(t, s.Bind(), "double bind must fail")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	waitFor(t, "running state", func() bool { return s.State() == StateRunning })
	cancel()
	<-done

	unbound := NewServer(ServerConfig{})
	assert.Error(t, unbound.Run(context.Background()), "run before bind must fail")
}

// TestLatestPoseEndpoint exercises the synchronous query surface: the whole
// table, a single tool's entry, and the rejection paths.
func TestLatestPoseEndpoint(t *testing.T) {
	t.Parallel()

	s := startServer(t, ServerConfig{SourceType: "Simulated"})
	s.RecordSample("Coil", shiftedPose(1.0, 10))
	s.RecordSample("Pointer", nil)

	base := "http://" + s.Addr() + LatestPath
	get := func(url string) (int, []byte) {
		t.Helper()
		resp, err := http.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	t.Run("whole table", func(t *testing.T) {
		status, body := get(base)
		require.Equal(t, http.StatusOK, status)
		got, err := decodePoses(body)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.True(t, got["Coil"].Visible())
		assert.Equal(t, 10.0, got["Coil"].Transform[3])
		assert.Nil(t, got["Pointer"])
	})

	t.Run("single tool", func(t *testing.T) {
		status, body := get(base + "?tool=Coil")
		require.Equal(t, http.StatusOK, status)
		var pose track.TimestampedPose
		require.NoError(t, json.Unmarshal(body, &pose))
		assert.Equal(t, 1.0, pose.Time)
		require.NotNil(t, pose.Transform)
		assert.Equal(t, 10.0, pose.Transform[3])
	})

	t.Run("cleared slot answers null", func(t *testing.T) {
		status, body := get(base + "?tool=Pointer")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "null", strings.TrimSpace(string(body)))
	})

	t.Run("unknown tool is not found", func(t *testing.T) {
		status, body := get(base + "?tool=Stylus")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Contains(t, string(body), "Stylus")
	})

	t.Run("empty tool key is rejected", func(t *testing.T) {
		status, _ := get(base + "?tool=")
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("non-GET method is rejected", func(t *testing.T) {
		resp, err := http.Post(base, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

// TestPublishCoalescing drives the rate limiter with a fake clock: samples
// recorded while the limiter sleeps are folded into a single snapshot, and
// no further message follows until a new sample arrives.
func TestPublishCoalescing(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFake(time.Unix(0, 0))
	s := startServer(t, ServerConfig{SourceType: "Simulated", PublishRateHz: 10, Clock: clk})

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+StreamPath, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Initial snapshot for a fresh subscriber is the empty table.
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	initial, err := decodePoses(data)
	require.NoError(t, err)
	assert.Empty(t, initial)

	s.RecordSample("Coil", shiftedPose(1.0, 10))
	waitFor(t, "publish loop to start its rate-limit sleep", func() bool {
		return clk.Waiting() >= 1
	})
	s.RecordSample("Pointer", shiftedPose(1.01, 20))
	s.RecordSample("SubjectTracker", shiftedPose(1.02, 30))

	clk.Advance(150 * time.Millisecond)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	got, err := decodePoses(data)
	require.NoError(t, err)
	require.Len(t, got, 3, "burst must coalesce into one snapshot")
	assert.Equal(t, 10.0, got["Coil"].Transform[3])
	assert.Equal(t, 20.0, got["Pointer"].Transform[3])
	assert.Equal(t, 30.0, got["SubjectTracker"].Transform[3])

	// Nothing pending: no further message even after more fake time.
	clk.Advance(time.Second)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "no snapshot expected while table is unchanged")
}

// TestServerClientRoundTrip runs the full path: producer records samples,
// the client mirror follows, and a lost tool surfaces as the caller's
// sentinel default rather than an error.
func TestServerClientRoundTrip(t *testing.T) {
	t.Parallel()

	s := startServer(t, ServerConfig{SourceType: "Simulated", PublishRateHz: 200})

	c := NewClient(ClientConfig{ServerURL: "http://" + s.Addr()})
	ctx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-clientDone
	})

	waitFor(t, "client connect", c.Connected)

	srcType, err := c.SourceType(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Simulated", srcType)

	_, err = c.LatestTransform("Coil")
	require.ErrorIs(t, err, ErrNoTransform, "nothing published yet")

	s.RecordSample("Coil", track.NewPose(1.0, xfm.Identity()))
	waitFor(t, "coil pose to reach the mirror", func() bool {
		return c.LatestPoses()["Coil"].Visible()
	})
	got, err := c.LatestTransform("Coil")
	require.NoError(t, err)
	assert.True(t, xfm.Equalish(got, xfm.Identity(), track.PoseTolerance))

	s.RecordSample("Coil", track.NewLostPose(2.0))
	waitFor(t, "coil loss to reach the mirror", func() bool {
		p := c.LatestPoses()["Coil"]
		return p != nil && !p.Visible()
	})
	assert.Nil(t, c.LatestTransformOr("Coil", nil))
	fallback := xfm.Identity()
	assert.Equal(t, &fallback, c.LatestTransformOr("Coil", &fallback))
	_, err = c.LatestTransform("Coil")
	assert.ErrorIs(t, err, ErrNoTransform)
}

// TestClientChangeSuppression feeds wire messages straight into the mirror:
// a snapshot whose poses differ only by timestamp is absorbed without
// firing the change signal or disturbing the mirror.
func TestClientChangeSuppression(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientConfig{ServerURL: "http://127.0.0.1:1"})
	var fired atomic.Int64
	c.PosesChanged().Connect(func(struct{}) { fired.Add(1) })

	encode := func(m track.PoseMap) []byte {
		data, err := encodePoses(m)
		require.NoError(t, err)
		return data
	}

	// First message always counts, even when empty: the mirror goes from
	// "never heard" to "heard, nothing tracked".
	c.handleMessage(encode(track.PoseMap{}))
	assert.Equal(t, int64(1), fired.Load())

	c.handleMessage(encode(track.PoseMap{"Coil": shiftedPose(1.0, 10)}))
	assert.Equal(t, int64(2), fired.Load())

	// Same transform, newer timestamp: suppressed, mirror untouched.
	c.handleMessage(encode(track.PoseMap{"Coil": shiftedPose(2.0, 10)}))
	assert.Equal(t, int64(2), fired.Load())
	assert.Equal(t, 1.0, c.LatestPoses()["Coil"].Time)

	c.handleMessage(encode(track.PoseMap{"Coil": shiftedPose(3.0, 11)}))
	assert.Equal(t, int64(3), fired.Load())
	assert.Equal(t, 11.0, c.LatestPoses()["Coil"].Transform[3])

	// Malformed payloads are dropped without firing.
	c.handleMessage([]byte(`{"Coil": [not json`))
	assert.Equal(t, int64(3), fired.Load())
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:18950", "ws://127.0.0.1:18950" + StreamPath},
		{"https://nav.example.com", "wss://nav.example.com" + StreamPath},
		{"ws://127.0.0.1:18950", "ws://127.0.0.1:18950" + StreamPath},
	} {
		got, err := streamURL(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	if _, err := streamURL("ftp://127.0.0.1"); !assert.Error(t, err) {
		t.Log("ftp scheme must be rejected")
	}
	_, err := streamURL("://bad")
	assert.Error(t, err)
}
