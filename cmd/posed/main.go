// posed is the pose broadcast daemon. It owns the latest-pose table for
// one tracking source, fans snapshots out to websocket subscribers, and can
// optionally record the tracked coil into the sample store.
//
// Pose input comes either from the built-in simulated tracker (a coil
// sweeping a circle around a phantom head) or from newline-delimited JSON
// samples on stdin:
//
//	{"tool":"coilTracker","time":12.5,"transform":[...16 row-major...]}
//
// A sample with no transform marks the tool as lost.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/geo/r3"

	"github.com/cortexnav/neuronav/internal/config"
	"github.com/cortexnav/neuronav/internal/posebus"
	"github.com/cortexnav/neuronav/internal/samplestore"
	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/version"
	"github.com/cortexnav/neuronav/internal/xfm"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	simulate   = flag.Bool("simulate", false, "Use the built-in simulated tracker instead of stdin")
	record     = flag.Bool("record", false, "Record the tracked coil into the sample store")
	recordTool = flag.String("record-tool", simCoilKey, "Tool key to record when -record is set")
)

// Tool keys emitted by the simulated tracker.
const (
	simCoilKey    = "coilTracker"
	simSubjectKey = "subjTracker"
)

func main() {
	flag.Parse()
	log.Printf("posed %s (%s)", version.Version, version.GitSHA)

	cfg := config.EmptyDaemonConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadDaemonConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	serverCfg := posebus.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.GetListenAddr()
	serverCfg.SourceType = cfg.GetSourceType()
	serverCfg.PublishRateHz = cfg.GetPublishRateHz()
	if *listen != "" {
		serverCfg.ListenAddr = *listen
	}
	if *simulate {
		serverCfg.SourceType = "Simulated"
	}

	srv := posebus.NewServer(serverCfg)
	if err := srv.Bind(); err != nil {
		log.Fatalf("failed to bind %s: %v", serverCfg.ListenAddr, err)
	}
	log.Printf("pose server listening on %s (source %s)", srv.Addr(), srv.SourceType())

	var store *samplestore.Store
	if *record {
		var err error
		store, err = samplestore.Open(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("failed to open sample store: %v", err)
		}
		defer store.Close()
		if err := store.MigrateUp(cfg.GetMigrationsDir()); err != nil {
			log.Fatalf("failed to migrate sample store: %v", err)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pose server stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if *simulate {
			runSimulatedSweep(ctx, srv)
		} else {
			readStdinSamples(ctx, srv)
		}
		log.Print("pose producer terminated")
	}()

	if store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recordLoop(ctx, srv, store, *recordTool)
			log.Print("sample recorder terminated")
		}()
	}

	wg.Wait()
}

// stdinSample is one line of the stdin pose feed.
type stdinSample struct {
	Tool      string         `json:"tool"`
	Time      float64        `json:"time"`
	Transform *xfm.Transform `json:"transform,omitempty"`
}

// readStdinSamples feeds newline-delimited JSON samples into the server
// until stdin closes or the context is cancelled. Malformed lines are
// logged and skipped.
func readStdinSamples(ctx context.Context, srv *posebus.Server) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var s stdinSample
		if err := json.Unmarshal(line, &s); err != nil {
			log.Printf("skipping malformed sample: %v", err)
			continue
		}
		if s.Tool == "" {
			log.Print("skipping sample with empty tool key")
			continue
		}
		if s.Transform == nil {
			srv.RecordSample(s.Tool, track.NewLostPose(s.Time))
			continue
		}
		if err := s.Transform.CheckRigid(); err != nil {
			log.Printf("skipping sample for %q: %v", s.Tool, err)
			continue
		}
		srv.RecordSample(s.Tool, track.NewPose(s.Time, *s.Transform))
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stdin read failed: %v", err)
	}
}

// Simulated sweep parameters: a coil riding the skin of an 80mm phantom
// head, one orbit per period, depth axis kept radial.
const (
	simFrameHz   = 30.0
	simOrbitSecs = 12.0
	simSkinMM    = 80.0
	simTiltDeg   = 30.0
)

// runSimulatedSweep publishes a deterministic circular coil sweep plus a
// static subject tracker until cancelled.
func runSimulatedSweep(ctx context.Context, srv *posebus.Server) {
	frameHz := float64(simFrameHz)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / frameHz))
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()
			srv.RecordSample(simSubjectKey, track.NewPose(elapsed, xfm.Identity()))
			srv.RecordSample(simCoilKey, track.NewPose(elapsed, sweepPose(elapsed)))
		}
	}
}

// sweepPose returns the coil pose at the given time into the sweep: on the
// phantom skin at a fixed tilt from vertex, orbiting about the head's
// vertical axis, with the coil depth axis pointing outward.
func sweepPose(elapsed float64) xfm.Transform {
	theta := 2 * math.Pi * elapsed / simOrbitSecs
	phi := simTiltDeg * math.Pi / 180

	outward := r3.Vector{
		X: math.Sin(phi) * math.Cos(theta),
		Y: math.Sin(phi) * math.Sin(theta),
		Z: math.Cos(phi),
	}
	origin := [3]float64{
		simSkinMM * outward.X,
		simSkinMM * outward.Y,
		simSkinMM * outward.Z,
	}

	// Rotation aligning coil +Z with the outward direction.
	z := r3.Vector{Z: 1}
	axis := z.Cross(outward)
	angle := math.Atan2(axis.Norm(), z.Dot(outward))
	align := xfm.RotationAboutAxis([3]float64{axis.X, axis.Y, axis.Z}, angle)
	return xfm.Compose(align, origin)
}

// recordLoop persists the latest visible pose of one tool once per second.
func recordLoop(ctx context.Context, srv *posebus.Server, store *samplestore.Store, toolKey string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pose := srv.LatestPoses()[toolKey]
			if pose == nil || !pose.Visible() {
				continue
			}
			sample := track.NewSample(samplestore.NewKey(), time.Now())
			sample.SetCoilKey(toolKey)
			sample.SetCoilToScan(pose.Transform)
			if err := store.RecordSample(sample); err != nil {
				log.Printf("failed to record sample: %v", err)
			}
		}
	}
}
