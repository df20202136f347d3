// navwatch subscribes to a pose broadcast server and prints live targeting
// feedback for a session described in a JSON file: the coil-to-scan
// transform, the default-visible pose metrics, and on-target transitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cortexnav/neuronav/internal/config"
	"github.com/cortexnav/neuronav/internal/posebus"
	"github.com/cortexnav/neuronav/internal/targeting"
	"github.com/cortexnav/neuronav/internal/timeutil"
	"github.com/cortexnav/neuronav/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to JSON config file")
	serverURL   = flag.String("server", "", "Pose server base URL (overrides config)")
	sessionPath = flag.String("session", "", "Path to session JSON file (overrides config)")
	printEvery  = flag.Duration("print-every", 500*time.Millisecond, "Minimum interval between metric printouts")
)

func main() {
	flag.Parse()
	log.Printf("navwatch %s (%s)", version.Version, version.GitSHA)

	cfg := config.EmptyDaemonConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadDaemonConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	url := cfg.GetServerURL()
	if *serverURL != "" {
		url = *serverURL
	}
	sessPath := cfg.GetSessionPath()
	if *sessionPath != "" {
		sessPath = *sessionPath
	}
	if sessPath == "" {
		log.Fatal("a session file is required (-session or session_path in config)")
	}

	sess, currentTarget, err := loadSession(sessPath)
	if err != nil {
		log.Fatalf("failed to load session: %v", err)
	}
	log.Printf("session loaded: %d tools, %d targets", len(sess.Tools.Keys()), len(sess.Targets.Keys()))

	client := posebus.NewClient(posebus.ClientConfig{
		ServerURL:     url,
		ReconnectMin:  cfg.GetReconnectMin(),
		ReconnectMax:  cfg.GetReconnectMax(),
		StatusTimeout: cfg.GetStatusTimeout(),
	})
	coord := targeting.NewCoordinator(sess, client, timeutil.Real{})
	if currentTarget != "" {
		coord.SetCurrentTargetKey(currentTarget)
		log.Printf("targeting %q", currentTarget)
	}

	printer := &metricPrinter{coord: coord, minInterval: *printEvery}

	client.ConnectedChanged().Connect(func(up bool) {
		if up {
			log.Printf("connected to %s (source %s)", url, must(client.SourceType(context.Background())))
		} else {
			log.Print("lost connection, retrying (last known poses remain readable)")
		}
	})
	coord.CoilPositionChanged().Connect(func(struct{}) { printer.maybePrint() })
	coord.CurrentTargetChanged().Connect(func(struct{}) {
		log.Printf("current target is now %q", coord.CurrentTargetKey())
		printer.maybePrint()
	})
	coord.IsOnTargetChanged().Connect(func(on bool) {
		if on {
			log.Print("ON TARGET")
		} else {
			log.Print("off target")
		}
	})
	coord.SetMonitorOnTarget(true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := client.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("client stopped: %v", err)
	}
}

func must(s string, err error) string {
	if err != nil {
		return "unknown"
	}
	return s
}

// metricPrinter renders the coil transform plus the default-visible
// metrics, rate limited so a fast tracker doesn't flood the terminal.
type metricPrinter struct {
	coord       *targeting.Coordinator
	minInterval time.Duration

	mu        sync.Mutex
	lastPrint time.Time
}

func (p *metricPrinter) maybePrint() {
	p.mu.Lock()
	now := time.Now()
	if now.Sub(p.lastPrint) < p.minInterval {
		p.mu.Unlock()
		return
	}
	p.lastPrint = now
	p.mu.Unlock()

	coilToScan := p.coord.CoilToScanTransform()
	if coilToScan == nil {
		log.Print("coil pose unavailable")
		return
	}
	loc := coilToScan.Translation()

	var b strings.Builder
	fmt.Fprintf(&b, "coil [%7.2f %7.2f %7.2f]", loc[0], loc[1], loc[2])
	for _, spec := range p.coord.CurrentPoseMetrics().Catalog() {
		if !spec.ShowByDefault {
			continue
		}
		v := spec.Getter()
		if math.IsNaN(v) {
			fmt.Fprintf(&b, "  %s: --", spec.Label)
			continue
		}
		fmt.Fprintf(&b, "  %s: %.2f%s", spec.Label, v, spec.Units)
	}
	log.Print(b.String())
}
