package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cortexnav/neuronav/internal/session"
	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// sessionFile is the JSON session description consumed by navwatch: the
// tool table, subject registration, an optional spherical head model, and
// the planned targets.
type sessionFile struct {
	Tools []struct {
		Key           string         `json:"key"`
		Kind          string         `json:"kind"`
		TrackerKey    string         `json:"tracker_key"`
		Active        bool           `json:"active"`
		ToolToTracker *xfm.Transform `json:"tool_to_tracker,omitempty"`
	} `json:"tools"`

	Registration struct {
		TrackerToScan    *xfm.Transform        `json:"tracker_to_scan,omitempty"`
		PlannedFiducials map[string][3]float64 `json:"planned_fiducials,omitempty"`
	} `json:"registration"`

	HeadSphere *struct {
		Center     [3]float64 `json:"center"`
		SkinRadius float64    `json:"skin_radius"`
		GMRadius   float64    `json:"gm_radius"`
	} `json:"head_sphere,omitempty"`

	Targets []struct {
		Key         string     `json:"key"`
		TargetCoord [3]float64 `json:"target_coord"`
		EntryCoord  [3]float64 `json:"entry_coord"`
		Angle       float64    `json:"angle"`
		DepthOffset float64    `json:"depth_offset"`
	} `json:"targets"`

	CurrentTarget string `json:"current_target,omitempty"`
}

// loadSession builds a session from the JSON file at path and returns it
// along with the key of the target to select, if any.
func loadSession(path string) (*session.Session, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read session file: %w", err)
	}
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, "", fmt.Errorf("failed to parse session file: %w", err)
	}

	sess := session.New()
	for _, t := range sf.Tools {
		tool := track.NewTool(t.Key, track.ToolKind(t.Kind), t.TrackerKey)
		tool.SetActive(t.Active)
		if t.ToolToTracker != nil {
			if err := t.ToolToTracker.CheckRigid(); err != nil {
				return nil, "", fmt.Errorf("tool %q calibration: %w", t.Key, err)
			}
			tool.SetToolToTracker(t.ToolToTracker)
		}
		if err := sess.Tools.Add(tool); err != nil {
			return nil, "", fmt.Errorf("failed to add tool %q: %w", t.Key, err)
		}
	}

	if sf.Registration.TrackerToScan != nil {
		if err := sf.Registration.TrackerToScan.CheckRigid(); err != nil {
			return nil, "", fmt.Errorf("tracker-to-scan registration: %w", err)
		}
		sess.Registration.SetTrackerToScan(sf.Registration.TrackerToScan)
	}
	for name, coord := range sf.Registration.PlannedFiducials {
		sess.Registration.SetPlannedFiducial(name, coord)
	}

	if sf.HeadSphere != nil {
		sess.HeadModel.SetGeometry(session.SphereGeometry{
			Center:     sf.HeadSphere.Center,
			SkinRadius: sf.HeadSphere.SkinRadius,
			GMRadius:   sf.HeadSphere.GMRadius,
		})
	}

	for _, t := range sf.Targets {
		target := track.NewTarget(t.Key, t.TargetCoord, t.EntryCoord, t.Angle, t.DepthOffset)
		if err := sess.Targets.Add(target); err != nil {
			return nil, "", fmt.Errorf("failed to add target %q: %w", t.Key, err)
		}
	}

	if sf.CurrentTarget != "" && !sess.Targets.Has(sf.CurrentTarget) {
		return nil, "", fmt.Errorf("current_target %q is not in the target list", sf.CurrentTarget)
	}
	return sess, sf.CurrentTarget, nil
}
