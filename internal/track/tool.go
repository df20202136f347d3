package track

import (
	"sync"

	"github.com/cortexnav/neuronav/internal/signal"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// ToolKind classifies a trackable rigid object.
type ToolKind string

const (
	KindCoil             ToolKind = "coil"
	KindPointer          ToolKind = "pointer"
	KindSubjectTracker   ToolKind = "subjectTracker"
	KindCalibrationPlate ToolKind = "calibrationPlate"
)

// Tool attribute names carried by change notifications.
const (
	ToolAttrActive        = "active"
	ToolAttrTrackerKey    = "trackerKey"
	ToolAttrToolToTracker = "toolToTracker"
)

// ToolChange describes a tool edit: which tool, and which attributes
// changed. A nil Attribs slice means "anything may have changed".
type ToolChange struct {
	Key     string
	Attribs []string
}

// Tool identifies a trackable rigid object. The pose stream for the tool is
// read under TrackerKey; ToolToTracker is the fixed calibration transform
// from the tool's own frame to its tracker frame (nil until calibrated).
// The core reads tools; editing happens through the typed setters, each of
// which fires Changed only on an actual value change.
type Tool struct {
	mu            sync.Mutex
	key           string
	kind          ToolKind
	trackerKey    string
	active        bool
	toolToTracker *xfm.Transform

	changed signal.Signal[ToolChange]
}

// NewTool creates an inactive, uncalibrated tool.
func NewTool(key string, kind ToolKind, trackerKey string) *Tool {
	return &Tool{key: key, kind: kind, trackerKey: trackerKey}
}

func (t *Tool) Key() string    { return t.key }
func (t *Tool) Kind() ToolKind { return t.kind }

func (t *Tool) TrackerKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackerKey
}

func (t *Tool) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ToolToTracker returns the calibration transform, or nil if the tool has
// not been calibrated yet.
func (t *Tool) ToolToTracker() *xfm.Transform {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.toolToTracker == nil {
		return nil
	}
	c := *t.toolToTracker
	return &c
}

// Changed fires after any attribute edit, carrying the changed attribute
// names.
func (t *Tool) Changed() *signal.Signal[ToolChange] {
	return &t.changed
}

func (t *Tool) SetActive(active bool) {
	t.mu.Lock()
	if t.active == active {
		t.mu.Unlock()
		return
	}
	t.active = active
	t.mu.Unlock()
	t.changed.Emit(ToolChange{Key: t.key, Attribs: []string{ToolAttrActive}})
}

func (t *Tool) SetTrackerKey(key string) {
	t.mu.Lock()
	if t.trackerKey == key {
		t.mu.Unlock()
		return
	}
	t.trackerKey = key
	t.mu.Unlock()
	t.changed.Emit(ToolChange{Key: t.key, Attribs: []string{ToolAttrTrackerKey}})
}

// SetToolToTracker records a new calibration. Passing nil marks the tool
// uncalibrated again.
func (t *Tool) SetToolToTracker(transform *xfm.Transform) {
	t.mu.Lock()
	if t.toolToTracker == nil && transform == nil {
		t.mu.Unlock()
		return
	}
	if t.toolToTracker != nil && transform != nil &&
		xfm.Equalish(*t.toolToTracker, *transform, PoseTolerance) {
		t.mu.Unlock()
		return
	}
	if transform == nil {
		t.toolToTracker = nil
	} else {
		c := *transform
		t.toolToTracker = &c
	}
	t.mu.Unlock()
	t.changed.Emit(ToolChange{Key: t.key, Attribs: []string{ToolAttrToolToTracker}})
}
