package track

import (
	"sync"
	"time"

	"github.com/cortexnav/neuronav/internal/signal"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// Sample attribute names carried by change notifications.
const (
	SampleAttrTimestamp  = "timestamp"
	SampleAttrCoilKey    = "coilKey"
	SampleAttrTargetKey  = "targetKey"
	SampleAttrCoilToScan = "coilToScan"
	SampleAttrVisible    = "visible"
)

// SampleChange describes a sample edit. A nil Attribs slice means "anything
// may have changed".
type SampleChange struct {
	Key     string
	Attribs []string
}

// Sample is one recorded (or live) coil pose: the coil-to-scan transform at
// a moment in time, optionally associated with a planned target. The
// targeting coordinator maintains a synthetic "current pose" sample whose
// transform follows the live coil; recorded samples are persisted through
// the sample store.
type Sample struct {
	mu         sync.Mutex
	key        string
	timestamp  time.Time
	coilKey    string
	targetKey  string
	coilToScan *xfm.Transform
	visible    bool

	changed signal.Signal[SampleChange]
}

// NewSample creates a visible sample without a transform or target.
func NewSample(key string, timestamp time.Time) *Sample {
	return &Sample{key: key, timestamp: timestamp, visible: true}
}

func (s *Sample) Key() string { return s.key }

func (s *Sample) Timestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

func (s *Sample) CoilKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coilKey
}

func (s *Sample) TargetKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetKey
}

// CoilToScan returns the recorded coil-to-scan transform, or nil when the
// coil pose was unavailable at recording time.
func (s *Sample) CoilToScan() *xfm.Transform {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coilToScan == nil {
		return nil
	}
	c := *s.coilToScan
	return &c
}

func (s *Sample) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Changed fires after any attribute edit.
func (s *Sample) Changed() *signal.Signal[SampleChange] {
	return &s.changed
}

func (s *Sample) SetTimestamp(ts time.Time) {
	s.mu.Lock()
	if s.timestamp.Equal(ts) {
		s.mu.Unlock()
		return
	}
	s.timestamp = ts
	s.mu.Unlock()
	s.changed.Emit(SampleChange{Key: s.key, Attribs: []string{SampleAttrTimestamp}})
}

func (s *Sample) SetCoilKey(key string) {
	s.mu.Lock()
	if s.coilKey == key {
		s.mu.Unlock()
		return
	}
	s.coilKey = key
	s.mu.Unlock()
	s.changed.Emit(SampleChange{Key: s.key, Attribs: []string{SampleAttrCoilKey}})
}

func (s *Sample) SetTargetKey(key string) {
	s.mu.Lock()
	if s.targetKey == key {
		s.mu.Unlock()
		return
	}
	s.targetKey = key
	s.mu.Unlock()
	s.changed.Emit(SampleChange{Key: s.key, Attribs: []string{SampleAttrTargetKey}})
}

// SetCoilToScan replaces the recorded transform; nil marks the pose as
// having been unavailable.
func (s *Sample) SetCoilToScan(t *xfm.Transform) {
	s.mu.Lock()
	if s.coilToScan == nil && t == nil {
		s.mu.Unlock()
		return
	}
	if s.coilToScan != nil && t != nil && xfm.Equalish(*s.coilToScan, *t, PoseTolerance) {
		s.mu.Unlock()
		return
	}
	if t == nil {
		s.coilToScan = nil
	} else {
		c := *t
		s.coilToScan = &c
	}
	s.mu.Unlock()
	s.changed.Emit(SampleChange{Key: s.key, Attribs: []string{SampleAttrCoilToScan}})
}

func (s *Sample) SetVisible(v bool) {
	s.mu.Lock()
	if s.visible == v {
		s.mu.Unlock()
		return
	}
	s.visible = v
	s.mu.Unlock()
	s.changed.Emit(SampleChange{Key: s.key, Attribs: []string{SampleAttrVisible}})
}
