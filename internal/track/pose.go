// Package track defines the tracked-object data model shared by the pose
// bus, the targeting coordinator and the metric calculator: timestamped
// poses, the latest-pose table, tools, targets and recorded samples.
package track

import (
	"github.com/cortexnav/neuronav/internal/xfm"
)

// PoseTolerance is the elementwise tolerance used when deciding whether two
// pose transforms are effectively equal. Optical trackers jitter well above
// this level, so it only suppresses exact republications.
const PoseTolerance = 1e-12

// TimestampedPose is one tracked object's pose at a point in time. Time is
// in monotonic seconds as reported by the tracking source. A nil Transform
// means the tool is currently not visible to the tracker. Instances are
// immutable once constructed; updates replace the whole value.
type TimestampedPose struct {
	Time      float64        `json:"time"`
	Transform *xfm.Transform `json:"transform"`
}

// NewPose returns a visible pose.
func NewPose(time float64, t xfm.Transform) *TimestampedPose {
	return &TimestampedPose{Time: time, Transform: &t}
}

// NewLostPose returns a pose marking the tool as not visible at the given
// time.
func NewLostPose(time float64) *TimestampedPose {
	return &TimestampedPose{Time: time}
}

// Visible reports whether the pose carries a usable transform.
func (p *TimestampedPose) Visible() bool {
	return p != nil && p.Transform != nil
}

// Clone returns a deep copy.
func (p *TimestampedPose) Clone() *TimestampedPose {
	if p == nil {
		return nil
	}
	out := &TimestampedPose{Time: p.Time}
	if p.Transform != nil {
		t := *p.Transform
		out.Transform = &t
	}
	return out
}

// SamePose reports whether two poses describe the same transform (or the
// same invisibility), ignoring timestamps.
func (p *TimestampedPose) SamePose(o *TimestampedPose) bool {
	pv, ov := p.Visible(), o.Visible()
	if pv != ov {
		return false
	}
	if !pv {
		return true
	}
	return xfm.Equalish(*p.Transform, *o.Transform, PoseTolerance)
}

// PoseMap is a latest-pose table: tool key to latest pose, where a nil
// entry means the source knows the key but has nothing to report for it.
// Each PoseMap has exactly one owner; copies cross ownership boundaries.
type PoseMap map[string]*TimestampedPose

// Clone returns a deep copy of the table.
func (m PoseMap) Clone() PoseMap {
	out := make(PoseMap, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// SamePoses reports whether two tables hold the same pose (transform or
// invisibility, timestamps ignored) for the same key set.
func (m PoseMap) SamePoses(o PoseMap) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.SamePose(ov) {
			return false
		}
	}
	return true
}
