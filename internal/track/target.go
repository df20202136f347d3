package track

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/cortexnav/neuronav/internal/signal"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// Target attribute names carried by change notifications.
const (
	TargetAttrTargetCoord = "targetCoord"
	TargetAttrEntryCoord  = "entryCoord"
	TargetAttrAngle       = "angle"
	TargetAttrDepthOffset = "depthOffset"
	TargetAttrCoilToScan  = "coilToScan"
	TargetAttrVisible     = "visible"
)

// TargetChange describes a target edit. A nil Attribs slice means "anything
// may have changed". Visibility-only edits carry exactly
// {TargetAttrVisible} so consumers can skip geometry invalidation.
type TargetChange struct {
	Key     string
	Attribs []string
}

// Target is a planned stimulation target. TargetCoord is the point to
// stimulate and EntryCoord the point where the depth axis crosses the
// scalp, both in scan space (mm). Angle is the planned handle angle in
// degrees and DepthOffset an extra outward offset along the depth axis
// (electrode thickness, coil foam). The planned coil-to-scan transform is
// derived from these and cached until any of them changes; it can also be
// pinned explicitly when the target was created from a recorded pose.
type Target struct {
	mu          sync.Mutex
	key         string
	targetCoord *[3]float64
	entryCoord  *[3]float64
	angle       float64
	depthOffset float64
	visible     bool

	coilToScan *xfm.Transform // cached derived value, or explicit pin
	pinned     bool

	changed signal.Signal[TargetChange]
}

// NewTarget creates a visible target.
func NewTarget(key string, targetCoord, entryCoord [3]float64, angle, depthOffset float64) *Target {
	tc, ec := targetCoord, entryCoord
	return &Target{
		key:         key,
		targetCoord: &tc,
		entryCoord:  &ec,
		angle:       angle,
		depthOffset: depthOffset,
		visible:     true,
	}
}

// NewTargetFromTransform creates a target whose planned coil pose is pinned
// to an explicitly known coil-to-scan transform, as when deriving a target
// from a recorded sample.
func NewTargetFromTransform(key string, targetCoord, entryCoord [3]float64, angle, depthOffset float64, coilToScan xfm.Transform) *Target {
	t := NewTarget(key, targetCoord, entryCoord, angle, depthOffset)
	c := coilToScan
	t.coilToScan = &c
	t.pinned = true
	return t
}

func (t *Target) Key() string { return t.key }

func (t *Target) TargetCoord() *[3]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyCoord(t.targetCoord)
}

func (t *Target) EntryCoord() *[3]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyCoord(t.entryCoord)
}

func (t *Target) Angle() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.angle
}

func (t *Target) DepthOffset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depthOffset
}

func (t *Target) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// Changed fires after any attribute edit.
func (t *Target) Changed() *signal.Signal[TargetChange] {
	return &t.changed
}

func (t *Target) SetTargetCoord(c [3]float64) {
	t.setCoord(&t.targetCoord, c, TargetAttrTargetCoord)
}

func (t *Target) SetEntryCoord(c [3]float64) {
	t.setCoord(&t.entryCoord, c, TargetAttrEntryCoord)
}

func (t *Target) setCoord(slot **[3]float64, c [3]float64, attr string) {
	t.mu.Lock()
	if *slot != nil && **slot == c {
		t.mu.Unlock()
		return
	}
	*slot = &c
	t.coilToScan = nil
	t.pinned = false
	t.mu.Unlock()
	t.changed.Emit(TargetChange{Key: t.key, Attribs: []string{attr, TargetAttrCoilToScan}})
}

func (t *Target) SetAngle(deg float64) {
	t.mu.Lock()
	if t.angle == deg {
		t.mu.Unlock()
		return
	}
	t.angle = deg
	t.coilToScan = nil
	t.pinned = false
	t.mu.Unlock()
	t.changed.Emit(TargetChange{Key: t.key, Attribs: []string{TargetAttrAngle, TargetAttrCoilToScan}})
}

func (t *Target) SetDepthOffset(mm float64) {
	t.mu.Lock()
	if t.depthOffset == mm {
		t.mu.Unlock()
		return
	}
	t.depthOffset = mm
	t.coilToScan = nil
	t.pinned = false
	t.mu.Unlock()
	t.changed.Emit(TargetChange{Key: t.key, Attribs: []string{TargetAttrDepthOffset, TargetAttrCoilToScan}})
}

// SetVisible toggles display visibility. This is deliberately the only
// setter that does not touch the derived transform, so consumers can treat
// a {visible} change as non-geometric.
func (t *Target) SetVisible(v bool) {
	t.mu.Lock()
	if t.visible == v {
		t.mu.Unlock()
		return
	}
	t.visible = v
	t.mu.Unlock()
	t.changed.Emit(TargetChange{Key: t.key, Attribs: []string{TargetAttrVisible}})
}

// DepthDirection returns the unit vector from target toward entry in scan
// space (the coil +Z axis of the planned pose), or nil when the two
// coordinates are missing or coincident.
func (t *Target) DepthDirection() *[3]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depthDirectionLocked()
}

func (t *Target) depthDirectionLocked() *[3]float64 {
	if t.targetCoord == nil || t.entryCoord == nil {
		return nil
	}
	d := r3.Vector{
		X: t.entryCoord[0] - t.targetCoord[0],
		Y: t.entryCoord[1] - t.targetCoord[1],
		Z: t.entryCoord[2] - t.targetCoord[2],
	}
	if d.Norm() == 0 {
		return nil
	}
	d = d.Normalize()
	return &[3]float64{d.X, d.Y, d.Z}
}

// EntryCoordPlusDepthOffset returns the planned coil origin: the entry
// coordinate pushed outward along the depth axis by DepthOffset.
func (t *Target) EntryCoordPlusDepthOffset() *[3]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.depthDirectionLocked()
	if d == nil {
		return nil
	}
	return &[3]float64{
		t.entryCoord[0] + t.depthOffset*d[0],
		t.entryCoord[1] + t.depthOffset*d[1],
		t.entryCoord[2] + t.depthOffset*d[2],
	}
}

// CoilToScan returns the planned coil-to-scan transform, deriving and
// caching it on first use. The coil frame convention: +Z points outward
// along the depth axis (so the target sits at [0,0,-depth] in coil space)
// and the handle points along -Y before the planned handle rotation is
// applied. Returns nil when the target lacks the coordinates needed to
// derive a pose.
func (t *Target) CoilToScan() *xfm.Transform {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.coilToScan != nil {
		c := *t.coilToScan
		return &c
	}
	d := t.depthDirectionLocked()
	if d == nil {
		return nil
	}

	// Rotation aligning coil +Z with the depth direction.
	z := r3.Vector{Z: 1}
	dv := r3.Vector{X: d[0], Y: d[1], Z: d[2]}
	axis := z.Cross(dv)
	angle := math.Atan2(axis.Norm(), z.Dot(dv))
	var align [9]float64
	if axis.Norm() < 1e-12 {
		if z.Dot(dv) > 0 {
			align = xfm.RotationAboutAxis([3]float64{0, 0, 1}, 0)
		} else {
			// Anti-parallel: flip about X.
			align = xfm.RotationAboutAxis([3]float64{1, 0, 0}, math.Pi)
		}
	} else {
		align = xfm.RotationAboutAxis([3]float64{axis.X, axis.Y, axis.Z}, angle)
	}

	origin := [3]float64{
		t.entryCoord[0] + t.depthOffset*d[0],
		t.entryCoord[1] + t.depthOffset*d[1],
		t.entryCoord[2] + t.depthOffset*d[2],
	}

	// Handle angle is applied about the coil's own depth axis.
	handle := xfm.Compose(xfm.RotationAboutAxis([3]float64{0, 0, 1}, t.angle*math.Pi/180), [3]float64{})
	pose, err := xfm.Concatenate(handle, xfm.Compose(align, origin))
	if err != nil {
		return nil
	}
	t.coilToScan = &pose
	c := pose
	return &c
}

func copyCoord(c *[3]float64) *[3]float64 {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
