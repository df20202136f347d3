// Package session holds the per-subject configuration the navigation core
// reads: the tool registry, planned targets, recorded samples, the subject
// registration, and the head-model geometry hook. The core never mutates a
// session except through the typed setters, each of which fires a change
// signal consumed as an invalidation trigger downstream.
package session

import (
	"fmt"
	"sync"

	"github.com/cortexnav/neuronav/internal/signal"
	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// CollectionChange reports edits inside a keyed collection: which item keys
// changed and, when known, which of their attributes. A nil Attribs slice
// means "anything may have changed" (item added or removed).
type CollectionChange struct {
	Keys    []string
	Attribs []string
}

// Session is the root of the per-subject model.
type Session struct {
	Tools        *Tools
	Targets      *Targets
	Samples      *Samples
	Registration *SubjectRegistration
	HeadModel    *HeadModel
}

// New returns an empty session.
func New() *Session {
	return &Session{
		Tools:        newTools(),
		Targets:      newTargets(),
		Samples:      newSamples(),
		Registration: &SubjectRegistration{},
		HeadModel:    &HeadModel{},
	}
}

// Tools is the keyed tool registry. Item-level change signals are forwarded
// to the collection-level ItemsChanged signal.
type Tools struct {
	mu      sync.Mutex
	order   []string
	items   map[string]*track.Tool
	handles map[string]signal.Handle

	itemsChanged signal.Signal[CollectionChange]
}

func newTools() *Tools {
	return &Tools{items: make(map[string]*track.Tool), handles: make(map[string]signal.Handle)}
}

// ItemsChanged fires when a tool is added or removed (nil Attribs) or when
// an attribute of any tool changes.
func (c *Tools) ItemsChanged() *signal.Signal[CollectionChange] {
	return &c.itemsChanged
}

// Add registers a tool under its key.
func (c *Tools) Add(tool *track.Tool) error {
	c.mu.Lock()
	if _, exists := c.items[tool.Key()]; exists {
		c.mu.Unlock()
		return fmt.Errorf("tool %q already in session", tool.Key())
	}
	c.items[tool.Key()] = tool
	c.order = append(c.order, tool.Key())
	c.handles[tool.Key()] = tool.Changed().Connect(func(ch track.ToolChange) {
		c.itemsChanged.Emit(CollectionChange{Keys: []string{ch.Key}, Attribs: ch.Attribs})
	})
	c.mu.Unlock()
	c.itemsChanged.Emit(CollectionChange{Keys: []string{tool.Key()}})
	return nil
}

// Remove deletes a tool; it reports whether the key was present.
func (c *Tools) Remove(key string) bool {
	c.mu.Lock()
	tool, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	tool.Changed().Disconnect(c.handles[key])
	delete(c.items, key)
	delete(c.handles, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.itemsChanged.Emit(CollectionChange{Keys: []string{key}})
	return true
}

// Get returns the tool under key, or nil.
func (c *Tools) Get(key string) *track.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[key]
}

// Keys returns tool keys in insertion order.
func (c *Tools) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// SubjectTracker returns the first tool of kind subjectTracker, or nil.
func (c *Tools) SubjectTracker() *track.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.order {
		if c.items[k].Kind() == track.KindSubjectTracker {
			return c.items[k]
		}
	}
	return nil
}

// FirstActiveCoil returns the first active tool of kind coil in insertion
// order, or nil.
func (c *Tools) FirstActiveCoil() *track.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.order {
		if t := c.items[k]; t.Kind() == track.KindCoil && t.Active() {
			return t
		}
	}
	return nil
}

// Targets is the keyed target registry, with the same forwarding behavior
// as Tools.
type Targets struct {
	mu      sync.Mutex
	order   []string
	items   map[string]*track.Target
	handles map[string]signal.Handle

	itemsChanged signal.Signal[CollectionChange]
}

func newTargets() *Targets {
	return &Targets{items: make(map[string]*track.Target), handles: make(map[string]signal.Handle)}
}

func (c *Targets) ItemsChanged() *signal.Signal[CollectionChange] {
	return &c.itemsChanged
}

func (c *Targets) Add(target *track.Target) error {
	c.mu.Lock()
	if _, exists := c.items[target.Key()]; exists {
		c.mu.Unlock()
		return fmt.Errorf("target %q already in session", target.Key())
	}
	c.items[target.Key()] = target
	c.order = append(c.order, target.Key())
	c.handles[target.Key()] = target.Changed().Connect(func(ch track.TargetChange) {
		c.itemsChanged.Emit(CollectionChange{Keys: []string{ch.Key}, Attribs: ch.Attribs})
	})
	c.mu.Unlock()
	c.itemsChanged.Emit(CollectionChange{Keys: []string{target.Key()}})
	return nil
}

func (c *Targets) Remove(key string) bool {
	c.mu.Lock()
	target, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	target.Changed().Disconnect(c.handles[key])
	delete(c.items, key)
	delete(c.handles, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.itemsChanged.Emit(CollectionChange{Keys: []string{key}})
	return true
}

func (c *Targets) Get(key string) *track.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[key]
}

func (c *Targets) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *Targets) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Samples is the keyed collection of recorded samples.
type Samples struct {
	mu      sync.Mutex
	order   []string
	items   map[string]*track.Sample
	handles map[string]signal.Handle

	itemsChanged signal.Signal[CollectionChange]
}

func newSamples() *Samples {
	return &Samples{items: make(map[string]*track.Sample), handles: make(map[string]signal.Handle)}
}

func (c *Samples) ItemsChanged() *signal.Signal[CollectionChange] {
	return &c.itemsChanged
}

func (c *Samples) Add(sample *track.Sample) error {
	c.mu.Lock()
	if _, exists := c.items[sample.Key()]; exists {
		c.mu.Unlock()
		return fmt.Errorf("sample %q already in session", sample.Key())
	}
	c.items[sample.Key()] = sample
	c.order = append(c.order, sample.Key())
	c.handles[sample.Key()] = sample.Changed().Connect(func(ch track.SampleChange) {
		c.itemsChanged.Emit(CollectionChange{Keys: []string{ch.Key}, Attribs: ch.Attribs})
	})
	c.mu.Unlock()
	c.itemsChanged.Emit(CollectionChange{Keys: []string{sample.Key()}})
	return nil
}

func (c *Samples) Get(key string) *track.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[key]
}

func (c *Samples) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// SubjectRegistration holds the subject-tracker-to-scan transform produced
// by the registration procedure, plus the planned fiducial coordinates used
// to derive the midline reference frame.
type SubjectRegistration struct {
	mu            sync.Mutex
	trackerToScan *xfm.Transform
	fiducials     map[string][3]float64

	transformChanged signal.Signal[struct{}]
	fiducialsChanged signal.Signal[[]string]
}

// Fiducial names used by the midline reference computation.
const (
	FiducialNasion  = "NAS"
	FiducialLeftPA  = "LPA"
	FiducialRightPA = "RPA"
)

// TransformChanged fires when the registration transform is set or cleared.
func (r *SubjectRegistration) TransformChanged() *signal.Signal[struct{}] {
	return &r.transformChanged
}

// FiducialsChanged fires with the names of planned fiducials that changed.
func (r *SubjectRegistration) FiducialsChanged() *signal.Signal[[]string] {
	return &r.fiducialsChanged
}

// TrackerToScan returns the registration transform, or nil when
// registration has not been performed yet.
func (r *SubjectRegistration) TrackerToScan() *xfm.Transform {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trackerToScan == nil {
		return nil
	}
	c := *r.trackerToScan
	return &c
}

// SetTrackerToScan records a new registration; nil clears it.
func (r *SubjectRegistration) SetTrackerToScan(t *xfm.Transform) {
	r.mu.Lock()
	if r.trackerToScan == nil && t == nil {
		r.mu.Unlock()
		return
	}
	if r.trackerToScan != nil && t != nil && xfm.Equalish(*r.trackerToScan, *t, track.PoseTolerance) {
		r.mu.Unlock()
		return
	}
	if t == nil {
		r.trackerToScan = nil
	} else {
		c := *t
		r.trackerToScan = &c
	}
	r.mu.Unlock()
	r.transformChanged.Emit(struct{}{})
}

// PlannedFiducial returns the planned scan-space coordinate of a fiducial,
// or nil when not planned.
func (r *SubjectRegistration) PlannedFiducial(name string) *[3]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.fiducials[name]; ok {
		out := c
		return &out
	}
	return nil
}

// SetPlannedFiducial records the planned scan-space coordinate of a
// fiducial.
func (r *SubjectRegistration) SetPlannedFiducial(name string, coord [3]float64) {
	r.mu.Lock()
	if r.fiducials == nil {
		r.fiducials = make(map[string][3]float64)
	}
	if prev, ok := r.fiducials[name]; ok && prev == coord {
		r.mu.Unlock()
		return
	}
	r.fiducials[name] = coord
	r.mu.Unlock()
	r.fiducialsChanged.Emit([]string{name})
}
