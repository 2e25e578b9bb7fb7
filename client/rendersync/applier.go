// Package rendersync keeps a renderer's mesh consistent with the server stream.
//
// The server already discards superseded results, but a client can still see
// them out of order (reconnects, multiple readers, buffered replays). The
// Applier is the last gate before the scene: a mesh_update replaces the
// displayed mesh only when its source_frame_seq is newer than the one shown.
package rendersync

import (
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/protocol"
)

// Scene receives accepted state changes (the renderer)
type Scene interface {
	// ShowMesh replaces the displayed mesh
	ShowMesh(update protocol.MeshUpdate)
	// FaceLost is called on no_face; the last mesh may stay on screen
	FaceLost()
	// Cleared is called on recalibrated
	Cleared()
}

// Stats counts what the Applier did with incoming messages
type Stats struct {
	Applied    uint64
	Stale      uint64
	NoFace     uint64
	Resets     uint64
	LastSeq    uint64
	FaceInView bool
}

// Applier orders mesh updates for one session. Safe for concurrent use.
type Applier struct {
	scene Scene

	mu      sync.Mutex
	lastSeq uint64
	current *protocol.MeshUpdate
	stats   Stats
}

// New creates an Applier. scene may be nil.
func New(scene Scene) *Applier {
	return &Applier{scene: scene}
}

// Apply offers a mesh update. It reports whether the update was applied.
func (a *Applier) Apply(update protocol.MeshUpdate) bool {
	a.mu.Lock()
	if a.current != nil && update.SourceFrameSeq <= a.lastSeq {
		a.stats.Stale++
		a.mu.Unlock()
		return false
	}
	a.lastSeq = update.SourceFrameSeq
	a.current = &update
	a.stats.Applied++
	a.stats.LastSeq = update.SourceFrameSeq
	a.stats.FaceInView = true
	a.mu.Unlock()

	if a.scene != nil {
		a.scene.ShowMesh(update)
	}
	return true
}

// Reset forgets the displayed mesh (recalibrate): the next update is applied
// whatever its sequence number.
func (a *Applier) Reset() {
	a.mu.Lock()
	a.lastSeq = 0
	a.current = nil
	a.stats.Resets++
	a.stats.FaceInView = false
	a.mu.Unlock()

	if a.scene != nil {
		a.scene.Cleared()
	}
}

// Handle routes a decoded server message. It reports whether the scene changed.
func (a *Applier) Handle(msg protocol.Received) bool {
	switch msg.Type {
	case protocol.TypeMeshUpdate:
		if msg.Mesh == nil {
			return false
		}
		return a.Apply(*msg.Mesh)

	case protocol.TypeNoFace:
		a.mu.Lock()
		a.stats.NoFace++
		changed := a.stats.FaceInView
		a.stats.FaceInView = false
		a.mu.Unlock()
		if changed && a.scene != nil {
			a.scene.FaceLost()
		}
		return changed

	case protocol.TypeRecalibrated:
		a.Reset()
		return true
	}
	return false
}

// Current returns the displayed mesh
func (a *Applier) Current() (protocol.MeshUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return protocol.MeshUpdate{}, false
	}
	return *a.current, true
}

// Stats returns the counters
func (a *Applier) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
