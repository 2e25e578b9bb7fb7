package rendersync

import (
	"math/rand"
	"sort"
	"testing"
	"testing/quick"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/protocol"
)

type recordingScene struct {
	shown   []uint64
	lost    int
	cleared int
}

func (s *recordingScene) ShowMesh(u protocol.MeshUpdate) { s.shown = append(s.shown, u.SourceFrameSeq) }
func (s *recordingScene) FaceLost()                      { s.lost++ }
func (s *recordingScene) Cleared()                       { s.cleared++ }

func update(seq uint64) protocol.MeshUpdate {
	return protocol.MeshUpdate{SourceFrameSeq: seq, FaceDetected: true}
}

// TestApplier_DiscardsOlder documents out-of-order delivery.
//
// Scenario: updates arrive as 3, 1, 5, 5, 4.
// Contract: the scene shows 3 then 5; older or repeated updates are counted stale.
func TestApplier_DiscardsOlder(t *testing.T) {
	scene := &recordingScene{}
	a := New(scene)

	for _, seq := range []uint64{3, 1, 5, 5, 4} {
		a.Apply(update(seq))
	}

	if len(scene.shown) != 2 || scene.shown[0] != 3 || scene.shown[1] != 5 {
		t.Errorf("shown = %v, want [3 5]", scene.shown)
	}
	stats := a.Stats()
	if stats.Applied != 2 || stats.Stale != 3 || stats.LastSeq != 5 {
		t.Errorf("stats = %+v", stats)
	}
	if cur, ok := a.Current(); !ok || cur.SourceFrameSeq != 5 {
		t.Errorf("current = %v, %v", cur, ok)
	}
	t.Logf("✅ applied %d, discarded %d", stats.Applied, stats.Stale)
}

func TestApplier_RecalibrateResets(t *testing.T) {
	scene := &recordingScene{}
	a := New(scene)

	a.Apply(update(40))
	if !a.Handle(protocol.Received{Type: protocol.TypeRecalibrated}) {
		t.Error("recalibrated reported no change")
	}
	if _, ok := a.Current(); ok {
		t.Error("mesh still displayed after recalibrate")
	}
	if !a.Apply(update(2)) {
		t.Error("first update after reset was rejected")
	}
	if scene.cleared != 1 {
		t.Errorf("cleared = %d", scene.cleared)
	}
}

func TestApplier_Handle(t *testing.T) {
	scene := &recordingScene{}
	a := New(scene)

	u := update(1)
	if !a.Handle(protocol.Received{Type: protocol.TypeMeshUpdate, Mesh: &u}) {
		t.Error("mesh_update not applied")
	}
	if !a.Handle(protocol.Received{Type: protocol.TypeNoFace}) {
		t.Error("first no_face reported no change")
	}
	if a.Handle(protocol.Received{Type: protocol.TypeNoFace}) {
		t.Error("repeated no_face reported a change")
	}
	if a.Handle(protocol.Received{Type: protocol.TypeMetricsUpdate}) {
		t.Error("metrics_update changed the scene")
	}
	if a.Handle(protocol.Received{Type: protocol.TypeMeshUpdate}) {
		t.Error("mesh_update without payload applied")
	}

	if scene.lost != 1 || a.Stats().NoFace != 2 || a.Stats().FaceInView {
		t.Errorf("lost=%d stats=%+v", scene.lost, a.Stats())
	}
}

// TestApplier_ShownSequenceIsIncreasing is a property test: for any arrival
// order, the scene sees a strictly increasing subsequence ending at the max.
func TestApplier_ShownSequenceIsIncreasing(t *testing.T) {
	property := func(seqs []uint16, seed int64) bool {
		if len(seqs) == 0 {
			return true
		}
		r := rand.New(rand.NewSource(seed))
		r.Shuffle(len(seqs), func(i, j int) { seqs[i], seqs[j] = seqs[j], seqs[i] })

		scene := &recordingScene{}
		a := New(scene)
		var maxSeq uint64
		for _, s := range seqs {
			seq := uint64(s) + 1
			a.Apply(update(seq))
			maxSeq = max(maxSeq, seq)
		}

		if !sort.SliceIsSorted(scene.shown, func(i, j int) bool { return scene.shown[i] < scene.shown[j] }) {
			return false
		}
		for i := 1; i < len(scene.shown); i++ {
			if scene.shown[i] == scene.shown[i-1] {
				return false
			}
		}
		return scene.shown[len(scene.shown)-1] == maxSeq
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}
