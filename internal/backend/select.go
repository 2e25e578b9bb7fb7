package backend

import "github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"

// SelectLargest picks the single face to track among several candidates.
//
// Order: larger area, then higher confidence, then smaller Y (higher in the
// frame), then smaller X. Exact ties on all four keys are the same box.
// Returns nil for no candidates.
func SelectLargest(candidates []types.BoundingBox) *types.BoundingBox {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return &best
}

func better(a, b types.BoundingBox) bool {
	if a.Area() != b.Area() {
		return a.Area() > b.Area()
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}
