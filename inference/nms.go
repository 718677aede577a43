package inference

import (
	"slices"

	"github.com/nvr-ai/livedetect/common"
)

// Candidate is a decoded, unlabelled detection in model input coordinates.
type Candidate struct {
	Class int
	Score float32
	Box   common.BoundingBox
}

// ApplyNMS performs greedy non-maximum suppression: candidates are visited by
// descending score and each one suppresses the later candidates overlapping
// it by more than iouThreshold. With classAware set only candidates of the
// same class suppress each other.
//
// Arguments:
//   - candidates: Detections in any order. The slice is not modified.
//   - iouThreshold: Overlap above which a box is suppressed.
//   - classAware: Suppress only within a class.
//
// Returns:
//   - []Candidate: The kept detections, highest score first.
func ApplyNMS(candidates []Candidate, iouThreshold float32, classAware bool) []Candidate {
	if len(candidates) == 0 {
		return nil
	}

	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	kept := make([]Candidate, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			if classAware && sorted[i].Class != sorted[j].Class {
				continue
			}
			if sorted[i].Box.IoU(sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
