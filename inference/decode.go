package inference

import (
	"slices"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/livedetect/common"
)

// AnchorCount returns the number of predictions a YOLOv8 style head emits for
// a square input of side size: one per cell at strides 8, 16 and 32.
func AnchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		cells := size / stride
		n += cells * cells
	}
	return n
}

// DecodeYOLO turns a [1, 4+classes, anchors] output into candidates. Each
// anchor carries center x, center y, width and height followed by one score
// per class; the best class is kept when it reaches minScore.
//
// Arguments:
//   - output: The raw output tensor data.
//   - classes: The number of classes.
//   - anchors: The number of anchors.
//   - minScore: The lowest score kept.
//
// Returns:
//   - []Candidate: The candidates, in anchor order.
//   - error: An error if output does not match the shape.
func DecodeYOLO(output []float32, classes, anchors int, minScore float32) ([]Candidate, error) {
	rows := 4 + classes
	if classes <= 0 || anchors <= 0 || len(output) != rows*anchors {
		return nil, errors.Errorf("inference: output has %d values, want %d×%d", len(output), rows, anchors)
	}

	// Transpose to one row per anchor so each prediction is contiguous.
	t := tensor.New(tensor.WithShape(rows, anchors), tensor.WithBacking(slices.Clone(output)))
	if err := t.T(); err != nil {
		return nil, errors.Wrap(err, "inference: transpose output")
	}
	if err := t.Transpose(); err != nil {
		return nil, errors.Wrap(err, "inference: transpose output")
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("inference: unexpected tensor data %T", t.Data())
	}

	var out []Candidate
	for a := 0; a < anchors; a++ {
		row := data[a*rows : (a+1)*rows]

		best, score := -1, float32(0)
		for c, s := range row[4:] {
			if s > score {
				best, score = c, s
			}
		}
		if best < 0 || score < minScore {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]
		out = append(out, Candidate{
			Class: best,
			Score: score,
			Box: common.BoundingBox{
				X1: cx - w/2,
				Y1: cy - h/2,
				X2: cx + w/2,
				Y2: cy + h/2,
			},
		})
	}
	return out, nil
}
