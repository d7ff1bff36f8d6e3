package model

import (
	"sort"

	"github.com/bmharper/flatbush-go"
)

// decodeYOLOv8 turns the raw output of a YOLOv8 detection head into detections.
// The output is laid out as [4+nClasses][nAnchors]: for every anchor, the rows hold
// cx, cy, w, h (in network pixels), followed by one score per class.
func decodeYOLOv8(output []float32, nAnchors int, classes []string, lb letterbox, params DetectionParams) []Detection {
	nClasses := len(classes)
	if nAnchors <= 0 || len(output) < (4+nClasses)*nAnchors {
		return nil
	}
	type candidate struct {
		class int
		conf  float32
		box   Rect
	}
	candidates := []candidate{}
	for i := 0; i < nAnchors; i++ {
		bestClass := -1
		bestConf := float32(0)
		for c := 0; c < nClasses; c++ {
			conf := output[(4+c)*nAnchors+i]
			if conf > bestConf {
				bestConf = conf
				bestClass = c
			}
		}
		if bestClass == -1 || bestConf < params.ProbabilityThreshold {
			continue
		}
		cx := output[0*nAnchors+i]
		cy := output[1*nAnchors+i]
		w := output[2*nAnchors+i]
		h := output[3*nAnchors+i]
		candidates = append(candidates, candidate{
			class: bestClass,
			conf:  min(bestConf, 1),
			box:   lb.toSource(cx, cy, w, h),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].conf > candidates[j].conf
	})

	boxes := make([]Rect, len(candidates))
	classIdx := make([]int, len(candidates))
	for i, c := range candidates {
		boxes[i] = c.box
		classIdx[i] = c.class
	}
	keep := nonMaxSuppression(boxes, classIdx, params.NmsIouThreshold)

	detections := make([]Detection, 0, len(keep))
	for _, i := range keep {
		detections = append(detections, Detection{
			Label:      classes[candidates[i].class],
			Confidence: candidates[i].conf,
			Box:        candidates[i].box,
		})
	}
	return detections
}

// nonMaxSuppression suppresses boxes that overlap a higher ranked box of the same class.
// boxes must be sorted by descending confidence. Returns the indices of the retained boxes, in order.
func nonMaxSuppression(boxes []Rect, classes []int, maxIoU float32) []int {
	if len(boxes) == 0 {
		return nil
	}
	// Spatial index avoids O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(boxes))
	for _, b := range boxes {
		fb.Add(b.X, b.Y, b.X2(), b.Y2())
	}
	fb.Finish()

	suppressed := make([]bool, len(boxes))
	keep := []int{}
	for i, b := range boxes {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range fb.Search(b.X, b.Y, b.X2(), b.Y2()) {
			if j <= i || suppressed[j] || classes[j] != classes[i] {
				continue
			}
			if b.IOU(boxes[j]) > maxIoU {
				suppressed[j] = true
			}
		}
	}
	return keep
}

// TopDetection returns the most confident detection, or the Unknown sentinel when there are none.
func TopDetection(detections []Detection) Prediction {
	if len(detections) == 0 {
		return Prediction{Label: UnknownLabel, Confidence: 0}
	}
	best := detections[0]
	for _, d := range detections[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return Prediction{
		Label:      best.Label,
		Confidence: roundConfidence(best.Confidence),
	}
}
