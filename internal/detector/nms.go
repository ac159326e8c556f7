package detector

import (
	"sort"

	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

// IoU returns the intersection over union of two boxes.
func IoU(a, b types.BoundingBox) float64 {
	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.W*a.H+b.W*b.H) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}

// NMS performs greedy per-class non-maximum suppression. The result is ordered
// by descending confidence.
func NMS(dets []types.RawDetection, iouThreshold float64) []types.RawDetection {
	sorted := make([]types.RawDetection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]types.RawDetection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == d.ClassID && IoU(k.BBox, d.BBox) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}
