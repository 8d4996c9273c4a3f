package objectdetection

import (
	"sort"
)

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter returns a function that filters out detections below a certain area in pixels.
func NewAreaFilter(area float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Box().Area() >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Score() >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewLabelFilter keeps only detections whose label is in the given set. An empty set keeps all.
func NewLabelFilter(labels []string) Postprocessor {
	keep := make(map[string]bool, len(labels))
	for _, l := range labels {
		keep[l] = true
	}
	return func(in []Detection) []Detection {
		if len(keep) == 0 {
			return in
		}
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if keep[d.Label()] {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewNMS returns a class aware non-maximum suppression: within each label, a detection is dropped
// when it overlaps a higher scoring one by more than iouThreshold. Output is sorted by score.
func NewNMS(iouThreshold float64) Postprocessor {
	return func(in []Detection) []Detection {
		sorted := sortByScore(in)
		out := make([]Detection, 0, len(sorted))
		for _, d := range sorted {
			suppressed := false
			for _, kept := range out {
				if kept.Label() == d.Label() && IoU(kept.Box(), d.Box()) > iouThreshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewTopK keeps the k highest scoring detections. k <= 0 keeps all.
func NewTopK(k int) Postprocessor {
	return func(in []Detection) []Detection {
		if k <= 0 || len(in) <= k {
			return in
		}
		return sortByScore(in)[:k]
	}
}

// Chain applies the postprocessors in order.
func Chain(pps ...Postprocessor) Postprocessor {
	return func(in []Detection) []Detection {
		for _, pp := range pps {
			if pp != nil {
				in = pp(in)
			}
		}
		return in
	}
}

func sortByScore(in []Detection) []Detection {
	sorted := make([]Detection, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score() > sorted[j].Score()
	})
	return sorted
}
