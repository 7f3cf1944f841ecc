package tracker

import hungarian "github.com/arthurkushman/go-hungarian"

// hungarianAssign solves the association as a maximum-weight bipartite
// matching, using 1/(1+distance) as the similarity weight the Hungarian
// algorithm maximises — the same distance-to-similarity transform
// ByteTracker-style matchers in the wild use when adapting a cost metric to
// a solver that maximises rather than minimises.
func hungarianAssign(tracks []*TrackedBlob, measurements []BlobProperties) map[int]int {
	assignment := make(map[int]int)
	if len(tracks) == 0 || len(measurements) == 0 {
		return assignment
	}

	size := len(tracks)
	if len(measurements) > size {
		size = len(measurements)
	}

	weights := make([][]float64, size)
	for i := range weights {
		weights[i] = make([]float64, size)
	}
	for ti, t := range tracks {
		for mi, m := range measurements {
			distance := t.GetDistanceFromPrediction(m)
			weights[ti][mi] = 1.0 / (1.0 + distance)
		}
	}

	// SolveMax returns row->column->weight; each row has a single assigned
	// column, so extract it as trackIdx->measurementIdx.
	solved := hungarian.SolveMax(weights)
	for trackIdx, cols := range solved {
		for measurementIdx := range cols {
			if trackIdx >= len(tracks) || measurementIdx >= len(measurements) {
				continue
			}
			assignment[trackIdx] = measurementIdx
		}
	}
	return assignment
}
