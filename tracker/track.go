package tracker

import "github.com/pkg/errors"

// Strategy selects the algorithm used to associate predicted tracks with
// new measurements for one cycle.
type Strategy int

const (
	// StrategyGreedy repeatedly commits the globally smallest remaining
	// distance, with a deterministic tie-break. The default.
	StrategyGreedy Strategy = iota
	// StrategyHungarian is an optional alternate that solves the assignment
	// as a maximum-weight bipartite matching via the Hungarian algorithm,
	// offered for callers that prefer a globally optimal assignment over
	// the greedy one. It is not the default.
	StrategyHungarian
)

// Options configures one call to Track.
type Options struct {
	// Lifetime is the age given to newly born tracks. Defaults to
	// DefaultLifetime when zero.
	Lifetime int
	// Strategy picks the association algorithm. Defaults to StrategyGreedy.
	Strategy Strategy
}

// Track associates measurements with tracks for one cycle: it predicts every
// existing track, associates predictions with measurements, updates matched
// tracks, ages unmatched ones (removing those whose lifetime goes negative),
// and births a new track for every unmatched measurement. The returned slice
// is newly allocated; the surviving TrackedBlob values from tracks are
// updated in place and carried into it.
//
// Track has no failure modes of its own; an error can only originate from a
// Kalman update rejecting a measurement, which is itself a bug.
func Track(measurements []BlobProperties, tracks []*TrackedBlob, opts Options) ([]*TrackedBlob, error) {
	lifetime := opts.Lifetime
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}

	for _, t := range tracks {
		t.Predict()
	}

	var trackToMeasurement map[int]int
	switch opts.Strategy {
	case StrategyHungarian:
		trackToMeasurement = hungarianAssign(tracks, measurements)
	default:
		trackToMeasurement = greedyAssign(tracks, measurements)
	}

	matchedTracks := make(map[int]struct{}, len(trackToMeasurement))
	matchedMeasurements := make(map[int]struct{}, len(trackToMeasurement))
	for trackIdx, measurementIdx := range trackToMeasurement {
		if err := tracks[trackIdx].SetNewMeasures(measurements[measurementIdx]); err != nil {
			return nil, errors.Wrapf(err, "can't apply measurement to track %d", tracks[trackIdx].GetID())
		}
		tracks[trackIdx].RenewLifetime(lifetime)
		matchedTracks[trackIdx] = struct{}{}
		matchedMeasurements[measurementIdx] = struct{}{}
	}

	kept := make([]*TrackedBlob, 0, len(tracks)+len(measurements))
	for i, t := range tracks {
		if _, ok := matchedTracks[i]; ok {
			kept = append(kept, t)
			continue
		}
		t.GetOlder()
		if t.GetLifetime() < 0 {
			continue
		}
		kept = append(kept, t)
	}

	for i, m := range measurements {
		if _, ok := matchedMeasurements[i]; ok {
			continue
		}
		born := NewTrackedBlob()
		born.Init(m)
		born.SetLifetime(lifetime)
		kept = append(kept, born)
	}

	return kept, nil
}

// greedyAssign enumerates every (track, measurement) pair, then repeatedly
// commits the globally smallest remaining distance, removing every pair
// sharing either side.
func greedyAssign(tracks []*TrackedBlob, measurements []BlobProperties) map[int]int {
	assignment := make(map[int]int)
	if len(tracks) == 0 || len(measurements) == 0 {
		return assignment
	}

	h := make(candidateHeap, 0, len(tracks)*len(measurements))
	for ti, t := range tracks {
		for mi, m := range measurements {
			h.Push(candidatePair{
				trackIndex:       ti,
				measurementIndex: mi,
				trackID:          t.GetID(),
				distance:         t.GetDistanceFromPrediction(m),
			})
		}
	}

	takenTracks := make(map[int]struct{}, len(tracks))
	takenMeasurements := make(map[int]struct{}, len(measurements))
	for h.Len() > 0 {
		pair := h.Pop()
		if _, ok := takenTracks[pair.trackIndex]; ok {
			continue
		}
		if _, ok := takenMeasurements[pair.measurementIndex]; ok {
			continue
		}
		assignment[pair.trackIndex] = pair.measurementIndex
		takenTracks[pair.trackIndex] = struct{}{}
		takenMeasurements[pair.measurementIndex] = struct{}{}
	}
	return assignment
}
