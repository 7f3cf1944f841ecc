package tracker

// candidatePair ties a track to a measurement for one round of greedy
// association, along with the distance that ranks it.
type candidatePair struct {
	trackIndex       int
	measurementIndex int
	trackID          int64 // the track's monotonic id, used only for tie-breaking
	distance         float64
}

// candidateHeap is a min-heap on distance, tie-broken on trackID then
// measurementIndex. Since trackID is assigned monotonically at track birth,
// this tie-break is deterministic across repeated calls with the same set of
// tracks, not just within a single call. Its shape follows container/heap
// (https://pkg.go.dev/container/heap) but avoids the any-typed Push/Pop
// signature required by heap.Interface.
type candidateHeap []candidatePair

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	if h[i].distance != h[j].distance {
		return h[i].distance < h[j].distance
	}
	if h[i].trackID != h[j].trackID {
		return h[i].trackID < h[j].trackID
	}
	return h[i].measurementIndex < h[j].measurementIndex
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x candidatePair) {
	*h = append(*h, x)
	h.up(h.Len() - 1)
}

func (h *candidateHeap) Pop() candidatePair {
	n := h.Len() - 1
	h.Swap(0, n)
	h.down(0, n)
	last := (*h)[n]
	*h = (*h)[:n]
	return last
}

func (h candidateHeap) up(j int) {
	for {
		i := (j - 1) / 2
		if i == j || !h.Less(j, i) {
			break
		}
		h.Swap(i, j)
		j = i
	}
}

func (h candidateHeap) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.Less(j2, j1) {
			j = j2
		}
		if !h.Less(j, i) {
			break
		}
		h.Swap(i, j)
		i = j
	}
	return i > i0
}
