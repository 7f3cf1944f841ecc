package tracker

import (
	"sync/atomic"

	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/pkg/errors"
)

// DefaultLifetime is the lifetime assigned to a newly born track when the
// caller does not override it.
const DefaultLifetime = 30

// nextBlobID is the process-wide source of TrackedBlob ids: a monotonic
// counter, never reused, the same pattern flow.Scheduler uses for flow ids.
var nextBlobID int64

// TrackedBlob is a persistent identity carried across cycles: a Kalman
// predictor over position, the last measurement that fed it, and an aging
// lifetime counter.
type TrackedBlob struct {
	id          int64
	tracker     *kalman_filter.Kalman2D
	predicted   Point
	last        BlobProperties
	lifetime    int
	updated     bool
}

// NewTrackedBlob allocates an identity with no Kalman filter yet; Init builds
// the filter and must be called before the blob is used. Its id is the next
// value of the process-wide monotonic counter, starting at 1.
func NewTrackedBlob() *TrackedBlob {
	return &TrackedBlob{id: atomic.AddInt64(&nextBlobID, 1)}
}

// GetID returns the blob's identifier.
func (b *TrackedBlob) GetID() int64 { return b.id }

// Init seeds the internal filter state from m (position), with zero
// velocity, and marks the blob as updated.
func (b *TrackedBlob) Init(m BlobProperties) {
	const (
		ux, uy           = 1.0, 1.0
		stdDevA          = 2.0
		stdDevMx, stdDevMy = 0.1, 0.1
		dt               = 1.0
	)
	b.tracker = kalman_filter.NewKalman2D(dt, ux, uy, stdDevA, stdDevMx, stdDevMy,
		kalman_filter.WithState2D(m.Position.X, m.Position.Y))
	b.last = m
	b.last.Velocity = Point{}
	b.predicted = m.Position
	b.updated = true
}

// Predict advances the filter by one tick and returns the predicted
// measurement; it clears the updated flag.
func (b *TrackedBlob) Predict() BlobProperties {
	b.tracker.Predict()
	stateX, stateY := b.tracker.GetState()
	predicted := Point{X: stateX, Y: stateY}
	velocity := Point{X: predicted.X - b.predicted.X, Y: predicted.Y - b.predicted.Y}
	b.predicted = predicted
	b.updated = false
	return BlobProperties{
		Position:    predicted,
		Velocity:    velocity,
		Color:       b.last.Color,
		Orientation: b.last.Orientation,
		Size:        b.last.Size,
	}
}

// SetNewMeasures feeds m into the filter as an observation, recomputes
// velocity from the position delta, copies through colour/orientation/size,
// and marks the blob updated.
func (b *TrackedBlob) SetNewMeasures(m BlobProperties) error {
	prevPosition := b.last.Position
	if err := b.tracker.Update(m.Position.X, m.Position.Y); err != nil {
		return errors.Wrap(err, "can't update blob tracker")
	}
	stateX, stateY := b.tracker.GetState()
	newPosition := Point{X: stateX, Y: stateY}
	b.last = BlobProperties{
		Position:    newPosition,
		Velocity:    Point{X: newPosition.X - prevPosition.X, Y: newPosition.Y - prevPosition.Y},
		Color:       m.Color,
		Orientation: m.Orientation,
		Size:        m.Size,
	}
	b.updated = true
	return nil
}

// GetDistanceFromPrediction returns a scalar distance between the current
// predicted position and a candidate measurement. It is Euclidean in
// position.
func (b *TrackedBlob) GetDistanceFromPrediction(m BlobProperties) float64 {
	return euclideanDistance(b.predicted, m.Position)
}

// GetLast returns the last measurement applied to this blob, via SetNewMeasures
// or Init.
func (b *TrackedBlob) GetLast() BlobProperties { return b.last }

// GetUpdated reports whether the last cycle produced a new measurement.
func (b *TrackedBlob) GetUpdated() bool { return b.updated }

// RenewLifetime resets the lifetime counter to n.
func (b *TrackedBlob) RenewLifetime(n int) { b.lifetime = n }

// GetOlder decrements the lifetime counter by one.
func (b *TrackedBlob) GetOlder() { b.lifetime-- }

// GetLifetime returns the current lifetime counter.
func (b *TrackedBlob) GetLifetime() int { return b.lifetime }

// SetLifetime sets the lifetime counter to n.
func (b *TrackedBlob) SetLifetime(n int) { b.lifetime = n }
