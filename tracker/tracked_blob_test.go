package tracker

import (
	"math"
	"testing"
)

func TestTrackedBlobInit(t *testing.T) {
	b := NewTrackedBlob()
	b.Init(BlobProperties{Position: Point{X: 10, Y: 10}, Size: 5})

	if !b.GetUpdated() {
		t.Error("expected updated=true right after Init")
	}
	last := b.GetLast()
	if last.Position != (Point{X: 10, Y: 10}) {
		t.Errorf("expected last position (10,10), got %v", last.Position)
	}
	if last.Velocity != (Point{}) {
		t.Errorf("expected zero velocity after Init, got %v", last.Velocity)
	}
}

func TestTrackedBlobPredictClearsUpdated(t *testing.T) {
	b := NewTrackedBlob()
	b.Init(BlobProperties{Position: Point{X: 0, Y: 0}})
	b.Predict()
	if b.GetUpdated() {
		t.Error("expected updated=false after Predict")
	}
}

func TestTrackedBlobSetNewMeasuresComputesVelocity(t *testing.T) {
	b := NewTrackedBlob()
	b.Init(BlobProperties{Position: Point{X: 10, Y: 10}})
	b.Predict()
	if err := b.SetNewMeasures(BlobProperties{Position: Point{X: 11, Y: 10}}); err != nil {
		t.Fatalf("SetNewMeasures failed: %v", err)
	}
	if !b.GetUpdated() {
		t.Error("expected updated=true after SetNewMeasures")
	}
	vel := b.GetLast().Velocity
	if math.Abs(vel.X) < 1e-9 && math.Abs(vel.Y) < 1e-9 {
		t.Errorf("expected nonzero velocity after moving, got %v", vel)
	}
}

func TestTrackedBlobLifetime(t *testing.T) {
	b := NewTrackedBlob()
	b.Init(BlobProperties{Position: Point{X: 0, Y: 0}})
	b.SetLifetime(3)
	if b.GetLifetime() != 3 {
		t.Fatalf("expected lifetime 3, got %d", b.GetLifetime())
	}
	b.GetOlder()
	b.GetOlder()
	if b.GetLifetime() != 1 {
		t.Fatalf("expected lifetime 1 after aging twice, got %d", b.GetLifetime())
	}
	b.RenewLifetime(3)
	if b.GetLifetime() != 3 {
		t.Fatalf("expected lifetime reset to 3, got %d", b.GetLifetime())
	}
}

func TestTrackedBlobDistanceFromPrediction(t *testing.T) {
	b := NewTrackedBlob()
	b.Init(BlobProperties{Position: Point{X: 0, Y: 0}})
	dist := b.GetDistanceFromPrediction(BlobProperties{Position: Point{X: 3, Y: 4}})
	if math.Abs(dist-5.0) > 1e-6 {
		t.Errorf("expected distance 5, got %v", dist)
	}
}
