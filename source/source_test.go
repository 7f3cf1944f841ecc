package source

import "testing"

func TestBaseParameterRoundTrip(t *testing.T) {
	b := NewBase("synthetic", 3)

	id, ok := b.GetParameter("id")
	if !ok {
		t.Fatal("expected \"id\" to always resolve")
	}
	if id != 3 {
		t.Errorf("id = %v, want 3", id)
	}

	if err := b.SetParameter("id", 99); err != nil {
		t.Fatalf("SetParameter(id): %v", err)
	}
	id, _ = b.GetParameter("id")
	if id != 3 {
		t.Errorf("id changed after SetParameter(id): got %v, want 3 (immutable)", id)
	}

	if err := b.SetParameter("gain", 1.5); err != nil {
		t.Fatalf("SetParameter(gain): %v", err)
	}
	gain, ok := b.GetParameter("gain")
	if !ok || gain != 1.5 {
		t.Errorf("gain = %v, %v, want 1.5, true", gain, ok)
	}

	if _, ok := b.GetParameter("unknown"); ok {
		t.Error("GetParameter(unknown) reported ok=true")
	}
}

func TestSyntheticSubsources(t *testing.T) {
	subs, err := SyntheticSubsources()
	if err != nil {
		t.Fatalf("SyntheticSubsources: %v", err)
	}
	if len(subs) != 1 || subs[0] != "0" {
		t.Errorf("subs = %v, want [\"0\"]", subs)
	}
}

func TestSyntheticGrabProducesFrame(t *testing.T) {
	src, err := NewSynthetic(0)
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}
	if !src.Connect() {
		t.Fatal("Connect() returned false")
	}
	defer src.Disconnect()

	if err := src.GrabFrame(); err != nil {
		t.Fatalf("GrabFrame: %v", err)
	}
	frame := src.RetrieveCorrectedFrame()
	if frame == nil {
		t.Fatal("RetrieveCorrectedFrame returned nil after a successful grab")
	}
	bounds := frame.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		t.Errorf("frame bounds = %v, want positive dimensions", bounds)
	}
}

func TestSyntheticRectifyIsIdempotent(t *testing.T) {
	src, err := NewSynthetic(0)
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}
	if err := src.GrabFrame(); err != nil {
		t.Fatalf("GrabFrame: %v", err)
	}
	first := src.RetrieveCorrectedFrame()
	second := src.RetrieveCorrectedFrame()
	if first != second {
		t.Error("RetrieveCorrectedFrame rebuilt the rectified image without a new GrabFrame")
	}
}

func TestSyntheticScaleParameter(t *testing.T) {
	src, err := NewSynthetic(0)
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}
	if err := src.SetParameter("scale", 0.5); err != nil {
		t.Fatalf("SetParameter(scale): %v", err)
	}
	scale, ok := src.GetParameter("scale")
	if !ok || scale != 0.5 {
		t.Errorf("scale = %v, %v, want 0.5, true", scale, ok)
	}

	if err := src.GrabFrame(); err != nil {
		t.Fatalf("GrabFrame: %v", err)
	}
	halved := src.RetrieveCorrectedFrame().Bounds()

	if err := src.SetParameter("scale", 1.0); err != nil {
		t.Fatalf("SetParameter(scale): %v", err)
	}
	if err := src.GrabFrame(); err != nil {
		t.Fatalf("GrabFrame: %v", err)
	}
	unscaled := src.RetrieveCorrectedFrame().Bounds()

	if halved.Dx() >= unscaled.Dx() {
		t.Errorf("scaled width %d should be smaller than unscaled width %d", halved.Dx(), unscaled.Dx())
	}
}
