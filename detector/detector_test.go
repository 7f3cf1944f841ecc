package detector

import (
	"image"
	"image/color"
	"testing"
)

func TestMessageFlatten(t *testing.T) {
	msg := Message{
		N: 2,
		S: 2,
		Records: [][]float64{
			{1, 2},
			{3, 4},
		},
	}
	got := msg.Flatten()
	want := []float64{2, 2, 1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Flatten() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Flatten()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBaseMaskRoundTrip(t *testing.T) {
	b := NewBase("threshold", "/blobserver/threshold")

	if m := b.GetMask(image.NewGray(image.Rect(0, 0, 4, 4)), InterpNearest); m != nil {
		t.Fatal("GetMask with no installed mask should return nil")
	}

	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	mask.Set(0, 0, color.Gray{Y: 255})
	b.SetMask(mask)

	frame := image.NewGray(image.Rect(0, 0, 4, 4))
	resized := b.GetMask(frame, InterpNearest)
	if resized == nil {
		t.Fatal("GetMask returned nil after SetMask")
	}
	if resized.Bounds() != frame.Bounds() {
		t.Errorf("resized mask bounds = %v, want %v", resized.Bounds(), frame.Bounds())
	}
}

func TestBaseVerboseParameter(t *testing.T) {
	b := NewBase("threshold", "/blobserver/threshold")
	if v, ok := b.GetParameter("verbose"); !ok || v != false {
		t.Errorf("default verbose = %v, %v, want false, true", v, ok)
	}
	if err := b.SetParameter("verbose", true); err != nil {
		t.Fatalf("SetParameter(verbose): %v", err)
	}
	if !b.Verbose() {
		t.Error("Verbose() = false after SetParameter(verbose, true)")
	}
}

func TestBaseSourcesAreCopiedOut(t *testing.T) {
	b := NewBase("threshold", "/blobserver/threshold")
	b.AddSource(nil)
	srcs := b.Sources()
	srcs[0] = nil // mutating the copy must not affect the internal slice
	if len(b.Sources()) != 1 {
		t.Errorf("Sources() length changed after mutating a returned copy")
	}
}

func TestApplyMaskZeroesMaskedPixels(t *testing.T) {
	work := image.NewGray(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			work.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	mask := image.NewRGBA(image.Rect(0, 0, 2, 2))
	mask.Set(0, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	// (1,0), (0,1), (1,1) stay black -> masked out

	ApplyMask(work, mask)

	if work.GrayAt(0, 0).Y != 255 {
		t.Error("unmasked pixel (0,0) was zeroed")
	}
	for _, p := range [][2]int{{1, 0}, {0, 1}, {1, 1}} {
		if work.GrayAt(p[0], p[1]).Y != 0 {
			t.Errorf("masked pixel %v was not zeroed", p)
		}
	}
}

func TestApplyMaskNilIsNoop(t *testing.T) {
	work := image.NewGray(image.Rect(0, 0, 1, 1))
	work.SetGray(0, 0, color.Gray{Y: 128})
	ApplyMask(work, nil)
	if work.GrayAt(0, 0).Y != 128 {
		t.Error("ApplyMask(nil) modified the image")
	}
}
