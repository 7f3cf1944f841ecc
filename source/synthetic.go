package source

import (
	"image"
	"image/color"
	"math"
	"sync"
)

// SyntheticClassName is the factory key the synthetic source registers
// under.
const SyntheticClassName = "synthetic"

// SyntheticDocumentation describes the synthetic source for factory
// enumeration.
const SyntheticDocumentation = "deterministic moving-circle test pattern, no external device required"

// Synthetic is a single-sub-source (index 0) reference producer: it has no real device
// to open, so Connect always succeeds, and every GrabFrame renders a
// deterministic moving circle into its raw frame. RetrieveCorrectedFrame
// applies a configurable affine crop/scale as its "rectification" step,
// exercising the rectification contract without real lens-distortion data.
type Synthetic struct {
	Base

	mu      sync.Mutex
	tick    int
	width   int
	height  int
	cropX   int
	cropY   int
	scale   float64
	raw     *image.RGBA
	rectify *image.RGBA
}

// NewSynthetic constructs a synthetic source with sub-source index subIndex.
// The synthetic source has exactly one sub-source, index 0.
func NewSynthetic(subIndex int) (Source, error) {
	s := &Synthetic{
		Base:   NewBase(SyntheticClassName, subIndex),
		width:  320,
		height: 240,
		scale:  1.0,
	}
	return s, nil
}

// SyntheticSubsources enumerates the synthetic source's single sub-source
// without constructing an instance, matching the factory's getSubsources(-1)
// contract.
func SyntheticSubsources() ([]string, error) {
	return []string{"0"}, nil
}

// Connect always succeeds: there is no real device to open.
func (s *Synthetic) Connect() bool { return true }

// Disconnect is a no-op: there is no real device to release.
func (s *Synthetic) Disconnect() {}

// GrabFrame renders the next frame of the moving-circle pattern.
func (s *Synthetic) GrabFrame() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	cx := float64(s.width)/2 + float64(s.width)/3*math.Cos(float64(s.tick)*0.05)
	cy := float64(s.height)/2 + float64(s.height)/3*math.Sin(float64(s.tick)*0.05)
	const radius = 12.0
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			if dx*dx+dy*dy <= radius*radius {
				img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{A: 255})
			}
		}
	}
	s.raw = img
	s.rectify = nil
	return nil
}

// RetrieveCorrectedFrame applies the configured crop/scale "rectification"
// to the latest raw frame. It is idempotent between GrabFrame calls.
func (s *Synthetic) RetrieveCorrectedFrame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	}
	if s.rectify != nil {
		return s.rectify
	}
	bounds := s.raw.Bounds()
	cropped := image.Rect(
		clampInt(s.cropX, 0, bounds.Dx()),
		clampInt(s.cropY, 0, bounds.Dy()),
		bounds.Dx(),
		bounds.Dy(),
	)
	sub := s.raw.SubImage(cropped).(*image.RGBA)
	if s.scale == 1.0 || s.scale <= 0 {
		s.rectify = sub
		return s.rectify
	}
	dstW := int(float64(sub.Bounds().Dx()) * s.scale)
	dstH := int(float64(sub.Bounds().Dy()) * s.scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		for x := 0; x < dstW; x++ {
			srcX := sub.Bounds().Min.X + x*sub.Bounds().Dx()/dstW
			srcY := sub.Bounds().Min.Y + y*sub.Bounds().Dy()/dstH
			dst.Set(x, y, sub.At(srcX, srcY))
		}
	}
	s.rectify = dst
	return s.rectify
}

// GetParameter reads a named parameter. In addition to the base "id", the
// synthetic source recognises "cropX", "cropY" and "scale".
func (s *Synthetic) GetParameter(name string) (Value, bool) {
	switch name {
	case "cropX":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cropX, true
	case "cropY":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cropY, true
	case "scale":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.scale, true
	default:
		return s.Base.GetParameter(name)
	}
}

// SetParameter writes a named parameter, recognising "cropX", "cropY" and
// "scale" in addition to the base parameter map.
func (s *Synthetic) SetParameter(name string, value Value) error {
	switch name {
	case "cropX":
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cropX = toInt(value)
		s.rectify = nil
		return nil
	case "cropY":
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cropY = toInt(value)
		s.rectify = nil
		return nil
	case "scale":
		s.mu.Lock()
		defer s.mu.Unlock()
		s.scale = toFloat(value)
		s.rectify = nil
		return nil
	default:
		return s.Base.SetParameter(name, value)
	}
}

// GetSubsources enumerates the synthetic source's single sub-source.
func (s *Synthetic) GetSubsources() ([]string, error) {
	return SyntheticSubsources()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toInt(v Value) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v Value) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
