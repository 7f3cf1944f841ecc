package detector

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/blobserver-go/blobserver/tracker"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ThresholdClassName is the factory key the reference threshold detector
// registers under.
const ThresholdClassName = "threshold"

// ThresholdDocumentation describes the threshold detector for factory
// enumeration.
const ThresholdDocumentation = "binary-thresholds a single frame, finds connected components, tracks them"

// ThresholdSourceNbr is the number of frames Threshold.Detect requires.
const ThresholdSourceNbr = 1

// Threshold is a single-source reference detector: it binary-thresholds its
// input frame against a configurable brightness cutoff, finds connected
// components as blob candidates, feeds them through the generic tracker
// package, and emits the resulting TrackedBlob set as its structured
// message. Its output image is the thresholded mask with bounding boxes
// drawn over the detected blobs.
type Threshold struct {
	Base

	cutoff uint8
	tracks []*tracker.TrackedBlob
}

// NewThreshold constructs a threshold detector publishing blob records on
// "/blobserver/threshold".
func NewThreshold() (Detector, error) {
	return &Threshold{
		Base:   NewBase(ThresholdClassName, "/blobserver/threshold"),
		cutoff: 128,
	}, nil
}

// GetParameter reads a named parameter, recognising "cutoff" in addition to
// the base parameter set.
func (t *Threshold) GetParameter(name string) (Value, bool) {
	if name == "cutoff" {
		return int(t.cutoff), true
	}
	return t.Base.GetParameter(name)
}

// SetParameter writes a named parameter, recognising "cutoff" in addition
// to the base parameter set.
func (t *Threshold) SetParameter(name string, value Value) error {
	if name == "cutoff" {
		t.cutoff = uint8(toInt8(value))
		return nil
	}
	return t.Base.SetParameter(name, value)
}

func toInt8(v Value) int {
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

// Detect binary-thresholds frames[0], finds its connected components,
// associates them with this detector's existing tracks via the tracker
// package, and returns the resulting TrackedBlob set as a Message.
func (t *Threshold) Detect(frames []image.Image) (Message, error) {
	if len(frames) < ThresholdSourceNbr {
		return Message{}, errors.New("threshold detector requires at least one frame")
	}
	frame := frames[0]
	bounds := frame.Bounds()

	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, frame, bounds.Min, draw.Src)

	binary := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if gray.GrayAt(x, y).Y >= t.cutoff {
				binary.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	if mask := t.GetMask(frame, InterpNearest); mask != nil {
		ApplyMask(binary, mask)
	}

	components := findComponents(binary)
	measurements := make([]tracker.BlobProperties, 0, len(components))
	for _, c := range components {
		measurements = append(measurements, c.toBlobProperties(frame))
	}

	updated, err := tracker.Track(measurements, t.tracks, tracker.Options{Lifetime: tracker.DefaultLifetime})
	if err != nil {
		return Message{}, errors.Wrap(err, "threshold detector: tracking failed")
	}
	t.tracks = updated

	msg := blobsToMessage(t.tracks)
	t.SetLastMessage(msg)

	output := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := binary.GrayAt(x, y).Y
			output.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	for _, tr := range t.tracks {
		drawBoundingBox(output, tr.GetLast())
	}
	t.SetOutput(output)

	return msg, nil
}

// blobsToMessage packs the tracked-blob set into the wire-level flat
// message: N, S, then one record per blob with S=9 fields (position,
// velocity, colour, orientation, size).
func blobsToMessage(tracks []*tracker.TrackedBlob) Message {
	const fieldsPerBlob = 9
	msg := Message{N: len(tracks), S: fieldsPerBlob}
	for _, tr := range tracks {
		p := tr.GetLast()
		msg.Records = append(msg.Records, []float64{
			p.Position.X, p.Position.Y,
			p.Velocity.X, p.Velocity.Y,
			float64(p.Color.R), float64(p.Color.G), float64(p.Color.B),
			p.Orientation,
			p.Size,
		})
	}
	return msg
}

// component is a connected set of foreground pixels found by findComponents.
type component struct {
	xs, ys []float64
}

func (c component) toBlobProperties(frame image.Image) tracker.BlobProperties {
	n := len(c.xs)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	meanX, varX := stat.MeanVariance(c.xs, weights)
	meanY, varY := stat.MeanVariance(c.ys, weights)
	covXY := stat.Covariance(c.xs, c.ys, weights)

	orientation := 0.0
	if varX != varY || covXY != 0 {
		orientation = 0.5 * math.Atan2(2*covXY, varX-varY)
	}

	r, g, b := sampleColor(frame, int(meanX), int(meanY))

	return tracker.BlobProperties{
		Position:    tracker.Point{X: meanX, Y: meanY},
		Color:       tracker.Color{R: r, G: g, B: b},
		Orientation: orientation,
		Size:        float64(n),
	}
}

func sampleColor(frame image.Image, x, y int) (byte, byte, byte) {
	r, g, b, _ := frame.At(x, y).RGBA()
	return byte(r >> 8), byte(g >> 8), byte(b >> 8)
}

// findComponents runs a flood-fill connected-component search over mask's
// foreground (non-zero) pixels, 4-connected.
func findComponents(mask *image.Gray) []component {
	bounds := mask.Bounds()
	visited := make([]bool, bounds.Dx()*bounds.Dy())
	idx := func(x, y int) int { return (y-bounds.Min.Y)*bounds.Dx() + (x - bounds.Min.X) }

	var components []component
	stack := make([][2]int, 0, 64)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if visited[idx(x, y)] || mask.GrayAt(x, y).Y == 0 {
				continue
			}
			var c component
			stack = stack[:0]
			stack = append(stack, [2]int{x, y})
			visited[idx(x, y)] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				c.xs = append(c.xs, float64(p[0]))
				c.ys = append(c.ys, float64(p[1]))
				for _, d := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					nx, ny := p[0]+d[0], p[1]+d[1]
					if nx < bounds.Min.X || nx >= bounds.Max.X || ny < bounds.Min.Y || ny >= bounds.Max.Y {
						continue
					}
					if visited[idx(nx, ny)] || mask.GrayAt(nx, ny).Y == 0 {
						continue
					}
					visited[idx(nx, ny)] = true
					stack = append(stack, [2]int{nx, ny})
				}
			}
			if len(c.xs) > 0 {
				components = append(components, c)
			}
		}
	}
	return components
}

func drawBoundingBox(img *image.RGBA, p tracker.BlobProperties) {
	half := int(p.Size)
	if half < 4 {
		half = 4
	}
	half /= 2
	x0, y0 := int(p.Position.X)-half, int(p.Position.Y)-half
	x1, y1 := int(p.Position.X)+half, int(p.Position.Y)+half
	col := color.RGBA{R: 255, A: 255}
	for x := x0; x <= x1; x++ {
		setSafe(img, x, y0, col)
		setSafe(img, x, y1, col)
	}
	for y := y0; y <= y1; y++ {
		setSafe(img, x0, y, col)
		setSafe(img, x1, y, col)
	}
}

func setSafe(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.Set(x, y, c)
	}
}
