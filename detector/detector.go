// Package detector defines the contract every blob-finding algorithm
// implements: a frame consumer that emits a structured blob report and a
// derived output image for one flow. See threshold.go for the in-process
// reference implementation.
package detector

import (
	"image"
	"image/draw"
	"sync"

	"github.com/blobserver-go/blobserver/source"

	xdraw "golang.org/x/image/draw"
)

// Value is a named-parameter value, identical in shape to source.Value.
type Value = source.Value

// Message is the flat structured report detect() produces: N blobs, each
// carrying S fields. "No blobs" is represented as N=0, S=0 and no records,
// never an absent message.
type Message struct {
	N       int
	S       int
	Records [][]float64
}

// Flatten lays the message out the way the scheduler re-packs it onto the
// wire: N, S, then every record's fields in order.
func (m Message) Flatten() []float64 {
	out := make([]float64, 0, 2+m.N*m.S)
	out = append(out, float64(m.N), float64(m.S))
	for _, rec := range m.Records {
		out = append(out, rec...)
	}
	return out
}

// Interpolation selects the resampling kernel GetMask uses to resize a mask
// to a frame's dimensions.
type Interpolation int

const (
	// InterpNearest is the default: nearest-neighbour resizing.
	InterpNearest Interpolation = iota
	// InterpLinear selects bilinear resizing.
	InterpLinear
)

func (i Interpolation) scaler() xdraw.Interpolator {
	if i == InterpLinear {
		return xdraw.ApproxBiLinear
	}
	return xdraw.NearestNeighbor
}

// Detector is a polymorphic frame consumer, constructed by a factory from
// its class name, with one instance per flow.
type Detector interface {
	// Detect is the per-cycle entry point. len(frames) must be at least
	// the detector's declared source count. It returns the structured
	// blob report and also updates GetOutput and GetLastMessage.
	Detect(frames []image.Image) (Message, error)
	// GetOutput returns the detector's derived output image for the last
	// Detect call.
	GetOutput() image.Image
	// GetLastMessage returns the message produced by the last Detect call.
	GetLastMessage() Message
	// SetMask installs a binary mask restricting detection. A nil mask
	// means every pixel is active.
	SetMask(m image.Image)
	// GetMask returns the installed mask resized to frame's dimensions
	// using interp. If no mask was set, GetMask returns nil.
	GetMask(frame image.Image, interp Interpolation) image.Image
	// SetParameter writes a named parameter.
	SetParameter(name string, value Value) error
	// GetParameter reads a named parameter.
	GetParameter(name string) (Value, bool)
	// AddSource records a non-owning reference to a source the detector
	// may influence (e.g. to adjust exposure). It must not extend the
	// source's lifetime: the flow scheduler's explicit subscriber count,
	// not this reference, decides when a source is unused.
	AddSource(s source.Source)
	// GetName returns the detector's class name.
	GetName() string
	// GetOscPath returns the OSC address blob records are published on.
	GetOscPath() string
}

// Base implements the cross-cutting bookkeeping shared by every concrete
// detector: mask, verbose flag, OSC identity, output image, last message
// and the weakly-held source list. Concrete detectors embed Base and call
// its setters from within their own Detect implementation.
type Base struct {
	mu      sync.RWMutex
	name    string
	oscPath string
	verbose bool
	mask    image.Image
	output  image.Image
	last    Message
	sources []source.Source
}

// NewBase builds the shared bookkeeping for a detector of class name,
// publishing blob records on oscPath.
func NewBase(name, oscPath string) Base {
	return Base{name: name, oscPath: oscPath}
}

// GetName returns the detector's class name.
func (b *Base) GetName() string { return b.name }

// GetOscPath returns the detector's OSC publish address.
func (b *Base) GetOscPath() string { return b.oscPath }

// SetMask installs a binary mask. Passing nil clears it, so every pixel
// is treated as active.
func (b *Base) SetMask(m image.Image) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mask = m
}

// GetMask returns the installed mask resized to frame's bounds using interp,
// or nil if no mask was set.
func (b *Base) GetMask(frame image.Image, interp Interpolation) image.Image {
	b.mu.RLock()
	mask := b.mask
	b.mu.RUnlock()
	if mask == nil {
		return nil
	}
	dstRect := frame.Bounds()
	dst := image.NewGray(dstRect)
	interp.scaler().Scale(dst, dstRect, mask, mask.Bounds(), draw.Src, nil)
	return dst
}

// SetParameter writes a base-level parameter. The only base-class parameter
// is "verbose"; concrete detectors should fall through to this for unknown
// keys they don't themselves recognise.
func (b *Base) SetParameter(name string, value Value) error {
	if name == "verbose" {
		b.mu.Lock()
		defer b.mu.Unlock()
		v, _ := value.(bool)
		b.verbose = v
		return nil
	}
	return nil
}

// GetParameter reads a base-level parameter.
func (b *Base) GetParameter(name string) (Value, bool) {
	if name == "verbose" {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.verbose, true
	}
	return nil, false
}

// Verbose reports whether the verbose flag is set.
func (b *Base) Verbose() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.verbose
}

// AddSource appends a non-owning reference to the detector's source list.
func (b *Base) AddSource(s source.Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources = append(b.sources, s)
}

// Sources returns the detector's weakly-held sources.
func (b *Base) Sources() []source.Source {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]source.Source, len(b.sources))
	copy(out, b.sources)
	return out
}

// GetOutput returns the output image produced by the last Detect call.
func (b *Base) GetOutput() image.Image {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.output
}

// SetOutput is called by concrete detectors at the end of Detect to publish
// their derived output image.
func (b *Base) SetOutput(img image.Image) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.output = img
}

// GetLastMessage returns the message produced by the last Detect call.
func (b *Base) GetLastMessage() Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// SetLastMessage is called by concrete detectors at the end of Detect to
// record the message they are about to return.
func (b *Base) SetLastMessage(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = m
}
