// Package shm publishes a flow's detector output image to a stable,
// flow-id-derived path so an external viewer can map it as shared memory.
// On a real deployment this is backed by POSIX shared memory or a tmpfs
// file; this implementation uses a plain file under a configurable base
// directory, which is what tmpfs-backed /dev/shm or /tmp amounts to from a
// writer's perspective.
package shm

import (
	"encoding/binary"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Publisher opens the shared-memory channel for each flow, rooted at dir
// (e.g. /tmp). It does not keep track of the channels it has opened.
type Publisher struct {
	dir string
}

// NewPublisher builds a publisher rooted at dir.
func NewPublisher(dir string) *Publisher {
	return &Publisher{dir: dir}
}

// CleanStale deletes every file under dir whose name contains "blobserver",
// so a crashed previous instance leaves no stale channel behind. It is
// meant to be called once, at startup, before any source or flow exists.
func (p *Publisher) CleanStale() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "shm: can't list base directory")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.Contains(e.Name(), "blobserver") {
			continue
		}
		path := filepath.Join(p.dir, e.Name())
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "shm: can't remove stale channel %s", path)
		}
	}
	return nil
}

// Path returns the stable path a flow's channel lives at.
func (p *Publisher) Path(flowID uint64) string {
	return filepath.Join(p.dir, "blobserver_output_"+strconv.FormatUint(flowID, 10))
}

// Open creates the channel for flowID and returns a handle to it. The
// caller must Close the handle when the owning flow is disconnected.
func (p *Publisher) Open(flowID uint64) (*Channel, error) {
	path := p.Path(flowID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: can't open channel %s", path)
	}
	return &Channel{path: path, file: f}, nil
}

// Channel is one flow's shared-memory output channel. Its payload is the
// detector's latest output image: a little-endian width/height header
// followed by the raw RGBA pixel bytes.
type Channel struct {
	path string
	file *os.File
}

// Write overwrites the channel's payload with img.
func (c *Channel) Write(img image.Image) error {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	rgba := toRGBA(img)

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(width))
	binary.LittleEndian.PutUint32(header[4:8], uint32(height))

	if _, err := c.file.WriteAt(header, 0); err != nil {
		return errors.Wrap(err, "shm: can't write channel header")
	}
	if _, err := c.file.WriteAt(rgba.Pix, int64(len(header))); err != nil {
		return errors.Wrap(err, "shm: can't write channel payload")
	}
	return nil
}

// Close releases the channel and removes its backing file. Called when the
// owning flow is disconnected.
func (c *Channel) Close() error {
	if err := c.file.Close(); err != nil {
		return errors.Wrap(err, "shm: can't close channel")
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "shm: can't remove channel file")
	}
	return nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			dst.Set(x, y, color.RGBA{R: byte(r >> 8), G: byte(g >> 8), B: byte(b >> 8), A: byte(a >> 8)})
		}
	}
	return dst
}
