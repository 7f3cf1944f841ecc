package protocol

import (
	"fmt"
	"sync"

	"github.com/blobserver-go/blobserver/flow"
	osc "github.com/hypebeast/go-osc/osc"
)

const (
	pathStartFrame = "/blobserver/startFrame"
	pathEndFrame   = "/blobserver/endFrame"
)

// FrameSink implements flow.Sink over OSC/UDP: it is the adapter that lets
// the scheduler emit the per-frame envelope without importing the
// transport layer itself.
type FrameSink struct {
	mu      sync.Mutex
	clients map[string]*osc.Client
}

// NewFrameSink builds an empty frame sink. Clients are created lazily and
// cached per subscriber endpoint.
func NewFrameSink() *FrameSink {
	return &FrameSink{clients: make(map[string]*osc.Client)}
}

func (f *FrameSink) client(ip string, port int) *osc.Client {
	key := fmt.Sprintf("%s:%d", ip, port)
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}
	c := osc.NewClient(ip, port)
	f.clients[key] = c
	return c
}

// SendFrameStart implements flow.Sink.
func (f *FrameSink) SendFrameStart(sub flow.Endpoint, frameNbr, flowID uint64) error {
	msg := osc.NewMessage(pathStartFrame)
	msg.Append(int32(frameNbr))
	msg.Append(int32(flowID))
	return f.client(sub.IP, sub.Port).Send(msg)
}

// SendBlob implements flow.Sink.
func (f *FrameSink) SendBlob(sub flow.Endpoint, oscPath string, fields []float64) error {
	msg := osc.NewMessage(oscPath)
	for _, v := range fields {
		msg.Append(float32(v))
	}
	return f.client(sub.IP, sub.Port).Send(msg)
}

// SendFrameEnd implements flow.Sink.
func (f *FrameSink) SendFrameEnd(sub flow.Endpoint, frameNbr, flowID uint64) error {
	msg := osc.NewMessage(pathEndFrame)
	msg.Append(int32(frameNbr))
	msg.Append(int32(flowID))
	return f.client(sub.IP, sub.Port).Send(msg)
}
