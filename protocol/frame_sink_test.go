package protocol

import (
	"testing"

	"github.com/blobserver-go/blobserver/flow"
)

func TestFrameSinkCachesClientPerEndpoint(t *testing.T) {
	sink := NewFrameSink()
	c1 := sink.client("127.0.0.1", 9001)
	c2 := sink.client("127.0.0.1", 9001)
	if c1 != c2 {
		t.Error("client() built a new osc.Client for the same ip:port pair")
	}
	c3 := sink.client("127.0.0.1", 9002)
	if c1 == c3 {
		t.Error("client() reused a client across distinct ports")
	}
}

func TestFrameSinkSendFrameStartAndEnd(t *testing.T) {
	sink := NewFrameSink()
	sub := flow.Endpoint{IP: "127.0.0.1", Port: 9003}
	if err := sink.SendFrameStart(sub, 1, 5); err != nil {
		t.Errorf("SendFrameStart: %v", err)
	}
	if err := sink.SendBlob(sub, "/blobserver/threshold", []float64{1, 2, 3}); err != nil {
		t.Errorf("SendBlob: %v", err)
	}
	if err := sink.SendFrameEnd(sub, 1, 5); err != nil {
		t.Errorf("SendFrameEnd: %v", err)
	}
}
