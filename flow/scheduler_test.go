package flow

import (
	"image"
	"log"
	"os"
	"testing"

	"github.com/blobserver-go/blobserver/detector"
	"github.com/blobserver-go/blobserver/factory"
	"github.com/blobserver-go/blobserver/shm"
	"github.com/blobserver-go/blobserver/source"
)

type stubSource struct {
	source.Base
	connected bool
}

func newStubSource(subIndex int) (source.Source, error) {
	return &stubSource{Base: source.NewBase("stub", subIndex)}, nil
}

func stubSubsources() ([]string, error) { return []string{"0"}, nil }

func (s *stubSource) Connect() bool                       { s.connected = true; return true }
func (s *stubSource) Disconnect()                         { s.connected = false }
func (s *stubSource) GrabFrame() error                    { return nil }
func (s *stubSource) RetrieveCorrectedFrame() image.Image { return image.NewRGBA(image.Rect(0, 0, 1, 1)) }
func (s *stubSource) GetSubsources() ([]string, error)    { return stubSubsources() }

type stubDetector struct {
	detector.Base
	calls int
}

func newStubDetector() (detector.Detector, error) {
	return &stubDetector{Base: detector.NewBase("stub", "/blobserver/stub")}, nil
}

func (d *stubDetector) Detect(frames []image.Image) (detector.Message, error) {
	d.calls++
	d.SetOutput(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	return detector.Message{N: 0, S: 0}, nil
}

type stubSink struct {
	starts, ends int
	blobs        int
}

func (s *stubSink) SendFrameStart(sub Endpoint, frameNbr, flowID uint64) error { s.starts++; return nil }
func (s *stubSink) SendBlob(sub Endpoint, oscPath string, fields []float64) error {
	s.blobs++
	return nil
}
func (s *stubSink) SendFrameEnd(sub Endpoint, frameNbr, flowID uint64) error { s.ends++; return nil }

func newTestScheduler(t *testing.T) (*Scheduler, *stubSink) {
	sf := factory.NewSources()
	sf.Register("stub", "", newStubSource, stubSubsources)
	df := factory.NewDetectors()
	df.Register("stub", "", 1, newStubDetector)
	pub := shm.NewPublisher(t.TempDir())
	sink := &stubSink{}
	logger := log.New(os.Stderr, "test: ", 0)
	return NewScheduler(sf, df, pub, sink, logger), sink
}

func TestConnectAssignsIncreasingFlowIDs(t *testing.T) {
	s, _ := newTestScheduler(t)
	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}

	id1, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	id2, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9001})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("flow ids not monotonically increasing: %d then %d", id1, id2)
	}
	if s.FlowCount() != 2 {
		t.Errorf("FlowCount() = %d, want 2", s.FlowCount())
	}
}

func TestConnectSharesOnePhysicalSourceAcrossFlows(t *testing.T) {
	s, _ := newTestScheduler(t)
	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}

	if _, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9001}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.SourceCount() != 1 {
		t.Errorf("SourceCount() = %d, want 1 (shared physical source)", s.SourceCount())
	}
}

func TestConnectUnknownDetectorFails(t *testing.T) {
	s, _ := newTestScheduler(t)
	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}
	if _, err := s.Connect("missing", specs, Endpoint{}); err == nil {
		t.Error("Connect with an unregistered detector should fail")
	}
	if s.FlowCount() != 0 {
		t.Error("a failed Connect must leave the flow set unchanged")
	}
}

func TestConnectTooFewSourcesFails(t *testing.T) {
	s, _ := newTestScheduler(t)
	if _, err := s.Connect("stub", nil, Endpoint{}); err == nil {
		t.Error("Connect with fewer sources than the detector requires should fail")
	}
}

func TestDisconnectByFlowIDRemovesOnlyThatFlow(t *testing.T) {
	s, _ := newTestScheduler(t)
	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}

	id1, _ := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9000})
	id2, _ := s.Connect("stub", specs, Endpoint{IP: "127.0.0.2", Port: 9001})

	removed := s.Disconnect(Endpoint{}, &id1)
	if removed != 1 {
		t.Errorf("Disconnect(by id) removed %d flows, want 1", removed)
	}
	if s.FlowCount() != 1 {
		t.Errorf("FlowCount() = %d, want 1", s.FlowCount())
	}

	removed = s.Disconnect(Endpoint{IP: "127.0.0.2"}, nil)
	if removed != 1 {
		t.Errorf("Disconnect(by ip) removed %d flows, want 1", removed)
	}
	_ = id2
}

func TestDisconnectReleasesUnreferencedSource(t *testing.T) {
	s, _ := newTestScheduler(t)
	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}

	id, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.SourceCount() != 1 {
		t.Fatalf("SourceCount() = %d, want 1 right after connect", s.SourceCount())
	}

	s.Disconnect(Endpoint{}, &id)

	s.sourceMu.Lock()
	for _, entry := range s.sources {
		if entry.refs != 0 {
			t.Errorf("source refs = %d after disconnecting its only flow, want 0", entry.refs)
		}
	}
	s.sourceMu.Unlock()
}

func TestSetRunGatesCycleDetection(t *testing.T) {
	s, sink := newTestScheduler(t)
	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}
	id, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.cycle()
	if sink.starts != 0 {
		t.Errorf("cycle() emitted a frame for a flow with run=false")
	}

	if err := s.SetRun(id, true); err != nil {
		t.Fatalf("SetRun: %v", err)
	}
	s.cycle()
	if sink.starts != 1 {
		t.Errorf("cycle() did not emit a frame for a flow with run=true, starts=%d", sink.starts)
	}
}

func TestDetectorParameterRoundTrip(t *testing.T) {
	s, _ := newTestScheduler(t)
	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}
	id, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := s.SetDetectorParameter(id, "verbose", true); err != nil {
		t.Fatalf("SetDetectorParameter: %v", err)
	}
	v, err := s.GetDetectorParameter(id, "verbose")
	if err != nil {
		t.Fatalf("GetDetectorParameter: %v", err)
	}
	if v != true {
		t.Errorf("verbose = %v, want true", v)
	}
}

func TestSourceParameterOutOfRange(t *testing.T) {
	s, _ := newTestScheduler(t)
	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}
	id, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.SetSourceParameter(id, 5, "gain", 1); err == nil {
		t.Error("SetSourceParameter with an out-of-range index should fail")
	}
}

type failSource struct {
	source.Base
}

func newFailSource(subIndex int) (source.Source, error) {
	return &failSource{Base: source.NewBase("failer", subIndex)}, nil
}

func failSubsources() ([]string, error) { return []string{"0"}, nil }

func (s *failSource) Connect() bool                       { return false }
func (s *failSource) Disconnect()                         {}
func (s *failSource) GrabFrame() error                    { return nil }
func (s *failSource) RetrieveCorrectedFrame() image.Image { return image.NewRGBA(image.Rect(0, 0, 1, 1)) }
func (s *failSource) GetSubsources() ([]string, error)    { return failSubsources() }

func TestConnectRollsBackRefsWhenLaterSourceFails(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.sourceFactory.Register("failer", "", newFailSource, failSubsources)
	s.detectorFactory.Register("stub2", "", 2, newStubDetector)

	oneSource := []SourceSpec{{Name: "stub", SubIndex: 0}}
	if _, err := s.Connect("stub", oneSource, Endpoint{IP: "127.0.0.1", Port: 9000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.SourceCount() != 1 {
		t.Fatalf("SourceCount() = %d, want 1", s.SourceCount())
	}
	s.sourceMu.Lock()
	refsAfterFirstConnect := s.sources[sourceKey{Name: "stub", SubIndex: 0}].refs
	s.sourceMu.Unlock()
	if refsAfterFirstConnect != 1 {
		t.Fatalf("refs after first connect = %d, want 1", refsAfterFirstConnect)
	}

	twoSources := []SourceSpec{{Name: "stub", SubIndex: 0}, {Name: "failer", SubIndex: 0}}
	if _, err := s.Connect("stub2", twoSources, Endpoint{IP: "127.0.0.1", Port: 9001}); err == nil {
		t.Fatal("Connect should fail when a later source in the same request fails to connect")
	}

	if s.FlowCount() != 1 {
		t.Errorf("FlowCount() = %d, want 1 (failed Connect must not add a flow)", s.FlowCount())
	}
	s.sourceMu.Lock()
	defer s.sourceMu.Unlock()
	entry, ok := s.sources[sourceKey{Name: "stub", SubIndex: 0}]
	if !ok {
		t.Fatal("the reused source must still be present after the rollback")
	}
	if entry.refs != 1 {
		t.Errorf("refs on the reused source = %d after a failed Connect, want 1 (unchanged from before the failed call)", entry.refs)
	}
	if _, ok := s.sources[sourceKey{Name: "failer", SubIndex: 0}]; ok {
		t.Error("a source that failed to connect must not remain in the source set")
	}
}

func TestSetDefaultMaskAppliesToNewFlows(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.SetDefaultMask(image.NewGray(image.Rect(0, 0, 1, 1)))

	specs := []SourceSpec{{Name: "stub", SubIndex: 0}}
	id, err := s.Connect("stub", specs, Endpoint{IP: "127.0.0.1", Port: 9000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.flowMu.Lock()
	f := s.flows[id]
	s.flowMu.Unlock()
	if f.Detector.GetMask(image.NewRGBA(image.Rect(0, 0, 1, 1)), detector.InterpNearest) == nil {
		t.Error("newly connected flow's detector has no mask despite SetDefaultMask")
	}
}
