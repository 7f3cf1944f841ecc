package flow

import (
	"context"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blobserver-go/blobserver/factory"
	"github.com/blobserver-go/blobserver/shm"
	"github.com/pkg/errors"
)

// GrabInterval is the sleep between sweeps of the grab loop.
const GrabInterval = time.Millisecond

// CycleInterval is the tick of the main loop's per-frame traversal.
const CycleInterval = 16 * time.Millisecond

// Sink delivers the per-frame OSC envelope and blob records to a flow's
// subscriber. The protocol package implements Sink and is injected into
// the scheduler at construction, so this package never imports the
// transport layer.
type Sink interface {
	SendFrameStart(sub Endpoint, frameNbr, flowID uint64) error
	SendBlob(sub Endpoint, oscPath string, fields []float64) error
	SendFrameEnd(sub Endpoint, frameNbr, flowID uint64) error
}

type sourceEntry struct {
	src  sourceAPI
	refs int
}

// sourceAPI is the subset of source.Source the scheduler needs; declared
// locally so this file's signatures stay short. Concrete sources passed to
// Connect satisfy the real source.Source interface, a superset of this one.
type sourceAPI interface {
	Connect() bool
	Disconnect()
	GrabFrame() error
	RetrieveCorrectedFrame() image.Image
	GetParameter(name string) (any, bool)
	SetParameter(name string, value any) error
}

// Scheduler owns the global source and flow sets and runs the grab and
// main loops. All source-set mutations are serialised by sourceMu; all
// flow-set mutations by flowMu. When both are needed, flowMu is always
// acquired first.
type Scheduler struct {
	sourceFactory   *factory.Sources
	detectorFactory *factory.Detectors
	publisher       *shm.Publisher
	sink            Sink
	logger          *log.Logger

	sourceMu    sync.Mutex
	sourceOrder []sourceKey
	sources     map[sourceKey]*sourceEntry

	flowMu     sync.Mutex
	flowOrder  []uint64
	flows      map[uint64]*Flow
	channels   map[uint64]*shm.Channel
	nextFlowID uint64

	defaultMask image.Image

	frameNbr uint64
}

// SetDefaultMask installs a mask every newly connected flow's detector
// starts with, e.g. one loaded from the server's --mask flag. Flows
// already connected are unaffected; a client can still override it per
// flow with a setParameter request once the concrete detector exposes one.
func (s *Scheduler) SetDefaultMask(img image.Image) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	s.defaultMask = img
}

// NewScheduler builds a scheduler with empty source and flow sets.
func NewScheduler(sf *factory.Sources, df *factory.Detectors, pub *shm.Publisher, sink Sink, logger *log.Logger) *Scheduler {
	return &Scheduler{
		sourceFactory:   sf,
		detectorFactory: df,
		publisher:       pub,
		sink:            sink,
		logger:          logger,
		sources:         make(map[sourceKey]*sourceEntry),
		flows:           make(map[uint64]*Flow),
		channels:        make(map[uint64]*shm.Channel),
	}
}

// RunGrabLoop pulls the next frame from every registered source, in
// insertion order, until ctx is cancelled. It never touches the flow set.
// A source left with zero subscribers after a sweep is disconnected and
// removed.
func (s *Scheduler) RunGrabLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.sourceMu.Lock()
		kept := make([]sourceKey, 0, len(s.sourceOrder))
		for _, k := range s.sourceOrder {
			entry := s.sources[k]
			if err := entry.src.GrabFrame(); err != nil {
				s.logger.Printf("grab: source %s/%d: %v", k.Name, k.SubIndex, err)
			}
			if entry.refs <= 0 {
				entry.src.Disconnect()
				delete(s.sources, k)
				continue
			}
			kept = append(kept, k)
		}
		s.sourceOrder = kept
		s.sourceMu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(GrabInterval):
		}
	}
}

// RunMainLoop drives one detection cycle per tick until ctx is cancelled.
func (s *Scheduler) RunMainLoop(ctx context.Context) {
	ticker := time.NewTicker(CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle()
		}
	}
}

// cycle is one pass of the main loop: snapshot every source's rectified
// frame, then drive each running flow's detector against that snapshot.
func (s *Scheduler) cycle() {
	frames := make(map[sourceKey]image.Image)

	s.sourceMu.Lock()
	for _, k := range s.sourceOrder {
		frames[k] = s.sources[k].src.RetrieveCorrectedFrame()
	}
	s.sourceMu.Unlock()

	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	for _, id := range s.flowOrder {
		f := s.flows[id]
		if !f.Run {
			continue
		}

		inputs := make([]image.Image, 0, len(f.sourceKeys))
		for _, k := range f.sourceKeys {
			img, ok := frames[k]
			if !ok {
				break
			}
			inputs = append(inputs, img)
		}
		if len(inputs) != len(f.sourceKeys) {
			s.logger.Printf("cycle: flow %d missing a source frame, skipping", id)
			continue
		}

		msg, err := f.Detector.Detect(inputs)
		if err != nil {
			s.logger.Printf("cycle: flow %d detect: %v", id, err)
			continue
		}

		if ch, ok := s.channels[id]; ok {
			if err := ch.Write(f.Detector.GetOutput()); err != nil {
				s.logger.Printf("cycle: flow %d publish output: %v", id, err)
			}
		}

		frameNbr := atomic.AddUint64(&s.frameNbr, 1)
		s.emit(f, frameNbr, msg.Flatten())
	}
}

// emit sends the frame-start marker, one message per blob record, and the
// frame-end marker, to f's subscriber. A failed send is logged and
// absorbed: an unreachable subscriber does not destabilise other flows.
func (s *Scheduler) emit(f *Flow, frameNbr uint64, flattened []float64) {
	if err := s.sink.SendFrameStart(f.Subscriber, frameNbr, f.ID); err != nil {
		s.logger.Printf("emit: flow %d frame start: %v", f.ID, err)
		return
	}
	if len(flattened) >= 2 {
		n, perBlob := int(flattened[0]), int(flattened[1])
		rest := flattened[2:]
		for i := 0; i < n; i++ {
			start := i * perBlob
			end := start + perBlob
			if end > len(rest) {
				break
			}
			if err := s.sink.SendBlob(f.Subscriber, f.Detector.GetOscPath(), rest[start:end]); err != nil {
				s.logger.Printf("emit: flow %d blob %d: %v", f.ID, i, err)
			}
		}
	}
	if err := s.sink.SendFrameEnd(f.Subscriber, frameNbr, f.ID); err != nil {
		s.logger.Printf("emit: flow %d frame end: %v", f.ID, err)
	}
}

// Connect resolves detectorName via the factory, validates the requested
// source count, opens or reuses every requested source, and allocates a new
// flow with run=false. On any failure it returns the error and leaves all
// state unchanged.
func (s *Scheduler) Connect(detectorName string, specs []SourceSpec, sub Endpoint) (uint64, error) {
	if !s.detectorFactory.KeyExists(detectorName) {
		return 0, errors.Errorf("detector %q not recognized", detectorName)
	}
	wantNbr, err := s.detectorFactory.SourceNbr(detectorName)
	if err != nil {
		return 0, err
	}
	if uint(len(specs)) < wantNbr {
		return 0, errors.Errorf("detector %q requires %d source(s), got %d", detectorName, wantNbr, len(specs))
	}
	det, err := s.detectorFactory.Create(detectorName)
	if err != nil {
		return 0, errors.Wrap(err, "connect: can't create detector")
	}

	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	if s.defaultMask != nil {
		det.SetMask(s.defaultMask)
	}

	s.sourceMu.Lock()
	keys := make([]sourceKey, 0, len(specs))
	var opened []sourceKey
	for _, spec := range specs {
		k := sourceKey{Name: spec.Name, SubIndex: spec.SubIndex}
		entry, ok := s.sources[k]
		if !ok {
			src, cerr := s.sourceFactory.Create(spec.Name, spec.SubIndex)
			if cerr != nil {
				s.releaseRefsLocked(keys)
				s.rollbackOpenedLocked(opened)
				s.sourceMu.Unlock()
				return 0, cerr
			}
			if !src.Connect() {
				s.releaseRefsLocked(keys)
				s.rollbackOpenedLocked(opened)
				s.sourceMu.Unlock()
				return 0, errors.Errorf("source %s/%d: connect failed", spec.Name, spec.SubIndex)
			}
			entry = &sourceEntry{src: src}
			s.sources[k] = entry
			s.sourceOrder = append(s.sourceOrder, k)
			opened = append(opened, k)
		}
		entry.refs++
		keys = append(keys, k)
	}
	s.sourceMu.Unlock()

	id := s.nextFlowID + 1
	ch, err := s.publisher.Open(id)
	if err != nil {
		s.sourceMu.Lock()
		s.releaseRefsLocked(keys)
		s.rollbackOpenedLocked(opened)
		s.sourceMu.Unlock()
		return 0, errors.Wrap(err, "connect: can't open output channel")
	}
	s.nextFlowID = id

	s.flows[id] = &Flow{
		ID:         id,
		Detector:   det,
		sourceKeys: keys,
		Subscriber: sub,
		Run:        false,
	}
	s.flowOrder = append(s.flowOrder, id)
	s.channels[id] = ch
	return id, nil
}

// releaseRefsLocked undoes the refs++ applied to every key already
// processed earlier in a Connect call that is now failing, reused sources
// included. Callers must hold sourceMu.
func (s *Scheduler) releaseRefsLocked(keys []sourceKey) {
	for _, k := range keys {
		if entry, ok := s.sources[k]; ok {
			entry.refs--
		}
	}
}

// rollbackOpenedLocked disconnects and forgets every source newly opened
// during a failed Connect. Callers must hold sourceMu.
func (s *Scheduler) rollbackOpenedLocked(opened []sourceKey) {
	for _, k := range opened {
		if entry, ok := s.sources[k]; ok {
			entry.src.Disconnect()
			delete(s.sources, k)
		}
		for i, o := range s.sourceOrder {
			if o == k {
				s.sourceOrder = append(s.sourceOrder[:i], s.sourceOrder[i+1:]...)
				break
			}
		}
	}
}

// Disconnect removes the single flow with the given id if flowID is
// non-nil, or every flow belonging to sub.IP otherwise. It returns the
// number of flows removed.
func (s *Scheduler) Disconnect(sub Endpoint, flowID *uint64) int {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	var toRemove []uint64
	if flowID != nil {
		if _, ok := s.flows[*flowID]; ok {
			toRemove = append(toRemove, *flowID)
		}
	} else {
		for _, id := range s.flowOrder {
			if s.flows[id].Subscriber.IP == sub.IP {
				toRemove = append(toRemove, id)
			}
		}
	}

	for _, id := range toRemove {
		s.removeFlowLocked(id)
	}
	return len(toRemove)
}

// removeFlowLocked tears down flow id: closes its output channel,
// decrements every referenced source's subscriber count, and forgets the
// flow. Callers must hold flowMu.
func (s *Scheduler) removeFlowLocked(id uint64) {
	f, ok := s.flows[id]
	if !ok {
		return
	}
	delete(s.flows, id)
	for i, o := range s.flowOrder {
		if o == id {
			s.flowOrder = append(s.flowOrder[:i], s.flowOrder[i+1:]...)
			break
		}
	}
	if ch, ok := s.channels[id]; ok {
		if err := ch.Close(); err != nil {
			s.logger.Printf("disconnect: flow %d: %v", id, err)
		}
		delete(s.channels, id)
	}

	s.sourceMu.Lock()
	for _, k := range f.sourceKeys {
		if entry, ok := s.sources[k]; ok {
			entry.refs--
		}
	}
	s.sourceMu.Unlock()
}

// SetRun toggles a flow's run flag. Naming a non-existent flow id is a
// silent no-op.
func (s *Scheduler) SetRun(flowID uint64, run bool) error {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil
	}
	f.Run = run
	return nil
}

// SetDetectorParameter routes a setParameter request to flowID's detector.
// Naming a non-existent flow id is a silent no-op.
func (s *Scheduler) SetDetectorParameter(flowID uint64, name string, value any) error {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil
	}
	return f.Detector.SetParameter(name, value)
}

// GetDetectorParameter reads a parameter from flowID's detector.
func (s *Scheduler) GetDetectorParameter(flowID uint64, name string) (any, error) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil, errors.Errorf("flow %d not found", flowID)
	}
	v, ok := f.Detector.GetParameter(name)
	if !ok {
		return nil, errors.Errorf("parameter %q not recognized", name)
	}
	return v, nil
}

// SetSourceParameter routes a setParameter request to one of flowID's
// sources, by its position in the flow's source list. Naming a
// non-existent flow id is a silent no-op.
func (s *Scheduler) SetSourceParameter(flowID uint64, srcIdx int, name string, value any) error {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil
	}
	if srcIdx < 0 || srcIdx >= len(f.sourceKeys) {
		return errors.Errorf("source index %d out of range for flow %d", srcIdx, flowID)
	}
	key := f.sourceKeys[srcIdx]
	s.sourceMu.Lock()
	entry, ok := s.sources[key]
	s.sourceMu.Unlock()
	if !ok {
		return errors.Errorf("source %s/%d no longer present", key.Name, key.SubIndex)
	}
	return entry.src.SetParameter(name, value)
}

// GetSourceParameter reads a parameter from one of flowID's sources, by its
// position in the flow's source list.
func (s *Scheduler) GetSourceParameter(flowID uint64, srcIdx int, name string) (any, error) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil, errors.Errorf("flow %d not found", flowID)
	}
	if srcIdx < 0 || srcIdx >= len(f.sourceKeys) {
		return nil, errors.Errorf("source index %d out of range for flow %d", srcIdx, flowID)
	}
	key := f.sourceKeys[srcIdx]
	s.sourceMu.Lock()
	entry, ok := s.sources[key]
	s.sourceMu.Unlock()
	if !ok {
		return nil, errors.Errorf("source %s/%d no longer present", key.Name, key.SubIndex)
	}
	v, ok := entry.src.GetParameter(name)
	if !ok {
		return nil, errors.Errorf("parameter %q not recognized", name)
	}
	return v, nil
}

// DetectorKeys returns every registered detector class name.
func (s *Scheduler) DetectorKeys() []string { return s.detectorFactory.GetKeys() }

// SourceKeys returns every registered source class name.
func (s *Scheduler) SourceKeys() []string { return s.sourceFactory.GetKeys() }

// Subsources enumerates the sub-sources of source class name.
func (s *Scheduler) Subsources(name string) ([]string, error) { return s.sourceFactory.Subsources(name) }

// FlowCount reports how many flows are currently tracked; used by tests.
func (s *Scheduler) FlowCount() int {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	return len(s.flows)
}

// SourceCount reports how many sources are currently tracked; used by tests.
func (s *Scheduler) SourceCount() int {
	s.sourceMu.Lock()
	defer s.sourceMu.Unlock()
	return len(s.sources)
}
