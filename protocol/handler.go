// Package protocol implements the control-plane message grammar:
// connect/disconnect/setParameter/getParameter and the detector/source
// enumeration requests, plus the per-frame OSC envelope the flow scheduler
// emits. Handler holds the business logic; osc.go wires it to the wire
// format via github.com/hypebeast/go-osc, over UDP or TCP.
package protocol

import (
	"github.com/blobserver-go/blobserver/flow"
	"github.com/pkg/errors"
)

// ConnectRequest is the decoded form of /blobserver/connect.
type ConnectRequest struct {
	Subscriber flow.Endpoint
	Detector   string
	Sources    []flow.SourceSpec
}

// DisconnectRequest is the decoded form of /blobserver/disconnect. FlowID
// is nil when the request names no flow, meaning "every flow for IP".
type DisconnectRequest struct {
	IP     string
	FlowID *uint64
}

// Target selects what a setParameter/getParameter request addresses.
type Target int

const (
	// TargetDetector addresses the flow's detector.
	TargetDetector Target = iota
	// TargetSource addresses one of the flow's sources, by position.
	TargetSource
	// TargetStart toggles the flow's run flag on.
	TargetStart
	// TargetStop toggles the flow's run flag off.
	TargetStop
)

// SetParameterRequest is the decoded form of /blobserver/setParameter.
type SetParameterRequest struct {
	FlowID   uint64
	Target   Target
	SourceIdx int
	Name     string
	Value    any
}

// GetParameterRequest is the decoded form of /blobserver/getParameter.
type GetParameterRequest struct {
	FlowID    uint64
	Target    Target
	SourceIdx int
	Name      string
}

// Scheduler is the subset of flow.Scheduler the handler drives. Declaring
// it locally keeps this package's dependency on flow narrow and explicit.
type Scheduler interface {
	Connect(detectorName string, specs []flow.SourceSpec, sub flow.Endpoint) (uint64, error)
	Disconnect(sub flow.Endpoint, flowID *uint64) int
	SetRun(flowID uint64, run bool) error
	SetDetectorParameter(flowID uint64, name string, value any) error
	GetDetectorParameter(flowID uint64, name string) (any, error)
	SetSourceParameter(flowID uint64, srcIdx int, name string, value any) error
	GetSourceParameter(flowID uint64, srcIdx int, name string) (any, error)
	DetectorKeys() []string
	SourceKeys() []string
	Subsources(name string) ([]string, error)
}

// Handler implements the control-plane obligations: connect, disconnect,
// setParameter, getParameter, and detector/source enumeration.
// It is deliberately thin: all locking and state mutation lives in
// flow.Scheduler, which the wire layer (osc.go) and the configuration
// loader both drive through the same Handler methods.
type Handler struct {
	sched Scheduler
}

// NewHandler wraps sched.
func NewHandler(sched Scheduler) *Handler {
	return &Handler{sched: sched}
}

// Connect resolves req.Detector and req.Sources into a new flow, replying
// with the allocated flow id on success.
func (h *Handler) Connect(req ConnectRequest) (uint64, error) {
	return h.sched.Connect(req.Detector, req.Sources, req.Subscriber)
}

// Disconnect removes the flow(s) req names, returning how many were
// removed.
func (h *Handler) Disconnect(req DisconnectRequest) int {
	return h.sched.Disconnect(flow.Endpoint{IP: req.IP}, req.FlowID)
}

// SetParameter applies req to the named flow's detector or source, or
// toggles its run flag.
func (h *Handler) SetParameter(req SetParameterRequest) error {
	switch req.Target {
	case TargetDetector:
		return h.sched.SetDetectorParameter(req.FlowID, req.Name, req.Value)
	case TargetSource:
		return h.sched.SetSourceParameter(req.FlowID, req.SourceIdx, req.Name, req.Value)
	case TargetStart:
		return h.sched.SetRun(req.FlowID, true)
	case TargetStop:
		return h.sched.SetRun(req.FlowID, false)
	default:
		return errors.Errorf("setParameter: unrecognized target %v", req.Target)
	}
}

// GetParameter reads req's named parameter from the named flow's detector
// or source.
func (h *Handler) GetParameter(req GetParameterRequest) (any, error) {
	switch req.Target {
	case TargetDetector:
		return h.sched.GetDetectorParameter(req.FlowID, req.Name)
	case TargetSource:
		return h.sched.GetSourceParameter(req.FlowID, req.SourceIdx, req.Name)
	default:
		return nil, errors.Errorf("getParameter: unrecognized target %v", req.Target)
	}
}

// Detectors lists every registered detector class name.
func (h *Handler) Detectors() []string { return h.sched.DetectorKeys() }

// Sources lists every registered source class name when name is empty, or
// every sub-source of class name otherwise.
func (h *Handler) Sources(name string) ([]string, error) {
	if name == "" {
		return h.sched.SourceKeys(), nil
	}
	return h.sched.Subsources(name)
}
