// Package flow owns the concurrent lifecycle of sources and flows: the
// grab loop that pulls frames from every registered source, the main loop
// that drives each active flow's detector once per cycle, and the
// connect/disconnect/parameter mutations the control protocol issues
// against both sets.
package flow

import (
	"github.com/blobserver-go/blobserver/detector"
)

// Endpoint is a subscriber's control/data address: the IP it sent its
// request from, and the port it listens for replies and per-frame data on.
type Endpoint struct {
	IP   string
	Port int
}

// sourceKey identifies a physical source by class name and sub-source
// index; two sources are the same physical source iff their keys match.
type sourceKey struct {
	Name     string
	SubIndex int
}

// SourceSpec names one of a flow's requested input sources in a connect
// request.
type SourceSpec struct {
	Name     string
	SubIndex int
}

// Flow is a subscription binding one detector, its ordered input sources,
// and a subscriber endpoint, identified by a unique flow id. All flow-level
// mutable state is protected by the owning Scheduler's flow lock, not by a
// lock on Flow itself.
type Flow struct {
	ID         uint64
	Detector   detector.Detector
	sourceKeys []sourceKey
	Subscriber Endpoint
	Run        bool
}
