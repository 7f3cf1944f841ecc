// Package factory implements the name-keyed construction registries for
// detectors and sources: two independent registries, open for
// registration, with no implicit fall-back class.
package factory

import (
	"sync"

	"github.com/blobserver-go/blobserver/detector"
	"github.com/blobserver-go/blobserver/source"
	"github.com/pkg/errors"
)

// SourceConstructor builds a source instance given its sub-source index.
type SourceConstructor func(subIndex int) (source.Source, error)

// SourceSubsourcesFunc enumerates a source class's sub-sources without
// constructing an instance.
type SourceSubsourcesFunc func() ([]string, error)

type sourceClass struct {
	documentation string
	construct     SourceConstructor
	subsources    SourceSubsourcesFunc
}

// Sources is the name-keyed registry of source classes.
type Sources struct {
	mu      sync.RWMutex
	classes map[string]sourceClass
}

// NewSources builds an empty source registry.
func NewSources() *Sources {
	return &Sources{classes: make(map[string]sourceClass)}
}

// Register adds a source class under name. Registering the same name twice
// replaces the earlier registration.
func (r *Sources) Register(name, documentation string, construct SourceConstructor, subsources SourceSubsourcesFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[name] = sourceClass{documentation: documentation, construct: construct, subsources: subsources}
}

// KeyExists reports whether name is a registered source class.
func (r *Sources) KeyExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.classes[name]
	return ok
}

// GetKeys returns every registered source class name.
func (r *Sources) GetKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.classes))
	for k := range r.classes {
		keys = append(keys, k)
	}
	return keys
}

// Create constructs a source of class name with the given sub-source index.
// Creating an unknown class is an error; there is no implicit fall-back.
func (r *Sources) Create(name string, subIndex int) (source.Source, error) {
	r.mu.RLock()
	class, ok := r.classes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("source class %q not recognized", name)
	}
	return class.construct(subIndex)
}

// Subsources enumerates the sub-sources of class name without constructing
// an instance.
func (r *Sources) Subsources(name string) ([]string, error) {
	r.mu.RLock()
	class, ok := r.classes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("source class %q not recognized", name)
	}
	return class.subsources()
}

// DetectorConstructor builds a detector instance.
type DetectorConstructor func() (detector.Detector, error)

type detectorClass struct {
	documentation string
	sourceNbr     uint
	construct     DetectorConstructor
}

// Detectors is the name-keyed registry of detector classes.
type Detectors struct {
	mu      sync.RWMutex
	classes map[string]detectorClass
}

// NewDetectors builds an empty detector registry.
func NewDetectors() *Detectors {
	return &Detectors{classes: make(map[string]detectorClass)}
}

// Register adds a detector class under name, declaring how many frames it
// requires per Detect call.
func (r *Detectors) Register(name, documentation string, sourceNbr uint, construct DetectorConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[name] = detectorClass{documentation: documentation, sourceNbr: sourceNbr, construct: construct}
}

// KeyExists reports whether name is a registered detector class.
func (r *Detectors) KeyExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.classes[name]
	return ok
}

// GetKeys returns every registered detector class name.
func (r *Detectors) GetKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.classes))
	for k := range r.classes {
		keys = append(keys, k)
	}
	return keys
}

// SourceNbr returns the declared source-count requirement for detector
// class name.
func (r *Detectors) SourceNbr(name string) (uint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.classes[name]
	if !ok {
		return 0, errors.Errorf("detector class %q not recognized", name)
	}
	return class.sourceNbr, nil
}

// Create constructs a detector of class name. Creating an unknown class is
// an error; there is no implicit fall-back.
func (r *Detectors) Create(name string) (detector.Detector, error) {
	r.mu.RLock()
	class, ok := r.classes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("detector class %q not recognized", name)
	}
	return class.construct()
}
