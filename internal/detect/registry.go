// internal/detect/registry.go
package detect

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sua-org/gate-vision/internal/core"
)

// Detector finds objects on a frame.
type Detector interface {
	Detect(frame core.Frame) ([]core.Detection, error)
}

// Label is one secondary classification output.
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Classifier runs a secondary model over a track crop.
type Classifier interface {
	Classify(crop core.Frame) ([]Label, error)
}

type DetectorFactory func(modelPath, device string) (Detector, error)
type ClassifierFactory func(modelPath, device string) (Classifier, error)

var ErrModelNotFound = errors.New("no model factory registered under this name")

type instanceKey struct {
	name   string
	path   string
	device string
}

// Registry hands out detector and classifier instances, building each
// (name, model path, device) combination once and sharing it across
// cameras. Instances must therefore be safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	detectorFactories   map[string]DetectorFactory
	classifierFactories map[string]ClassifierFactory

	detectors   map[instanceKey]Detector
	classifiers map[instanceKey]Classifier
}

func NewRegistry() *Registry {
	return &Registry{
		detectorFactories:   make(map[string]DetectorFactory),
		classifierFactories: make(map[string]ClassifierFactory),
		detectors:           make(map[instanceKey]Detector),
		classifiers:         make(map[instanceKey]Classifier),
	}
}

func (r *Registry) RegisterDetector(name string, f DetectorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectorFactories[name] = f
}

func (r *Registry) RegisterClassifier(name string, f ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifierFactories[name] = f
}

// Detector returns the shared instance for the key, building it on
// first use.
func (r *Registry) Detector(name, modelPath, device string) (Detector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := instanceKey{name, modelPath, device}
	if d, ok := r.detectors[key]; ok {
		return d, nil
	}
	f, ok := r.detectorFactories[name]
	if !ok {
		return nil, fmt.Errorf("detector %q: %w", name, ErrModelNotFound)
	}
	d, err := f(modelPath, device)
	if err != nil {
		return nil, fmt.Errorf("detector %q (%s on %s): %w", name, modelPath, device, err)
	}
	r.detectors[key] = d
	return d, nil
}

// Classifier returns the shared instance for the key, building it on
// first use.
func (r *Registry) Classifier(name, modelPath, device string) (Classifier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := instanceKey{name, modelPath, device}
	if c, ok := r.classifiers[key]; ok {
		return c, nil
	}
	f, ok := r.classifierFactories[name]
	if !ok {
		return nil, fmt.Errorf("classifier %q: %w", name, ErrModelNotFound)
	}
	c, err := f(modelPath, device)
	if err != nil {
		return nil, fmt.Errorf("classifier %q (%s on %s): %w", name, modelPath, device, err)
	}
	r.classifiers[key] = c
	return c, nil
}
