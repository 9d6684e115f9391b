package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TranscriberFactory builds a transcriber from its configuration entry.
type TranscriberFactory func(ProviderEntry) (stt.Transcriber, error)

// SourceFactory builds a live audio source from the audio configuration.
type SourceFactory func(AudioConfig) (audio.Source, error)

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transcriber map[string]TranscriberFactory
	source      map[SourceKind]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcriber: make(map[string]TranscriberFactory),
		source:      make(map[SourceKind]SourceFactory),
	}
}

// RegisterTranscriber registers a transcriber factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[name] = factory
}

// RegisterSource registers an audio source factory for kind.
func (r *Registry) RegisterSource(kind SourceKind, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[kind] = factory
}

// CreateTranscriber instantiates the transcriber registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.transcriber[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcriber/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSource instantiates the audio source registered for cfg.Source.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.source[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// Transcribers returns the registered transcriber names in sorted order.
func (r *Registry) Transcribers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transcriber))
	for n := range r.transcriber {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
