package serialization

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages codec registrations
type Registry struct {
	byName        map[string]Codec
	byContentType map[string]Codec
	mu            sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byName:        make(map[string]Codec),
		byContentType: make(map[string]Codec),
	}
}

// Register adds a codec. Registering the same codec twice is a no-op;
// registering a different codec under a taken name or content type fails.
func (r *Registry) Register(codec Codec) error {
	if codec == nil {
		return fmt.Errorf("codec cannot be nil")
	}
	name := codec.Name()
	if name == "" {
		return fmt.Errorf("codec name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.byName[name]; exists {
		if existing == codec {
			return nil
		}
		return fmt.Errorf("codec name %s already registered", name)
	}
	ct := codec.ContentType()
	if existing, exists := r.byContentType[ct]; exists && ct != "" {
		return fmt.Errorf("content type %s already registered to codec %s", ct, existing.Name())
	}

	r.byName[name] = codec
	if ct != "" {
		r.byContentType[ct] = codec
	}
	return nil
}

// Get retrieves a codec by name
func (r *Registry) Get(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, exists := r.byName[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
	return codec, nil
}

// ForContentType retrieves a codec by the content type it writes
func (r *Registry) ForContentType(contentType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, exists := r.byContentType[contentType]
	if !exists {
		return nil, fmt.Errorf("%w: content type %q", ErrUnknownCodec, contentType)
	}
	return codec, nil
}

// Names returns the registered codec names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = func() *Registry {
	r := NewRegistry()
	_ = r.Register(JSONCodec{})
	_ = r.Register(GobCodec{})
	return r
}()

// Default returns the registry holding the JSON and gob codecs
func Default() *Registry {
	return defaultRegistry
}
