package bridge

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
)

// DefaultSelector is the anchor used when a MountSpec names none.
const DefaultSelector = "#app"

// ConfigurationError reports a mandatory binding that was not supplied.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("bridge configuration: %s is required", e.Field)
}

// RootComponent is one component instantiated at a selector.
type RootComponent struct {
	Selector  string
	Component string
}

// ServiceProvider is the capability set hosted content may call into.
type ServiceProvider interface {
	Service(name string) (any, bool)
}

// Services is a fixed ServiceProvider built from a map.
type Services struct {
	byName map[string]any
}

// NewServices copies m into a Services.
func NewServices(m map[string]any) *Services {
	return &Services{byName: maps.Clone(m)}
}

// Service implements ServiceProvider.
func (s *Services) Service(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.byName[name]
	return v, ok
}

// Names returns the registered service names in sorted order.
func (s *Services) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.byName))
}

var specSeq atomic.Uint64

// MountSpec describes where hosted content attaches. It is immutable; copies
// compare Equal to the original.
type MountSpec struct {
	id       uint64
	root     RootComponent
	services ServiceProvider
}

// NewMountSpec builds a MountSpec. component and services are required; an
// empty selector defaults to DefaultSelector.
func NewMountSpec(selector, component string, services ServiceProvider) (MountSpec, error) {
	if component == "" {
		return MountSpec{}, &ConfigurationError{Field: "root component"}
	}
	if services == nil {
		return MountSpec{}, &ConfigurationError{Field: "service provider"}
	}
	if selector == "" {
		selector = DefaultSelector
	}
	return MountSpec{
		id:       specSeq.Add(1),
		root:     RootComponent{Selector: selector, Component: component},
		services: services,
	}, nil
}

// Root returns the root component.
func (s MountSpec) Root() RootComponent { return s.root }

// Selector returns the anchor selector.
func (s MountSpec) Selector() string { return s.root.Selector }

// Services returns the service provider.
func (s MountSpec) Services() ServiceProvider { return s.services }

// IsZero reports whether s was not built by NewMountSpec.
func (s MountSpec) IsZero() bool { return s.id == 0 }

// Equal reports whether s and other came from the same NewMountSpec call.
func (s MountSpec) Equal(other MountSpec) bool { return s.id == other.id }

func (s MountSpec) String() string {
	return fmt.Sprintf("%s@%s", s.root.Component, s.root.Selector)
}
