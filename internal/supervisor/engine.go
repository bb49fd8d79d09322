package supervisor

import (
	"context"
	"fmt"
)

// Info describes an engine after successful initialization.
type Info struct {
	Version    string `json:"version"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Target is a navigation destination: either a URI or an inline HTML
// document. Exactly one field is set.
type Target struct {
	URI  string `json:"uri,omitempty"`
	HTML string `json:"html,omitempty"`
}

// URI returns a Target that navigates to uri.
func URI(uri string) Target { return Target{URI: uri} }

// HTML returns a Target that renders doc directly.
func HTML(doc string) Target { return Target{HTML: doc} }

// IsHTML reports whether the target is an inline document.
func (t Target) IsHTML() bool { return t.URI == "" && t.HTML != "" }

// String returns the URI, or a short placeholder for inline documents.
func (t Target) String() string {
	if t.IsHTML() {
		return fmt.Sprintf("inline-html(%d bytes)", len(t.HTML))
	}
	return t.URI
}

// Engine is the rendering engine collaborator. Implementations may call
// their EngineObserver from any goroutine.
type Engine interface {
	// Initialize brings the engine up. It must return promptly once ctx is
	// done; the supervisor stops waiting at that point regardless.
	Initialize(ctx context.Context) (Info, error)

	// Navigate loads target into the engine's primary surface.
	Navigate(target Target) error

	// PostToGuest delivers an encoded frame into the guest context.
	PostToGuest(frame []byte) error

	// Close releases the engine. The cache directory is released after
	// Close returns.
	Close() error
}

// EngineObserver receives engine lifecycle events.
type EngineObserver interface {
	OnInitCompleted(info Info, err error)
	OnNavigationStarting(target Target)
	OnNavigationCompleted(target Target, err error)
}

// EngineFactory creates engines bound to a cache directory.
type EngineFactory interface {
	CreateEngine(cacheDir string, observer EngineObserver) (Engine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(cacheDir string, observer EngineObserver) (Engine, error)

// CreateEngine calls f.
func (f EngineFactoryFunc) CreateEngine(cacheDir string, observer EngineObserver) (Engine, error) {
	return f(cacheDir, observer)
}
