package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dreamine/hybridhost/internal/bridge"
	"github.com/dreamine/hybridhost/internal/logging"
)

// FallbackFileName is where the offline page is written.
const FallbackFileName = "offline.html"

// headlessTarget is the mount target of a host without a UI framework. It
// records the mounted components and logs each change.
type headlessTarget struct {
	logger *logging.Logger

	mu       sync.Mutex
	services []string
	roots    []bridge.RootComponent
}

func newHeadlessTarget(logger *logging.Logger) *headlessTarget {
	return &headlessTarget{logger: logger.WithComponent("mount")}
}

func (t *headlessTarget) SetServiceProvider(provider bridge.ServiceProvider) error {
	var names []string
	if s, ok := provider.(*bridge.Services); ok {
		names = s.Names()
	}
	t.mu.Lock()
	t.services = names
	t.mu.Unlock()
	t.logger.Debug("service provider set", "services", names)
	return nil
}

func (t *headlessTarget) SetRootComponents(roots []bridge.RootComponent) error {
	t.mu.Lock()
	t.roots = append([]bridge.RootComponent(nil), roots...)
	t.mu.Unlock()
	for _, r := range roots {
		t.logger.Info("root component mounted", "selector", r.Selector, "component", r.Component)
	}
	return nil
}

func (t *headlessTarget) ClearRootComponents() error {
	t.mu.Lock()
	n := len(t.roots)
	t.roots = nil
	t.mu.Unlock()
	t.logger.Info("root components cleared", "count", n)
	return nil
}

func (t *headlessTarget) Roots() []bridge.RootComponent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bridge.RootComponent(nil), t.roots...)
}

// fileSurface writes the fallback document to disk so it can be opened in a
// browser.
type fileSurface struct {
	path   string
	logger *logging.Logger
	notify func(path string)
}

func newFileSurface(dir string, logger *logging.Logger, notify func(path string)) *fileSurface {
	return &fileSurface{
		path:   filepath.Join(dir, FallbackFileName),
		logger: logger.WithComponent("fallback"),
		notify: notify,
	}
}

func (s *fileSurface) RenderFallback(document string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create fallback directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(document), 0644); err != nil {
		return fmt.Errorf("failed to write fallback page: %w", err)
	}
	s.logger.Info("offline page written", "path", s.path)
	if s.notify != nil {
		s.notify(s.path)
	}
	return nil
}
