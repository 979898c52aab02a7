package driver

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Config selects and configures a driver.
type Config struct {
	// Name of the registered driver to open. Empty selects the software device.
	Name string `yaml:"name"`
	// Fallback opens the software device when the named driver fails.
	Fallback bool       `yaml:"fallback"`
	Soft     SoftConfig `yaml:"soft"`
}

// Factory opens a driver instance.
type Factory func(cfg Config, logger *zap.Logger) (Driver, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a driver available under name. Passing a nil factory
// removes the registration.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		delete(factories, name)
		return
	}
	factories[name] = f
}

// Registered lists the registered driver names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open instantiates the driver registered under name.
func Open(name string, cfg Config, logger *zap.Logger) (Driver, error) {
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotFound, name)
	}
	return f(cfg, logger)
}
