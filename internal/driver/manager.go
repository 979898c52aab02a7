package driver

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager handles driver selection and lifecycle
type Manager struct {
	driver Driver
	name   string
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewManager opens the configured driver, falling back to the software device
// when cfg.Fallback is set and the configured driver cannot be opened.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger.Named("driver"),
	}

	if err := m.openConfigured(cfg); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) openConfigured(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := cfg.Name
	if name == "" {
		name = SoftDriverName
	}

	drv, err := Open(name, cfg, m.logger)
	if err == nil {
		m.driver, m.name = drv, name
		m.logger.Info("driver opened", zap.String("driver", name))
		return nil
	}
	if name == SoftDriverName || !cfg.Fallback {
		return fmt.Errorf("failed to open %s driver: %w", name, err)
	}

	m.logger.Warn("driver unavailable, falling back to software device",
		zap.String("driver", name), zap.Error(err))
	drv, err = Open(SoftDriverName, cfg, m.logger)
	if err != nil {
		return fmt.Errorf("failed to open %s driver: %w", SoftDriverName, err)
	}
	m.driver, m.name = drv, SoftDriverName
	return nil
}

// Driver returns the active driver, or nil after Cleanup.
func (m *Manager) Driver() Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driver
}

// DriverName returns the registered name of the active driver.
func (m *Manager) DriverName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.driver == nil {
		return "none"
	}
	return m.name
}

// Cleanup closes the active driver.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.driver != nil {
		if err := m.driver.Close(); err != nil {
			return err
		}
		m.driver = nil
	}
	return nil
}
