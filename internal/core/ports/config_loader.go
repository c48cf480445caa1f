package ports

import "go.trai.ch/zb/internal/core/domain"

// ConfigLoader defines the interface for loading the engine configuration.
//
//go:generate mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type ConfigLoader interface {
	// Load reads the configuration file, if any, and applies defaults and
	// environment overrides.
	Load() (*domain.Config, error)
}
