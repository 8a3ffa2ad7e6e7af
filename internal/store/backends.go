package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// BackendConfig selects and configures a persistence backend
type BackendConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// BackendFactory constructs a RoutingCollaborator
type BackendFactory func(ctx context.Context, cfg BackendConfig, clk clock.Clock, logger *logrus.Logger) (RoutingCollaborator, error)

var backends = map[string]BackendFactory{
	"memory": func(ctx context.Context, cfg BackendConfig, clk clock.Clock, logger *logrus.Logger) (RoutingCollaborator, error) {
		return NewMemoryStore(clk), nil
	},
	"sqlite": func(ctx context.Context, cfg BackendConfig, clk clock.Clock, logger *logrus.Logger) (RoutingCollaborator, error) {
		return OpenSQLStore(ctx, DialectSQLite, cfg.DSN, clk, logger)
	},
	"postgres": func(ctx context.Context, cfg BackendConfig, clk clock.Clock, logger *logrus.Logger) (RoutingCollaborator, error) {
		return OpenSQLStore(ctx, DialectPostgres, cfg.DSN, clk, logger)
	},
}

// Backends lists the supported driver names
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the backend named by cfg.Driver
func Open(ctx context.Context, cfg BackendConfig, clk clock.Clock, logger *logrus.Logger) (RoutingCollaborator, error) {
	factory, ok := backends[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (supported: %v)", cfg.Driver, Backends())
	}
	collaborator, err := factory(ctx, cfg, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Driver, err)
	}
	logger.WithField("driver", cfg.Driver).Info("Storage backend opened")
	return collaborator, nil
}
