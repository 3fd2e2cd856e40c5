package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/tracecat/simlab/internal/catalog"
	"github.com/tracecat/simlab/internal/ctxlog"
	"github.com/tracecat/simlab/internal/lab"
	"github.com/tracecat/simlab/internal/metrics"
)

// ErrUnknownScenario is returned when the lab names a scenario the catalog
// does not list.
var ErrUnknownScenario = errors.New("unknown scenario")

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	ctx     context.Context
	config  *Config
	catalog *catalog.Catalog
	lab     *lab.Lab
	metrics *metrics.Registry

	httpServer   *http.Server
	newSessionID func() string
}

// NewApp is the constructor for the main application. It configures an
// isolated logger, loads the catalog and, unless only a teardown was asked
// for, the lab file. Any load failure is fatal.
func NewApp(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	logger.Debug("Catalog loaded.", "primitives", cat.Len(), "scenarios", len(cat.Scenarios()))

	var l *lab.Lab
	if len(cfg.LabPaths) > 0 {
		l, err = lab.Load(ctx, cfg.LabPaths...)
		if err != nil {
			return nil, fmt.Errorf("failed to load lab: %w", err)
		}
	}

	return &App{
		outW:         outW,
		logger:       logger,
		ctx:          ctx,
		config:       cfg,
		catalog:      cat,
		lab:          l,
		metrics:      metrics.NewRegistry(),
		newSessionID: uuid.NewString,
	}, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return catalog.Load(f)
}

// Metrics returns the application's metrics registry. This is primarily for testing.
func (a *App) Metrics() *metrics.Registry {
	return a.metrics
}
