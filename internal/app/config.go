package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	LabPaths    []string // hcl files or directories
	CatalogPath string   // yaml; empty means the embedded catalog
	EngineURL   string   // overrides the lab's teardown base URL

	LogFormat   string
	LogLevel    string
	MetricsPort int

	Strict      bool
	DryRun      bool
	TeardownID  string
	ListCatalog bool
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.TeardownID == "" && !cfg.ListCatalog && len(cfg.LabPaths) == 0 {
		return nil, errors.New("a lab path is required unless -teardown or -list is given")
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return nil, errors.New("metrics port must be between 0 and 65535")
	}
	return &cfg, nil
}
