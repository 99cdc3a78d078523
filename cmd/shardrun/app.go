package main

import (
	"fmt"

	"github.com/fentz26/shardrun/internal/audit"
	"github.com/fentz26/shardrun/internal/config"
	"github.com/fentz26/shardrun/internal/registry"
	"github.com/fentz26/shardrun/internal/remotefs"
	"github.com/fentz26/shardrun/internal/store"
)

// app holds what most commands need: the configuration, the database and
// the remote storage client.
type app struct {
	cfg    *config.Config
	store  *store.Store
	remote *remotefs.Client
	pdr    *audit.PDRWriter
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.New(cfg.Resolve(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{
		cfg:    cfg,
		store:  s,
		remote: remotefs.NewClient(remotefs.DefaultDialer),
		pdr:    audit.NewPDRWriter(s),
	}, nil
}

// registry returns the configured artifact version registry.
func (a *app) registry() registry.Registry {
	if a.cfg.Registry.Backend == "sqlite" {
		return a.store
	}
	return registry.NewYAMLFile(a.cfg.Resolve(a.cfg.Registry.Path))
}

func (a *app) Close() error {
	var firstErr error
	if err := a.remote.Close(); err != nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
