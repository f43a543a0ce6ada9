package main

import (
	"fmt"
	"os"

	"github.com/ShayCichocki/switchyard/internal/capability"
	"github.com/ShayCichocki/switchyard/internal/exec"
	"github.com/ShayCichocki/switchyard/internal/orchestrator"
	"github.com/ShayCichocki/switchyard/internal/state"
)

// app bundles what commands that run or evaluate workflows need.
type app struct {
	store    *state.DB
	registry *capability.Registry
	runner   exec.CommandRunner
	logger   *orchestrator.DebugLogger
	orch     *orchestrator.Orchestrator
}

func openStore() (*state.DB, error) {
	db, err := state.OpenMigrated(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func newDebugLogger() (*orchestrator.DebugLogger, error) {
	if cfg.Debug.LogPath != "" {
		return orchestrator.NewDebugLogger(cfg.Debug.LogPath)
	}
	if !debugMode {
		return orchestrator.NopLogger(), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return orchestrator.NewDebugLoggerForProject(cwd), nil
}

// newApp opens the store, loads the capability catalog and builds the
// orchestrator from the loaded configuration.
func newApp() (*app, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}

	registry := capability.NewRegistry()
	runner := exec.NewRunner()
	if cfg.Capabilities.Catalog != "" {
		cat, err := capability.LoadCatalog(cfg.Capabilities.Catalog)
		if err != nil {
			store.Close()
			return nil, err
		}
		cat.Apply(registry, runner)
	}

	logger, err := newDebugLogger()
	if err != nil {
		store.Close()
		return nil, err
	}

	orch, err := orchestrator.New(
		orchestrator.RequiredConfig{Store: store, Capabilities: registry},
		orchestrator.WithPolicy(cfg.Policy()),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		logger.Close()
		store.Close()
		return nil, err
	}

	return &app{
		store:    store,
		registry: registry,
		runner:   runner,
		logger:   logger,
		orch:     orch,
	}, nil
}

func (a *app) Close() {
	a.orch.Close()
	a.logger.Close()
	a.store.Close()
}
