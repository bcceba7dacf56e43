package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/stepkit/config"
	"github.com/vinayprograms/stepkit/dispatch"
	"github.com/vinayprograms/stepkit/instance"
	"github.com/vinayprograms/stepkit/logging"
	"github.com/vinayprograms/stepkit/methods"
	"github.com/vinayprograms/stepkit/methods/httpcall"
	"github.com/vinayprograms/stepkit/state"
	"github.com/vinayprograms/stepkit/tasks"
	"github.com/vinayprograms/stepkit/telemetry"
)

// app is a wired stepkit process.
type app struct {
	config     *config.Config
	log        *logging.Logger
	conn       *nats.Conn
	store      state.StateStore
	registry   *tasks.Registry
	engine     *instance.Engine
	dispatcher *dispatch.Dispatcher
	provider   *telemetry.Provider
	events     telemetry.Exporter
}

// taskMethods returns the built-in methods plus the configured HTTP
// endpoints.
func taskMethods(cfg *config.Config, logger *logging.Logger) tasks.Methods {
	m := methods.Builtins(logger)
	endpoints := make([]httpcall.Endpoint, 0, len(cfg.HTTPMethods))
	for _, hm := range cfg.HTTPMethods {
		endpoints = append(endpoints, httpcall.Endpoint{
			Name:    hm.Name,
			URL:     hm.URL,
			Method:  hm.Method,
			Headers: hm.Headers,
			Timeout: hm.Timeout.Duration,
		})
	}
	if len(endpoints) > 0 {
		httpcall.Register(m, httpcall.NewClient(), endpoints...)
	}
	return m
}

// openStore connects the configured backend. conn is nil for the memory
// backend.
func openStore(cfg *config.Config) (state.StateStore, *nats.Conn, error) {
	switch cfg.Store.Backend {
	case "nats":
		conn, err := nats.Connect(cfg.Store.URL, nats.Name("stepkit"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect %s: %w", cfg.Store.URL, err)
		}
		store, err := state.NewNATSStore(state.NATSStoreConfig{
			Conn:     conn,
			Bucket:   cfg.Store.Bucket,
			Replicas: cfg.Store.Replicas,
		})
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return store, conn, nil
	default:
		return state.NewMemoryStore(), nil, nil
	}
}

// loadTasks defines every task found in dir. A missing directory is not
// an error.
func loadTasks(registry *tasks.Registry, dir string, logger *logging.Logger) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn("tasks_dir_missing", map[string]interface{}{"dir": dir})
		return nil
	}
	specs, err := tasks.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		def, err := registry.Define(spec)
		if err != nil {
			return err
		}
		logger.Info("task_defined", map[string]interface{}{
			"task":  def.Name,
			"id":    def.ID,
			"steps": def.NumSteps(),
		})
	}
	return nil
}

// newApp wires a process from the config at cfgPath. Logs go to logOut so
// that command output on stdout stays machine-readable.
func newApp(ctx context.Context, cfgPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{config: cfg, log: cfg.Logger()}
	if logOut != nil {
		a.log.SetOutput(logOut)
	}

	a.provider, err = telemetry.InitProvider(ctx, cfg.ProviderConfig())
	if err != nil {
		return nil, err
	}
	a.events, err = telemetry.NewExporter(cfg.Events.Protocol, cfg.Events.Endpoint)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.store, a.conn, err = openStore(cfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.registry = tasks.NewRegistry(a.store, taskMethods(cfg, a.log))
	if err := loadTasks(a.registry, cfg.TasksDir, a.log.WithComponent("tasks")); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.engine = instance.New(a.store, a.registry,
		instance.WithLogger(a.log),
		instance.WithTracer(a.provider.Tracer()),
		instance.WithEvents(a.events),
	)
	a.dispatcher = dispatch.New(a.engine, a.store, dispatch.Config{
		WorkerID:     cfg.Worker.ID,
		PollInterval: cfg.Worker.PollInterval.Duration,
		LockTTL:      cfg.Worker.LockTTL.Duration,
		BatchSize:    cfg.Worker.BatchSize,
	}, a.log)
	return a, nil
}

// closeStore closes the store and then the connection it was using.
func (a *app) closeStore() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	return err
}

// flushTelemetry flushes and closes the event exporter and the trace
// provider.
func (a *app) flushTelemetry(ctx context.Context) error {
	var err error
	if a.events != nil {
		if e := a.events.Close(); e != nil {
			err = e
		}
	}
	if a.provider != nil {
		if e := a.provider.Shutdown(ctx); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// close releases everything for short-lived commands.
func (a *app) close(ctx context.Context) {
	if err := a.closeStore(); err != nil {
		a.log.Warn("store_close_failed", map[string]interface{}{"error": err.Error()})
	}
	if err := a.flushTelemetry(ctx); err != nil {
		a.log.Warn("telemetry_flush_failed", map[string]interface{}{"error": err.Error()})
	}
}
