// Package app builds the runtime application from a parsed manifest: the
// dependency-ordered service list, the cross-service event wiring, the
// launch pipeline and the global cleanup of obsolete containers and images.
// An application is a snapshot of one manifest generation; a configuration
// change builds a new application and supersedes this one.
package app

import (
	"context"
	"sync"
	"time"

	"kiruna/internal/config"
	"kiruna/internal/engine"
	"kiruna/internal/logger"
	"kiruna/internal/runner"
	"kiruna/internal/service"
)

// Event is one service lifecycle transition, forwarded to observers such as
// the status server's event stream.
type Event struct {
	Service string    `json:"service"`
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
}

// Application owns the ordered service graph of one manifest generation.
type Application struct {
	cfg      *config.Manifest
	eng      engine.API
	pub      runner.Publisher
	version  string
	services []*service.Service
	byName   map[string]*service.Service

	mu             sync.Mutex
	stopping       bool
	cleanupRunning bool
	eventFns       []func(Event)
}

// New builds the application: merge-expanded specs become services, sorted
// into dependency order and linked.
func New(cfg *config.Manifest, eng engine.API, pub runner.Publisher, version string) (*Application, error) {
	a := &Application{
		cfg:     cfg,
		eng:     eng,
		pub:     pub,
		version: version,
		byName:  make(map[string]*service.Service),
	}

	specs, err := sortSpecs(cfg.Services)
	if err != nil {
		return nil, err
	}

	for _, spec := range specs {
		svc := service.New(spec, a, eng, pub, version)
		a.services = append(a.services, svc)
		a.byName[spec.Name] = svc
	}

	// Linking walks the sorted order so every dependency is linked before
	// its dependents and transitive closures are complete.
	for _, svc := range a.services {
		if err := svc.LinkDependencies(a.byName); err != nil {
			return nil, err
		}
	}

	for _, svc := range a.services {
		svc := svc
		svc.OnStarted(func(*service.Service) { a.emit(svc.Name(), "started") })
		svc.OnStopped(func(*service.Service) { a.emit(svc.Name(), "stopped") })
		svc.OnAllStarted(func(*service.Service) {
			a.emit(svc.Name(), "allStarted")
			a.onServiceAllStarted()
		})
	}

	return a, nil
}

// Services returns the dependency-ordered service list.
func (a *Application) Services() []*service.Service {
	return a.services
}

// OnEvent subscribes to service lifecycle events. Subscribe before Launch.
func (a *Application) OnEvent(fn func(Event)) {
	a.eventFns = append(a.eventFns, fn)
}

func (a *Application) emit(name, kind string) {
	ev := Event{Service: name, Kind: kind, Time: time.Now()}
	for _, fn := range a.eventFns {
		fn(ev)
	}
}

// Launch pulls every image in dependency order, releases the previous
// application, then launches every enabled service. A failing service never
// blocks the others.
func (a *Application) Launch(ctx context.Context, prev *Application) error {
	// Sequential pulls: the image registry is not hammered in parallel.
	for _, svc := range a.services {
		if !svc.Spec.IsEnabled() {
			continue
		}
		if err := svc.PullImage(ctx); err != nil {
			logger.WithField("service", svc.Name()).WithError(err).Error("Image pull failed")
		}
	}

	if prev != nil {
		prev.SetStopping()
	}

	for _, svc := range a.services {
		if !svc.Spec.IsEnabled() {
			logger.WithField("service", svc.Name()).Info("Service disabled, skipping")
			continue
		}
		if err := svc.Launch(ctx); err != nil {
			logger.WithField("service", svc.Name()).WithError(err).Error("Service launch failed")
		}
	}
	return nil
}

// SetStopping releases the application: its runners skip their remaining
// ticks and its services refuse further restarts. Containers keep running;
// the successor adopts them.
func (a *Application) SetStopping() {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.stopping = true
	a.mu.Unlock()

	for _, svc := range a.services {
		svc.Release()
	}
}

// Stopping implements service.Host.
func (a *Application) Stopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopping
}

// StopDependents implements service.Host: every service that transitively
// depends on svc is stopped, in reverse launch order.
func (a *Application) StopDependents(ctx context.Context, svc *service.Service) error {
	for i := len(a.services) - 1; i >= 0; i-- {
		dependent := a.services[i]
		if dependent == svc || !dependent.DependsOn(svc) {
			continue
		}
		logger.WithFields(logger.Fields{
			"service":    svc.Name(),
			"dependent":  dependent.Name(),
		}).Info("Stopping dependent service")
		if err := dependent.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAndRemoveContainer implements service.Host. Each step treats a
// missing container as success.
func (a *Application) StopAndRemoveContainer(ctx context.Context, ref string) error {
	info, err := a.eng.InspectContainer(ctx, ref)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}

	if info.State != nil && info.State.Running {
		if err := a.eng.StopContainer(ctx, ref); err != nil && !engine.IsNotFound(err) {
			return err
		}
	}

	if err := a.eng.RemoveContainer(ctx, ref); err != nil && !engine.IsNotFound(err) {
		return err
	}
	return nil
}

// StopAll stops every service, dependents before dependencies, and marks
// the application stopping. Used on shutdown and the console stop key.
func (a *Application) StopAll(ctx context.Context) {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()

	for i := len(a.services) - 1; i >= 0; i-- {
		if err := a.services[i].Stop(ctx); err != nil {
			logger.WithField("service", a.services[i].Name()).WithError(err).Warn("Service stop failed")
		}
	}
}

// Close releases every service work queue.
func (a *Application) Close() {
	for _, svc := range a.services {
		svc.Close()
	}
}

// IsUp reports whether every enabled service has all replicas running.
func (a *Application) IsUp() bool {
	if len(a.services) == 0 {
		return false
	}
	for _, svc := range a.services {
		if !svc.Up() {
			return false
		}
	}
	return true
}

// onServiceAllStarted triggers the global cleanup once the whole
// application is up.
func (a *Application) onServiceAllStarted() {
	if !a.IsUp() || a.Stopping() {
		return
	}

	a.mu.Lock()
	if a.cleanupRunning {
		a.mu.Unlock()
		return
	}
	a.cleanupRunning = true
	a.mu.Unlock()

	// Cleanup runs off the service queues; it only talks to the engine.
	go func() {
		defer func() {
			a.mu.Lock()
			a.cleanupRunning = false
			a.mu.Unlock()
		}()
		a.cleanup(context.Background())
	}()
}
