// Package supervisor sequences configuration changes: tear down the old
// application, build and launch the new one, swap on success. Changes are
// serialized and collapse-on-newer, so a burst of file edits produces one
// rollout and an edit during a rollout queues exactly one follow-up.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"kiruna/internal/app"
	"kiruna/internal/config"
	"kiruna/internal/engine"
	"kiruna/internal/logger"
	"kiruna/internal/queue"
	"kiruna/internal/registry"
	"kiruna/internal/runner"
)

// State describes the supervisor's lifecycle for the status endpoint.
type State string

const (
	// StateEmpty means no application has ever launched.
	StateEmpty State = "empty"
	// StateUpdating means a configuration change is being applied.
	StateUpdating State = "updating"
	// StateIdle means the current application is active.
	StateIdle State = "idle"
)

// Supervisor owns the active application and the config-change queue.
type Supervisor struct {
	cfgMgr  *config.Manager
	eng     engine.API
	version string
	queue   *queue.Collapsing

	mu       sync.Mutex
	current  *app.Application
	reg      *registry.Registry
	state    State
	eventFns []func(app.Event)
}

// New creates a supervisor. No application is active until the first Apply.
func New(cfgMgr *config.Manager, eng engine.API, version string) *Supervisor {
	return &Supervisor{
		cfgMgr:  cfgMgr,
		eng:     eng,
		version: version,
		queue:   queue.NewCollapsing("supervisor"),
		state:   StateEmpty,
	}
}

// OnEvent subscribes to service lifecycle events across application
// generations.
func (s *Supervisor) OnEvent(fn func(app.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventFns = append(s.eventFns, fn)
}

func (s *Supervisor) forward(ev app.Event) {
	s.mu.Lock()
	fns := append([]func(app.Event){}, s.eventFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Apply loads the manifest and rolls the application over to it,
// synchronously. The initial boot calls this directly so a broken manifest
// fails the process; reloads go through OnConfigChange instead.
func (s *Supervisor) Apply(ctx context.Context) error {
	return s.apply(ctx)
}

// OnConfigChange enqueues one rollout for the latest configuration,
// superseding any rollout still waiting to start. Failures are logged; the
// previous application stays active.
func (s *Supervisor) OnConfigChange() {
	logger.Info("Configuration change detected")
	s.queue.Replace(func(ctx context.Context) error {
		if err := s.apply(ctx); err != nil {
			logger.WithError(err).Error("Configuration change failed, keeping previous application")
		}
		return nil
	})
}

func (s *Supervisor) apply(ctx context.Context) error {
	s.setState(StateUpdating)
	defer s.settleState()

	if err := s.cfgMgr.Load(); err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	manifest := s.cfgMgr.Manifest

	s.configureLogging(manifest)

	var reg *registry.Registry
	if manifest.Registration != nil {
		var err error
		reg, err = registry.New(manifest.Registration)
		if err != nil {
			return fmt.Errorf("failed to configure registration: %w", err)
		}
	} else {
		logger.Warn("No Registration block, endpoint publishing disabled")
	}

	// A nil *Registry must stay a nil interface, or runners would publish
	// through a nil receiver.
	var pub runner.Publisher
	if reg != nil {
		pub = reg
	}

	next, err := app.New(manifest, s.eng, pub, s.version)
	if err != nil {
		if reg != nil {
			reg.Close()
		}
		return err
	}
	next.OnEvent(s.forward)

	s.mu.Lock()
	prev := s.current
	prevReg := s.reg
	s.mu.Unlock()

	// Launch marks the previous application stopping before starting
	// services, so crashed containers of the old generation are not
	// restarted mid-rollout.
	if err := next.Launch(ctx, prev); err != nil {
		logger.WithError(err).Error("Application launch reported errors")
	}

	s.mu.Lock()
	s.current = next
	s.reg = reg
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	if prevReg != nil {
		prevReg.Close()
	}

	logger.Info("Configuration applied")
	return nil
}

func (s *Supervisor) configureLogging(manifest *config.Manifest) {
	if level := manifest.Logging.Console.Level; level != "" {
		logger.SetLevel(level)
	}
	if loggly := manifest.Logging.Loggly; loggly != nil {
		if err := logger.EnableLoggly(loggly.Token, loggly.Tags, loggly.Level); err != nil {
			logger.WithError(err).Warn("Loggly sink not enabled")
		}
	}
}

// Current returns the active application, if any.
func (s *Supervisor) Current() *app.Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// StateNow returns the supervisor state.
func (s *Supervisor) StateNow() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsUp reports whether the active application is fully up.
func (s *Supervisor) IsUp() bool {
	current := s.Current()
	return current != nil && current.IsUp()
}

// Version returns the daemon version.
func (s *Supervisor) Version() string {
	return s.version
}

// StopAll stops every service of the active application. Used by the
// console stop key and at shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	if current := s.Current(); current != nil {
		current.StopAll(ctx)
	}
}

// Close releases the queue and the registry connection. The active
// application keeps its containers running.
func (s *Supervisor) Close() {
	s.queue.Close()
	s.mu.Lock()
	reg := s.reg
	current := s.current
	s.mu.Unlock()
	if current != nil {
		current.SetStopping()
		current.Close()
	}
	if reg != nil {
		reg.Close()
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) settleState() {
	s.mu.Lock()
	if s.current != nil {
		s.state = StateIdle
	} else {
		s.state = StateEmpty
	}
	s.mu.Unlock()
}
