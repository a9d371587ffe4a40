// Package service starts and stops the daemon's background services in a
// declared order. Start failures are logged and do not abort siblings;
// stop runs in reverse order so consumers quiesce before their producers.
package service

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/psyduckv2/psyduckd/internal/log"
)

// Service is one supervised unit. Run blocks until ctx is cancelled; Stop
// is optional extra teardown after Run has returned.
type Service struct {
	Name    string
	Enabled bool
	Run     func(ctx context.Context)
	Stop    func(ctx context.Context) error
}

// Supervisor owns the declared service list.
type Supervisor struct {
	services []Service

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started []Service
}

// New builds a supervisor over the declared services.
func New(services []Service) *Supervisor {
	return &Supervisor{services: services}
}

// StartAll launches every enabled service in declared order. Each Run loop
// gets its own goroutine tracked by an errgroup derived from ctx.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, runCtx := errgroup.WithContext(runCtx)
	s.group = group

	for _, svc := range s.services {
		if !svc.Enabled {
			log.Infof("service %s: disabled, skipping", svc.Name)
			continue
		}
		if svc.Run == nil {
			log.Warnf("service %s: no run loop, skipping", svc.Name)
			continue
		}
		run := svc.Run
		name := svc.Name
		group.Go(func() error {
			log.Infof("service %s: started", name)
			run(runCtx)
			log.Infof("service %s: stopped", name)
			return nil
		})
		s.started = append(s.started, svc)
	}
}

// StopAll cancels the run loops, waits for them, then calls the optional
// Stop hooks in reverse start order. A failing hook never blocks the rest.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	cancel, group, started := s.cancel, s.group, s.started
	s.cancel, s.group, s.started = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()

	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		if svc.Stop == nil {
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			log.Errorf("service %s: stop failed: %v", svc.Name, err)
		}
	}
}
