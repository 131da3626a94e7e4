// Package connectivity reports whether the remote store is reachable. The
// sync service subscribes once at construction and suspends new passes while
// offline.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// Monitor is the connectivity signal collaborator.
type Monitor interface {
	// Online reports the current belief about reachability.
	Online() bool
	// Updates delivers online/offline transitions. Only changes are sent.
	Updates() <-chan bool
	// Close releases the monitor; Updates is closed and no further
	// notifications are delivered. Safe to call more than once.
	Close()
}

// ProbeMonitor derives connectivity from a periodic probe, typically the
// store's health check. A failed probe flips to offline, a succeeding one
// back to online.
type ProbeMonitor struct {
	probe    func(context.Context) error
	interval time.Duration

	mu     sync.Mutex
	online bool

	updates   chan bool
	stop      chan struct{}
	closeOnce sync.Once
	done      sync.WaitGroup
}

// NewProbeMonitor starts probing immediately. The monitor assumes online
// until the first probe says otherwise, so a cold start is not mistaken for
// an outage.
func NewProbeMonitor(probe func(context.Context) error, interval time.Duration) *ProbeMonitor {
	m := &ProbeMonitor{
		probe:    probe,
		interval: interval,
		online:   true,
		updates:  make(chan bool, 4),
		stop:     make(chan struct{}),
	}
	m.done.Add(1)
	go m.loop()
	return m
}

func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ProbeMonitor) Updates() <-chan bool {
	return m.updates
}

func (m *ProbeMonitor) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.done.Wait()
		close(m.updates)
	})
}

func (m *ProbeMonitor) loop() {
	defer m.done.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *ProbeMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	err := m.probe(ctx)
	cancel()

	now := err == nil
	m.mu.Lock()
	changed := now != m.online
	m.online = now
	m.mu.Unlock()

	if !changed {
		return
	}
	// Drop the notification rather than block if nobody is draining.
	select {
	case m.updates <- now:
	default:
	}
}

// Static is a fixed-state monitor whose transitions are driven by the
// caller. It backs tests and environments without a meaningful probe.
type Static struct {
	mu        sync.Mutex
	online    bool
	updates   chan bool
	closeOnce sync.Once
}

// NewStatic returns a caller-driven monitor in the given initial state.
func NewStatic(online bool) *Static {
	return &Static{online: online, updates: make(chan bool, 4)}
}

func (s *Static) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Static) Updates() <-chan bool {
	return s.updates
}

// Set transitions the monitor, notifying subscribers on change.
func (s *Static) Set(online bool) {
	s.mu.Lock()
	changed := online != s.online
	s.online = online
	s.mu.Unlock()

	if changed {
		select {
		case s.updates <- online:
		default:
		}
	}
}

func (s *Static) Close() {
	s.closeOnce.Do(func() { close(s.updates) })
}
