// Package connectivity reports whether the backend is reachable and signals
// the moment it becomes reachable again.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/magickw/linkDAO-sub002/internal/platform/timeouts"
)

// Source is the online/offline signal consumed by the submitter and the
// dispatcher.
type Source interface {
	Online() bool
	// Wake fires once per offline-to-online edge.
	Wake() <-chan struct{}
}

// Switch is a settable Source. The zero value is not usable; use NewSwitch.
type Switch struct {
	mu     sync.Mutex
	online bool
	wake   chan struct{}
}

// NewSwitch returns a Switch in the given initial state.
func NewSwitch(online bool) *Switch {
	return &Switch{online: online, wake: make(chan struct{}, 1)}
}

// Online reports the current state.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Wake returns the edge channel. Edges that arrive while a previous one is
// still unread collapse into it.
func (s *Switch) Wake() <-chan struct{} {
	return s.wake
}

// Set updates the state and reports whether it changed.
func (s *Switch) Set(online bool) bool {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed && online {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return changed
}

// ProbeFunc checks reachability once.
type ProbeFunc func(ctx context.Context) error

// Prober flips a Switch from the result of a periodic probe.
type Prober struct {
	Switch   *Switch
	Probe    ProbeFunc
	Interval time.Duration
	Timeout  time.Duration
	Logf     func(format string, args ...any)
}

// Check runs the probe once and applies the result.
func (p *Prober) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = timeouts.Probe
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.Probe(probeCtx)
	online := err == nil
	if p.Switch.Set(online) {
		logf := p.Logf
		if logf == nil {
			logf = log.Printf
		}
		if online {
			logf("connectivity: backend reachable")
		} else {
			logf("connectivity: backend unreachable: %v", err)
		}
	}
	return online
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// HTTPProbe returns a probe that GETs url and treats any 2xx as reachable.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: timeouts.Probe}
	}
	url = strings.TrimSpace(url)
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}
