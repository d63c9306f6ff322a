// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"sync"
	"time"

	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/metrics"
)

// serverState is the per-server connectivity state.
type serverState int

const (
	serverUp serverState = iota
	serverDownPending
	serverDown
)

// Debouncer suppresses short connectivity blips. Per server it runs the
// state machine UP, DOWN_PENDING, DOWN: fallback-activated while UP starts a
// timer instead of notifying; deactivation before the timer fires cancels it
// silently; the timer firing emits exactly one down notification, and
// deactivation while DOWN emits exactly one up notification.
type Debouncer struct {
	threshold time.Duration
	onDown    func(serverID, serverName string)
	onUp      func(serverID, serverName string)

	mu      sync.Mutex
	states  map[string]serverState
	names   map[string]string
	timers  map[string]*time.Timer
	downSet *boundedSet
	stopped bool
}

// NewDebouncer creates a debouncer. onDown and onUp are invoked from timer
// goroutines and the dispatch path; they must be safe for that.
func NewDebouncer(threshold time.Duration, downSetCapacity int, onDown, onUp func(serverID, serverName string)) *Debouncer {
	return &Debouncer{
		threshold: threshold,
		onDown:    onDown,
		onUp:      onUp,
		states:    make(map[string]serverState),
		names:     make(map[string]string),
		timers:    make(map[string]*time.Timer),
		downSet:   newBoundedSet(downSetCapacity),
	}
}

// FallbackActivated handles a server entering fallback mode.
func (d *Debouncer) FallbackActivated(serverID, serverName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.names[serverID] = serverName

	switch d.states[serverID] {
	case serverUp:
		// Replace, never stack: cancel any stale timer before arming.
		if t, ok := d.timers[serverID]; ok {
			t.Stop()
		}
		d.states[serverID] = serverDownPending
		d.timers[serverID] = time.AfterFunc(d.threshold, func() {
			d.timerFired(serverID)
		})
		logging.Debug().Str("server_id", serverID).Dur("threshold", d.threshold).
			Msg("server fallback activated, down notification pending")
	case serverDownPending, serverDown:
		// Repeated activations are idempotent.
	}
}

// FallbackDeactivated handles a server leaving fallback mode.
func (d *Debouncer) FallbackDeactivated(serverID, serverName string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if serverName == "" {
		serverName = d.names[serverID]
	}

	switch d.states[serverID] {
	case serverDownPending:
		// Blip shorter than the threshold: cancel silently.
		if t, ok := d.timers[serverID]; ok {
			t.Stop()
			delete(d.timers, serverID)
		}
		d.states[serverID] = serverUp
		d.mu.Unlock()
		logging.Debug().Str("server_id", serverID).Msg("server fallback blip suppressed")
	case serverDown:
		d.states[serverID] = serverUp
		d.downSet.remove(serverID)
		d.mu.Unlock()
		metrics.RecordServerTransition("up")
		logging.Info().Str("server_id", serverID).Msg("server back up")
		d.onUp(serverID, serverName)
	default:
		d.mu.Unlock()
	}
}

// timerFired moves a server to DOWN after the debounce threshold elapsed
// without a deactivation.
func (d *Debouncer) timerFired(serverID string) {
	d.mu.Lock()
	if d.stopped || d.states[serverID] != serverDownPending {
		d.mu.Unlock()
		return
	}
	d.states[serverID] = serverDown
	delete(d.timers, serverID)
	d.downSet.add(serverID)
	serverName := d.names[serverID]
	d.mu.Unlock()

	metrics.RecordServerTransition("down")
	logging.Warn().Str("server_id", serverID).Msg("server down")
	d.onDown(serverID, serverName)
}

// DownServers returns the servers currently tracked as down.
func (d *Debouncer) DownServers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downSet.members()
}

// Stop cancels all pending timers. No notifications fire afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// boundedSet is an insertion-ordered string set that evicts its oldest entry
// at capacity.
type boundedSet struct {
	capacity int
	order    []string
	set      map[string]struct{}
}

func newBoundedSet(capacity int) *boundedSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &boundedSet{
		capacity: capacity,
		set:      make(map[string]struct{}),
	}
}

func (s *boundedSet) add(v string) {
	if _, ok := s.set[v]; ok {
		return
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
		logging.Warn().Str("server_id", oldest).Msg("down-server set at capacity, evicting oldest")
	}
	s.order = append(s.order, v)
	s.set[v] = struct{}{}
}

func (s *boundedSet) remove(v string) {
	if _, ok := s.set[v]; !ok {
		return
	}
	delete(s.set, v)
	for i, existing := range s.order {
		if existing == v {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *boundedSet) members() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
