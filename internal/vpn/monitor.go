// Package vpn watches the VPN sidecars engines depend on: container state,
// tunnel health via the gluetun control API, and the provider-assigned
// forwarded port. Health transitions drive engine eviction, emergency
// failover between redundant sidecars, and per-VPN stabilization windows.
package vpn

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/debug"
	"github.com/oriys/quasar/internal/docker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// ContainerOps is the slice of the container driver the monitor uses.
type ContainerOps interface {
	Inspect(ctx context.Context, id string) (docker.ContainerInfo, error)
	Restart(ctx context.Context, id string, timeout time.Duration) error
	StopBatch(ctx context.Context, ids []string, timeout time.Duration) error
}

// EngineRegistry is the slice of the state registry the monitor uses when
// evicting engines.
type EngineRegistry interface {
	EnginesOnVPN(vpn string) []domain.Engine
	RemoveEngine(ctx context.Context, containerID string) (domain.Engine, error)
}

// Emergency records an active failover: all provisioning is pinned to
// HealthyVPN until FailedVPN recovers.
type Emergency struct {
	FailedVPN  string    `json:"failed_vpn"`
	HealthyVPN string    `json:"healthy_vpn"`
	EnteredAt  time.Time `json:"entered_at"`
}

// Status is the queryable per-VPN snapshot.
type Status struct {
	Container        string              `json:"container"`
	Running          bool                `json:"running"`
	Health           domain.HealthStatus `json:"health"`
	Stabilizing      bool                `json:"stabilizing"`
	StabilizingUntil *time.Time          `json:"stabilizing_until,omitempty"`
	ForwardedPort    int                 `json:"forwarded_port,omitempty"`
	LastCheck        time.Time           `json:"last_check"`
	LastError        string              `json:"last_error,omitempty"`
}

type vpnState struct {
	running        bool
	health         domain.HealthStatus
	stabilizeUntil time.Time
	forwardedPort  int       // last committed value, drives change detection
	observedPort   int       // last fetch result
	portFetchedAt  time.Time
	unhealthySince time.Time
	lastRestart    time.Time
	lastCheck      time.Time
	lastErr        string
}

// Monitor owns VPN health state. One goroutine runs the check loop; queries
// are safe from any goroutine.
type Monitor struct {
	cfg         config.VPNConfig
	stopTimeout time.Duration
	driver      ContainerOps
	reg         EngineRegistry
	ctl         controlAPI
	group       singleflight.Group
	order       []string

	mu        sync.RWMutex
	vpns      map[string]*vpnState
	emergency *Emergency

	invalidate func() // optional, fired on health transitions
}

// New builds a monitor for the configured sidecars. stopTimeout bounds
// container stops during evictions.
func New(cfg config.VPNConfig, stopTimeout time.Duration, driver ContainerOps, reg EngineRegistry) *Monitor {
	m := &Monitor{
		cfg:         cfg,
		stopTimeout: stopTimeout,
		driver:      driver,
		reg:         reg,
		ctl:         newGluetunClient(cfg.APIPort),
		order:       cfg.Containers(),
		vpns:        make(map[string]*vpnState),
	}
	for _, name := range m.order {
		m.vpns[name] = &vpnState{health: domain.HealthUnknown}
	}
	return m
}

// SetInvalidator registers a callback fired whenever a sidecar's health
// flips or an emergency starts or ends. Cached status responses key off
// this state.
func (m *Monitor) SetInvalidator(fn func()) {
	m.invalidate = fn
}

func (m *Monitor) notifyChange() {
	if m.invalidate != nil {
		m.invalidate()
	}
}

// Run drives the check loop until ctx ends. The first check happens
// immediately so startup decisions see real health.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckNow(ctx)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow probes every sidecar once.
func (m *Monitor) CheckNow(ctx context.Context) {
	for _, name := range m.order {
		m.checkOne(ctx, name)
	}
}

func (m *Monitor) checkOne(ctx context.Context, name string) {
	now := time.Now()

	running := false
	probeErr := ""
	info, err := m.driver.Inspect(ctx, name)
	if err != nil {
		probeErr = err.Error()
	} else {
		running = info.Running
	}

	healthy := false
	if running {
		ok, err := m.ctl.status(ctx, name)
		if err != nil {
			probeErr = err.Error()
		}
		healthy = ok && err == nil
	}

	var port int
	var portErr error
	if healthy {
		port, portErr = m.fetchPort(ctx, name)
	}

	// Apply the observation and collect the actions it triggers; side
	// effects run after the lock is gone.
	var (
		enter        *Emergency
		exit         *Emergency
		restart      bool
		replacedPort int
	)
	m.mu.Lock()
	st := m.vpns[name]
	prev := st.health
	st.running = running
	st.lastCheck = now
	st.lastErr = probeErr

	next := domain.HealthUnhealthy
	if healthy {
		next = domain.HealthHealthy
	}
	st.health = next

	switch {
	case prev == domain.HealthUnhealthy && next == domain.HealthHealthy:
		st.stabilizeUntil = now.Add(m.cfg.Stabilization)
		st.unhealthySince = time.Time{}
		logging.Op().Info("vpn recovered, stabilizing", "vpn", name, "until", st.stabilizeUntil)
		debug.VPN(name, "recovered", map[string]any{"stabilize_until": st.stabilizeUntil})
	case next == domain.HealthUnhealthy && prev != domain.HealthUnhealthy:
		st.unhealthySince = now
		logging.Op().Warn("vpn unhealthy", "vpn", name, "error", probeErr)
		debug.VPN(name, "unhealthy", map[string]any{"error": probeErr})
		if prev == domain.HealthHealthy {
			enter = m.maybeEnterEmergencyLocked(name, now)
		}
	}

	if next == domain.HealthHealthy && m.emergency != nil && m.emergency.FailedVPN == name {
		exit = m.emergency
		m.emergency = nil
	}

	if next == domain.HealthUnhealthy && !st.unhealthySince.IsZero() &&
		now.Sub(st.unhealthySince) >= m.cfg.UnhealthyRestartTimeout &&
		now.Sub(st.lastRestart) >= m.cfg.UnhealthyRestartTimeout {
		st.lastRestart = now
		restart = true
	}

	if healthy && portErr == nil {
		if st.forwardedPort != 0 && port != 0 && port != st.forwardedPort {
			replacedPort = st.forwardedPort
		}
		if port != 0 || st.forwardedPort == 0 {
			st.forwardedPort = port
		}
	}
	m.mu.Unlock()

	metrics.SetVPNHealthy(name, next == domain.HealthHealthy)
	if prev != next || enter != nil || exit != nil {
		m.notifyChange()
	}

	if enter != nil {
		m.enterEmergency(ctx, *enter)
	}
	if exit != nil {
		m.exitEmergency(*exit)
	}
	if restart {
		m.restartSidecar(ctx, name)
	}
	if replacedPort != 0 {
		m.handlePortChange(ctx, name, replacedPort, port)
	}
}

// maybeEnterEmergencyLocked decides the failover on a Healthy→Unhealthy
// transition. Requires redundant mode, no emergency already active, and the
// other sidecar healthy.
func (m *Monitor) maybeEnterEmergencyLocked(failed string, now time.Time) *Emergency {
	if m.cfg.Mode != config.VPNModeRedundant || m.emergency != nil {
		return nil
	}
	for _, other := range m.order {
		if other == failed {
			continue
		}
		if st := m.vpns[other]; st != nil && st.running && st.health == domain.HealthHealthy {
			e := &Emergency{FailedVPN: failed, HealthyVPN: other, EnteredAt: now}
			m.emergency = e
			return e
		}
	}
	return nil
}

func (m *Monitor) enterEmergency(ctx context.Context, e Emergency) {
	logging.Op().Error("entering emergency mode", "failed_vpn", e.FailedVPN, "healthy_vpn", e.HealthyVPN)
	debug.VPN(e.FailedVPN, "emergency_entered", map[string]any{"healthy_vpn": e.HealthyVPN})
	metrics.SetEmergencyActive(true)
	m.evictEngines(ctx, e.FailedVPN, "vpn failed")
}

func (m *Monitor) exitEmergency(e Emergency) {
	logging.Op().Info("exiting emergency mode",
		"failed_vpn", e.FailedVPN, "duration", time.Since(e.EnteredAt).Round(time.Second))
	debug.VPN(e.FailedVPN, "emergency_exited", map[string]any{
		"duration_s": int(time.Since(e.EnteredAt).Seconds()),
	})
	metrics.SetEmergencyActive(false)
}

// handlePortChange replaces the forwarded engine after the provider moved
// the port. The autoscaler provisions the successor with the new port.
func (m *Monitor) handlePortChange(ctx context.Context, vpn string, oldPort, newPort int) {
	logging.Op().Warn("vpn forwarded port changed", "vpn", vpn, "old", oldPort, "new", newPort)
	debug.VPN(vpn, "port_change", map[string]any{"old": oldPort, "new": newPort})
	metrics.IncPortChange(vpn)

	for _, e := range m.reg.EnginesOnVPN(vpn) {
		if !e.Forwarded {
			continue
		}
		if _, err := m.reg.RemoveEngine(ctx, e.ContainerID); err != nil {
			logging.Op().Warn("could not deregister forwarded engine", "container_id", e.ContainerID, "error", err)
			continue
		}
		if err := m.driver.StopBatch(ctx, []string{e.ContainerID}, m.stopTimeout); err != nil {
			logging.Op().Warn("could not stop forwarded engine", "container_id", e.ContainerID, "error", err)
		}
	}
}

// evictEngines deregisters and stops every engine on the named sidecar.
func (m *Monitor) evictEngines(ctx context.Context, vpn, reason string) {
	engines := m.reg.EnginesOnVPN(vpn)
	if len(engines) == 0 {
		return
	}
	ids := make([]string, 0, len(engines))
	for _, e := range engines {
		if _, err := m.reg.RemoveEngine(ctx, e.ContainerID); err != nil {
			logging.Op().Warn("could not deregister engine", "container_id", e.ContainerID, "error", err)
			continue
		}
		ids = append(ids, e.ContainerID)
	}
	logging.Op().Warn("evicting engines", "vpn", vpn, "count", len(ids), "reason", reason)
	if err := m.driver.StopBatch(ctx, ids, m.stopTimeout); err != nil {
		logging.Op().Warn("engine eviction stop failed", "vpn", vpn, "error", err)
	}
}

func (m *Monitor) restartSidecar(ctx context.Context, name string) {
	logging.Op().Warn("restarting unhealthy vpn sidecar", "vpn", name)
	debug.VPN(name, "restart", nil)
	if err := m.driver.Restart(ctx, name, m.stopTimeout); err != nil {
		logging.Op().Error("vpn restart failed", "vpn", name, "error", err)
	}
}

// fetchPort returns the sidecar's forwarded port, served from a TTL cache
// with concurrent fetches collapsed.
func (m *Monitor) fetchPort(ctx context.Context, name string) (int, error) {
	m.mu.RLock()
	st := m.vpns[name]
	observed, at := st.observedPort, st.portFetchedAt
	m.mu.RUnlock()

	if !at.IsZero() && time.Since(at) < m.cfg.PortCacheTTL {
		return observed, nil
	}

	v, err, _ := m.group.Do(name, func() (any, error) {
		port, err := m.ctl.forwardedPort(ctx, name)
		if err != nil {
			return 0, err
		}
		m.mu.Lock()
		st.observedPort = port
		st.portFetchedAt = time.Now()
		m.mu.Unlock()
		return port, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
