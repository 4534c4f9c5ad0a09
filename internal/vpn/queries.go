package vpn

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// Candidates returns the sidecars new engines may target right now:
// running, healthy, past stabilization, and during an emergency only the
// surviving one. Order follows the configuration, which also fixes the
// lexical tie-break used by the provisioner.
func (m *Monitor) Candidates() []string {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, name := range m.order {
		if m.emergency != nil && name != m.emergency.HealthyVPN {
			continue
		}
		st := m.vpns[name]
		if st == nil || !st.running || st.health != domain.HealthHealthy {
			continue
		}
		if now.Before(st.stabilizeUntil) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// ForwardedPort returns the provider-assigned P2P port for a sidecar, zero
// when the provider has none. Served from the TTL cache when fresh.
func (m *Monitor) ForwardedPort(ctx context.Context, vpn string) (int, error) {
	m.mu.RLock()
	_, known := m.vpns[vpn]
	m.mu.RUnlock()
	if !known {
		return 0, nil
	}
	return m.fetchPort(ctx, vpn)
}

// Status returns the per-VPN snapshots in configured order.
func (m *Monitor) Status() []Status {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		st := m.vpns[name]
		if st == nil {
			continue
		}
		s := Status{
			Container:     name,
			Running:       st.running,
			Health:        st.health,
			Stabilizing:   now.Before(st.stabilizeUntil),
			ForwardedPort: st.forwardedPort,
			LastCheck:     st.lastCheck,
			LastError:     st.lastErr,
		}
		if s.Stabilizing {
			until := st.stabilizeUntil
			s.StabilizingUntil = &until
		}
		out = append(out, s)
	}
	return out
}

// Connected reports whether any sidecar has a healthy tunnel.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.vpns {
		if st.running && st.health == domain.HealthHealthy {
			return true
		}
	}
	return false
}

// Emergency returns the active failover record, if any.
func (m *Monitor) Emergency() (Emergency, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.emergency == nil {
		return Emergency{}, false
	}
	return *m.emergency, true
}

// EmergencyActive reports whether a failover is in progress. The autoscaler
// and engine health monitor pause while it is.
func (m *Monitor) EmergencyActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergency != nil
}
