package state

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/docker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// ContainerLister is the slice of the container driver rehydration needs.
type ContainerLister interface {
	List(ctx context.Context, labelFilter string) ([]docker.ContainerInfo, error)
}

// Rehydrate rebuilds the registry from live managed containers after a
// restart. Ports are re-reserved from the host-port label. The forwarded
// label is honored once per VPN, oldest container first; later claimants
// keep the label on the container but run demoted in memory. Returns the
// number of engines recovered.
func (r *Registry) Rehydrate(ctx context.Context, lister ContainerLister) (int, error) {
	infos, err := lister.List(ctx, domain.ManagedLabelFilter)
	if err != nil {
		return 0, err
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].StartedAt.Before(infos[j].StartedAt)
		}
		return infos[i].ID < infos[j].ID
	})

	recovered := 0
	now := time.Now()
	for _, info := range infos {
		if !info.Running {
			continue
		}
		raw, ok := info.Labels[domain.LabelHostHTTPPort]
		if !ok {
			// Managed but not an engine, e.g. an operator one-off.
			continue
		}
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 {
			logging.Op().Warn("managed container has an unusable port label, skipping",
				"container_id", info.ID, "name", info.Name, "label", raw)
			continue
		}
		vpn := info.Labels[domain.LabelVPNContainer]
		name := strings.TrimPrefix(info.Name, "/")
		host := vpn
		if host == "" {
			host = name
		}

		e := &domain.Engine{
			ContainerID:     info.ID,
			ContainerName:   name,
			Host:            host,
			Port:            port,
			Labels:          copyLabels(info.Labels),
			VPNContainer:    vpn,
			Forwarded:       info.Labels[domain.LabelForwarded] == "true",
			HealthStatus:    domain.HealthUnknown,
			FirstSeen:       info.StartedAt,
			LastSeen:        now,
			LastStreamUsage: now,
		}

		if r.ports != nil {
			if err := r.ports.ReserveSpecific(vpn, port); err != nil {
				logging.Op().Warn("could not re-reserve port for recovered engine",
					"container_id", info.ID, "port", port, "error", err)
			}
		}

		r.mu.Lock()
		if e.Forwarded {
			if holder, held := r.forwarded[vpn]; held && holder != e.ContainerID {
				logging.Op().Warn("demoting duplicate forwarded engine",
					"vpn", vpn, "holder", holder, "demoted", e.ContainerID)
				e.Forwarded = false
			} else {
				r.forwarded[vpn] = e.ContainerID
			}
		}
		r.engines[e.ContainerID] = e
		r.byHostPort[hostPortKey(e.Host, e.Port)] = e.ContainerID
		r.engineStreams[e.ContainerID] = make(map[string]bool)
		cp := *e
		r.mu.Unlock()

		r.mirrorSaveEngine(cp)
		recovered++
	}

	if recovered > 0 {
		logging.Op().Info("rehydrated engines from running containers", "count", recovered)
		r.notifyChange()
	}
	return recovered, nil
}
