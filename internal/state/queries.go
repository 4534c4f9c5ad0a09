package state

import (
	"sort"

	"github.com/oriys/quasar/internal/domain"
)

// StreamFilter narrows Streams output. Zero values match everything.
type StreamFilter struct {
	Status      domain.StreamStatus
	ContainerID string
}

// Engines returns copies of every registered engine, oldest first.
func (r *Registry) Engines() []domain.Engine {
	r.mu.RLock()
	out := make([]domain.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ContainerID < out[j].ContainerID
	})
	return out
}

// Engine looks an engine up by container id.
func (r *Registry) Engine(containerID string) (domain.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[containerID]
	if !ok {
		return domain.Engine{}, false
	}
	return *e, true
}

// EngineByHostPort looks an engine up by the address the proxy dials.
func (r *Registry) EngineByHostPort(host string, port int) (domain.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHostPort[hostPortKey(host, port)]
	if !ok {
		return domain.Engine{}, false
	}
	e, ok := r.engines[id]
	if !ok {
		return domain.Engine{}, false
	}
	return *e, true
}

// EnginesOnVPN returns engines attached to the named sidecar.
func (r *Registry) EnginesOnVPN(vpn string) []domain.Engine {
	r.mu.RLock()
	var out []domain.Engine
	for _, e := range r.engines {
		if e.VPNContainer == vpn {
			out = append(out, *e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}

// EnginesByLabel returns engines carrying label key=value.
func (r *Registry) EnginesByLabel(key, value string) []domain.Engine {
	r.mu.RLock()
	var out []domain.Engine
	for _, e := range r.engines {
		if e.Labels[key] == value {
			out = append(out, *e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}

// Streams returns stream copies matching the filter, newest first.
func (r *Registry) Streams(f StreamFilter) []domain.Stream {
	r.mu.RLock()
	var out []domain.Stream
	for _, st := range r.streams {
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		if f.ContainerID != "" && st.ContainerID != f.ContainerID {
			continue
		}
		out = append(out, *st)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stream looks a stream up by id.
func (r *Registry) Stream(id string) (domain.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.streams[id]
	if !ok {
		return domain.Stream{}, false
	}
	return *st, true
}

// VPNLoads counts registered engines per VPN container. Engines outside any
// VPN count under the empty key.
func (r *Registry) VPNLoads() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range r.engines {
		out[e.VPNContainer]++
	}
	return out
}

// Counts reports total, free (zero active streams) and used engine counts.
func (r *Registry) Counts() (total, free, used int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.engines)
	for id := range r.engines {
		if len(r.engineStreams[id]) == 0 {
			free++
		} else {
			used++
		}
	}
	return total, free, used
}

// SelectEngine picks the engine a new stream should land on: lowest load
// under maxStreams, ties preferring the forwarded engine, then name order.
func (r *Registry) SelectEngine(maxStreams int) (domain.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *domain.Engine
	for _, e := range r.engines {
		if maxStreams > 0 && e.Streams >= maxStreams {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		switch {
		case e.Streams < best.Streams:
			best = e
		case e.Streams == best.Streams && e.Forwarded && !best.Forwarded:
			best = e
		case e.Streams == best.Streams && e.Forwarded == best.Forwarded && e.ContainerID < best.ContainerID:
			best = e
		}
	}
	if best == nil {
		return domain.Engine{}, false
	}
	return *best, true
}
