// Package state holds the authoritative in-memory view of engines and
// streams. Mutations take the registry lock, collect their side effects, and
// run them after release: proxy teardown, database mirroring, and cache
// invalidation never execute under the lock, and no method here calls the
// container driver.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/store"
)

const mirrorTimeout = 3 * time.Second

// PortBook returns and re-reserves engine ports. Implemented by the port
// allocator.
type PortBook interface {
	Release(vpn string, port int)
	ReserveSpecific(vpn string, port int) error
}

// ProxyNotifier tears a stream down on the media proxies. Implementations
// swallow delivery failures.
type ProxyNotifier interface {
	StopStreamByKey(ctx context.Context, key string)
}

// Registry is the single source of truth for engine and stream state.
// byHostPort maps host:port to container id. forwarded maps a VPN to the
// container id, or pre-start claim token, holding its forwarded slot.
type Registry struct {
	mu            sync.RWMutex
	engines       map[string]*domain.Engine
	streams       map[string]*domain.Stream
	byHostPort    map[string]string
	forwarded     map[string]string
	engineStreams map[string]map[string]bool
	stats         map[string][]domain.StatSnapshot

	ports      PortBook
	mirror     store.Mirror
	proxies    ProxyNotifier
	invalidate func()
}

// New builds an empty registry. A nil mirror disables persistence.
func New(ports PortBook, mirror store.Mirror) *Registry {
	if mirror == nil {
		mirror = store.NewNoop()
	}
	return &Registry{
		engines:       make(map[string]*domain.Engine),
		streams:       make(map[string]*domain.Stream),
		byHostPort:    make(map[string]string),
		forwarded:     make(map[string]string),
		engineStreams: make(map[string]map[string]bool),
		stats:         make(map[string][]domain.StatSnapshot),
		ports:         ports,
		mirror:        mirror,
	}
}

// SetProxyNotifier registers the proxy teardown hook.
func (r *Registry) SetProxyNotifier(n ProxyNotifier) {
	r.mu.Lock()
	r.proxies = n
	r.mu.Unlock()
}

// SetInvalidator registers the response-cache invalidation hook, called
// after every engine or stream transition.
func (r *Registry) SetInvalidator(fn func()) {
	r.mu.Lock()
	r.invalidate = fn
	r.mu.Unlock()
}

// AddEngine inserts a freshly provisioned engine. When the engine claims the
// forwarded slot the claim must already be held under its container name or
// id; a slot held by anyone else fails with ErrForwardedTaken.
func (r *Registry) AddEngine(e *domain.Engine) error {
	if e.ContainerID == "" {
		return fmt.Errorf("%w: engine container id is required", domain.ErrValidation)
	}
	cp := cloneEngine(e)
	now := time.Now()
	if cp.FirstSeen.IsZero() {
		cp.FirstSeen = now
	}
	cp.LastSeen = now

	r.mu.Lock()
	if cp.Forwarded {
		cur, held := r.forwarded[cp.VPNContainer]
		if held && cur != cp.ContainerName && cur != cp.ContainerID {
			r.mu.Unlock()
			return fmt.Errorf("%w: vpn %s already has %s", domain.ErrForwardedTaken, cp.VPNContainer, cur)
		}
		r.forwarded[cp.VPNContainer] = cp.ContainerID
	}
	r.engines[cp.ContainerID] = cp
	r.byHostPort[hostPortKey(cp.Host, cp.Port)] = cp.ContainerID
	if r.engineStreams[cp.ContainerID] == nil {
		r.engineStreams[cp.ContainerID] = make(map[string]bool)
	}
	r.mu.Unlock()

	r.mirrorSaveEngine(*cp)
	r.notifyChange()
	return nil
}

// RemoveEngine deletes an engine and cascades: active streams flip to ended,
// the port returns to its pool, and a forwarded slot held by this engine is
// cleared. The container itself is the caller's problem; nothing here talks
// to the driver.
func (r *Registry) RemoveEngine(ctx context.Context, containerID string) (domain.Engine, error) {
	r.mu.Lock()
	e, ok := r.engines[containerID]
	if !ok {
		r.mu.Unlock()
		return domain.Engine{}, fmt.Errorf("%w: engine %s", domain.ErrNotFound, containerID)
	}

	now := time.Now()
	var ended []domain.Stream
	for id := range r.engineStreams[containerID] {
		st := r.streams[id]
		if st == nil || st.Status != domain.StreamStarted {
			continue
		}
		st.Status = domain.StreamEnded
		endedAt := now
		st.EndedAt = &endedAt
		ended = append(ended, *st)
	}
	delete(r.engineStreams, containerID)
	delete(r.engines, containerID)
	delete(r.byHostPort, hostPortKey(e.Host, e.Port))
	if r.forwarded[e.VPNContainer] == containerID {
		delete(r.forwarded, e.VPNContainer)
	}
	if r.ports != nil && e.Port > 0 {
		r.ports.Release(e.VPNContainer, e.Port)
	}
	removed := *e
	removed.Streams = 0
	r.mu.Unlock()

	for _, st := range ended {
		r.notifyProxies(ctx, st.Key)
		r.mirrorSaveStream(st)
	}
	r.mirrorDeleteEngine(removed.ContainerID)
	r.notifyChange()
	return removed, nil
}

// ClaimForwarded reserves the forwarded slot for a not-yet-started engine.
// Reports false when another holder exists; re-claiming under the same token
// succeeds.
func (r *Registry) ClaimForwarded(vpn, token string) bool {
	if vpn == "" || token == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, held := r.forwarded[vpn]
	if held && cur != token {
		return false
	}
	r.forwarded[vpn] = token
	return true
}

// ReleaseForwardedClaim undoes ClaimForwarded after a failed provision. Only
// the named token is released.
func (r *Registry) ReleaseForwardedClaim(vpn, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forwarded[vpn] == token {
		delete(r.forwarded, vpn)
	}
}

// HasForwardedEngine reports whether the VPN's forwarded slot is occupied,
// by a running engine or a pending claim.
func (r *Registry) HasForwardedEngine(vpn string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.forwarded[vpn]
	return ok
}

// ForwardedEngine resolves the forwarded slot to a registered engine.
func (r *Registry) ForwardedEngine(vpn string) (domain.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.forwarded[vpn]
	if !ok {
		return domain.Engine{}, false
	}
	e, ok := r.engines[id]
	if !ok {
		return domain.Engine{}, false
	}
	return *e, true
}

// MarkHealth updates an engine's probe result.
func (r *Registry) MarkHealth(containerID string, status domain.HealthStatus, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[containerID]; ok {
		e.HealthStatus = status
		e.LastHealthCheck = at
		e.LastSeen = at
	}
}

// MarkCacheCleanup records a completed cache purge and the bytes it freed.
func (r *Registry) MarkCacheCleanup(containerID string, at time.Time, sizeBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[containerID]; ok {
		e.LastCacheCleanup = at
		e.CacheSizeBytes = sizeBytes
	}
}

func (r *Registry) notifyChange() {
	r.mu.RLock()
	fn := r.invalidate
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (r *Registry) notifyProxies(ctx context.Context, key string) {
	r.mu.RLock()
	n := r.proxies
	r.mu.RUnlock()
	if n != nil {
		n.StopStreamByKey(ctx, key)
	}
}

func (r *Registry) mirrorSaveEngine(e domain.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.SaveEngine(ctx, &e); err != nil {
		logging.Op().Warn("engine mirror write failed", "container_id", e.ContainerID, "error", err)
	}
}

func (r *Registry) mirrorDeleteEngine(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.DeleteEngine(ctx, containerID); err != nil {
		logging.Op().Warn("engine mirror delete failed", "container_id", containerID, "error", err)
	}
}

func (r *Registry) mirrorSaveStream(st domain.Stream) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.SaveStream(ctx, &st); err != nil {
		logging.Op().Warn("stream mirror write failed", "stream_id", st.ID, "error", err)
	}
}

func hostPortKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func cloneEngine(e *domain.Engine) *domain.Engine {
	cp := *e
	cp.Labels = copyLabels(e.Labels)
	return &cp
}

func copyLabels(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
