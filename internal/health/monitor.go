// Package health keeps per-engine liveness fresh and reclaims disk from
// idle engines. Each cycle probes every engine's HTTP API and, for engines
// with no active streams, purges the on-disk media cache once the cleanup
// interval has elapsed.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/debug"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// cacheDir is where the engine accumulates stream segments. The purge
// command empties it without touching engine config or logs.
const cacheDir = "/home/appuser/.ACEStream/.acestream_cache"

// probeConcurrency bounds parallel engine probes per cycle.
const probeConcurrency = 8

// EngineState is the slice of the registry the monitor reads and updates.
type EngineState interface {
	Engines() []domain.Engine
	MarkHealth(containerID string, status domain.HealthStatus, at time.Time)
	MarkCacheCleanup(containerID string, at time.Time, sizeBytes int64)
}

// ContainerExec runs commands inside engine containers.
type ContainerExec interface {
	Exec(ctx context.Context, id string, argv []string) (int, string, string, error)
}

// EmergencyFlag reports whether a VPN failover is in progress; the monitor
// idles completely during one.
type EmergencyFlag interface {
	EmergencyActive() bool
}

// Monitor probes engines and schedules cache reclamation.
type Monitor struct {
	cfg    config.HealthConfig
	reg    EngineState
	exec   ContainerExec
	vpns   EmergencyFlag
	client *http.Client
}

// New builds a monitor. vpns may be nil when no VPN is configured.
func New(cfg config.HealthConfig, reg EngineState, exec ContainerExec, vpns EmergencyFlag) *Monitor {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		reg:    reg,
		exec:   exec,
		vpns:   vpns,
		client: &http.Client{Timeout: timeout},
	}
}

// Run drives the check loop until ctx ends. The first check happens
// immediately so rehydrated engines get a status before the first tick.
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

// CheckNow probes every engine once and runs due cache cleanups.
func (m *Monitor) CheckNow(ctx context.Context) {
	if m.vpns != nil && m.vpns.EmergencyActive() {
		logging.Op().Debug("engine health checks paused during vpn emergency")
		return
	}

	engines := m.reg.Engines()
	if len(engines) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i := range engines {
		e := engines[i]
		g.Go(func() error {
			m.checkEngine(gctx, &e)
			return nil
		})
	}
	g.Wait()
}

func (m *Monitor) checkEngine(ctx context.Context, e *domain.Engine) {
	now := time.Now()
	start := now

	status := domain.HealthUnhealthy
	if err := m.probe(ctx, e); err != nil {
		logging.Op().Debug("engine probe failed", "container_id", e.ContainerID, "addr", e.HostPort(), "error", err)
	} else {
		status = domain.HealthHealthy
	}
	elapsed := time.Since(start)

	m.reg.MarkHealth(e.ContainerID, status, now)
	metrics.RecordEngineProbe(elapsed)
	debug.Health(e.ContainerID, status == domain.HealthHealthy, elapsed)

	if status == domain.HealthHealthy && m.cleanupDue(e, now) {
		m.cleanCache(ctx, e, now)
	}
}

// probe hits the engine service-status endpoint. Any HTTP response from
// the engine counts as alive; transport errors and timeouts do not.
func (m *Monitor) probe(ctx context.Context, e *domain.Engine) error {
	url := fmt.Sprintf("http://%s/webui/api/service?method=get_status", e.HostPort())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("engine status %d", resp.StatusCode)
	}
	return nil
}

func (m *Monitor) cleanupDue(e *domain.Engine, now time.Time) bool {
	if m.cfg.CleanupInterval <= 0 || e.Streams > 0 {
		return false
	}
	return now.Sub(e.LastCacheCleanup) > m.cfg.CleanupInterval
}

// cleanCache measures the cache then empties it. The pre-purge size is what
// gets recorded: it tells operators how much the cleanup reclaimed.
func (m *Monitor) cleanCache(ctx context.Context, e *domain.Engine, now time.Time) {
	size := m.cacheSize(ctx, e.ContainerID)

	code, _, stderr, err := m.exec.Exec(ctx, e.ContainerID, []string{"sh", "-c", "rm -rf " + cacheDir + "/*"})
	if err != nil {
		logging.Op().Warn("cache purge failed", "container_id", e.ContainerID, "error", err)
		return
	}
	if code != 0 {
		logging.Op().Warn("cache purge exited nonzero", "container_id", e.ContainerID, "code", code, "stderr", strings.TrimSpace(stderr))
		return
	}

	m.reg.MarkCacheCleanup(e.ContainerID, now, size)
	metrics.RecordCacheCleanup()
	logging.Op().Info("engine cache purged", "container_id", e.ContainerID, "reclaimed_bytes", size)
}

// cacheSize returns the cache directory size in bytes, 0 when unreadable.
func (m *Monitor) cacheSize(ctx context.Context, containerID string) int64 {
	code, stdout, _, err := m.exec.Exec(ctx, containerID, []string{"sh", "-c", "du -sb " + cacheDir + " 2>/dev/null | cut -f1"})
	if err != nil || code != 0 {
		return 0
	}
	size, err := strconv.ParseInt(strings.TrimSpace(stdout), 10, 64)
	if err != nil {
		return 0
	}
	return size
}
