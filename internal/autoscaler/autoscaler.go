// Package autoscaler keeps the engine fleet sized to demand: a floor of
// free engines, a lookahead start when an engine is near its stream limit,
// and garbage collection of engines idle past their grace period.
package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// EngineState is the registry slice the autoscaler reads and reaps through.
type EngineState interface {
	Engines() []domain.Engine
	Counts() (total, free, used int)
	RemoveEngine(ctx context.Context, containerID string) (domain.Engine, error)
}

// Provisioner launches engines on demand.
type Provisioner interface {
	ProvisionAce(ctx context.Context, req *domain.AceProvisionRequest) (*domain.AceProvisionResponse, error)
	InFlight() int
}

// VPNStatus gates scaling during a failover.
type VPNStatus interface {
	EmergencyActive() bool
}

// ContainerStopper stops reaped engine containers.
type ContainerStopper interface {
	StopBatch(ctx context.Context, ids []string, timeout time.Duration) error
}

// Snapshot is the autoscaler's last-cycle summary for the status endpoint.
type Snapshot struct {
	LastCycle       time.Time `json:"last_cycle"`
	LastProvisioned int       `json:"last_provisioned"`
	LastReaped      int       `json:"last_reaped"`
	Paused          bool      `json:"paused"`
}

// Autoscaler drives the periodic sizing cycle.
type Autoscaler struct {
	cfg         config.ScalingConfig
	stopTimeout time.Duration

	state  EngineState
	prov   Provisioner
	vpns   VPNStatus
	driver ContainerStopper

	mu   sync.Mutex
	last Snapshot
}

// New validates the fleet bounds and builds the autoscaler. MinReplicas
// below one would let the fleet drain to nothing, so it is rejected.
func New(cfg config.ScalingConfig, stopTimeout time.Duration, st EngineState, prov Provisioner, vpns VPNStatus, driver ContainerStopper) (*Autoscaler, error) {
	if cfg.MinReplicas < 1 {
		return nil, fmt.Errorf("min replicas %d: at least one free engine must be kept", cfg.MinReplicas)
	}
	return &Autoscaler{
		cfg:         cfg,
		stopTimeout: stopTimeout,
		state:       st,
		prov:        prov,
		vpns:        vpns,
		driver:      driver,
	}, nil
}

// Run drives the cycle until ctx ends. The first cycle runs immediately so
// a fresh deployment reaches the free floor without waiting an interval.
func (a *Autoscaler) Run(ctx context.Context) {
	a.cycle(ctx, true)
	ticker := time.NewTicker(a.cfg.AutoscaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx, false)
		}
	}
}

// CycleNow runs one sizing cycle outside the schedule.
func (a *Autoscaler) CycleNow(ctx context.Context) {
	a.cycle(ctx, false)
}

// Status reports the last cycle's outcome.
func (a *Autoscaler) Status() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Autoscaler) cycle(ctx context.Context, initial bool) {
	if a.vpns != nil && a.vpns.EmergencyActive() && !initial {
		a.record(Snapshot{LastCycle: time.Now(), Paused: true})
		return
	}

	total, free, used := a.state.Counts()
	metrics.SetEngineCounts(total, free, used)

	desired := a.cfg.MinReplicas - free
	if desired < 0 {
		desired = 0
	}
	if free == 0 && a.prov.InFlight() == 0 && a.nearStreamLimit() {
		desired++
	}
	if limit := a.replicaCap(); limit > 0 {
		room := limit - total
		if room < 0 {
			room = 0
		}
		if desired > room {
			if room == 0 {
				logging.Op().Warn("fleet at replica cap, cannot grow",
					"total", total, "cap", limit, "free", free, "min_free", a.cfg.MinReplicas,
					"hint", "raise MAX_REPLICAS or lower MIN_REPLICAS")
			}
			desired = room
		}
	}

	provisioned := a.provision(ctx, desired)
	reaped := a.collectGarbage(ctx)

	a.record(Snapshot{LastCycle: time.Now(), LastProvisioned: provisioned, LastReaped: len(reaped)})
}

func (a *Autoscaler) record(s Snapshot) {
	a.mu.Lock()
	a.last = s
	a.mu.Unlock()
}

// nearStreamLimit reports whether any engine is one stream short of the
// per-engine maximum, the signal to start the next engine early.
func (a *Autoscaler) nearStreamLimit() bool {
	max := a.cfg.MaxStreamsPerEngine
	if max <= 1 {
		return false
	}
	for _, e := range a.state.Engines() {
		if e.Streams >= max-1 {
			return true
		}
	}
	return false
}

// replicaCap is the effective fleet ceiling.
func (a *Autoscaler) replicaCap() int {
	limit := a.cfg.MaxReplicas
	if a.cfg.MaxActiveReplicas > 0 && (limit == 0 || a.cfg.MaxActiveReplicas < limit) {
		limit = a.cfg.MaxActiveReplicas
	}
	return limit
}

func (a *Autoscaler) provision(ctx context.Context, n int) int {
	started := 0
	for i := 0; i < n; i++ {
		if _, err := a.prov.ProvisionAce(ctx, nil); err != nil {
			logging.Op().Warn("autoscale provision failed", "error", err)
			// These reject every sibling in this cycle too; stop early.
			if errors.Is(err, domain.ErrCircuitOpen) ||
				errors.Is(err, domain.ErrAtCapacity) ||
				errors.Is(err, domain.ErrNoVPNAvailable) {
				break
			}
			continue
		}
		started++
	}
	return started
}

// collectGarbage reaps engines idle past the grace period while keeping the
// free floor. Forwarded engines go last: a replacement cannot claim the P2P
// port until the provider hands it out again.
func (a *Autoscaler) collectGarbage(ctx context.Context) []string {
	if !a.cfg.AutoDelete {
		return nil
	}
	_, free, _ := a.state.Counts()
	budget := free - a.cfg.MinReplicas
	if budget <= 0 {
		return nil
	}

	now := time.Now()
	var victims []domain.Engine
	for _, e := range a.state.Engines() {
		if e.Streams != 0 {
			continue
		}
		if now.Sub(e.LastStreamUsage) <= a.cfg.EngineGracePeriod {
			continue
		}
		victims = append(victims, e)
	}
	if len(victims) == 0 {
		return nil
	}
	sortVictims(victims)
	if len(victims) > budget {
		victims = victims[:budget]
	}

	ids := make([]string, 0, len(victims))
	for _, e := range victims {
		if _, err := a.state.RemoveEngine(ctx, e.ContainerID); err != nil {
			logging.Op().Warn("gc deregister failed", "container_id", e.ContainerID, "error", err)
			continue
		}
		metrics.RecordEngineStopped("gc")
		ids = append(ids, e.ContainerID)
	}
	if len(ids) == 0 {
		return nil
	}
	logging.Op().Info("reaped idle engines", "count", len(ids), "grace", a.cfg.EngineGracePeriod)
	if err := a.driver.StopBatch(ctx, ids, a.stopTimeout); err != nil {
		logging.Op().Warn("gc container stop failed", "error", err)
	}
	return ids
}

// GCNow runs one garbage-collection pass outside the schedule and returns
// the container ids of the engines reaped.
func (a *Autoscaler) GCNow(ctx context.Context) []string {
	return a.collectGarbage(ctx)
}

// ScaleResult reports what a manual scale actually did.
type ScaleResult struct {
	Target  int `json:"target"`
	Started int `json:"started"`
	Stopped int `json:"stopped"`
	Total   int `json:"total"`
}

// ScaleTo moves the fleet toward n engines. Growing provisions through the
// normal path; shrinking only ever stops zero-stream engines, so the target
// may not be reached while streams are active.
func (a *Autoscaler) ScaleTo(ctx context.Context, n int) (ScaleResult, error) {
	if n < 0 {
		return ScaleResult{}, fmt.Errorf("%w: target %d", domain.ErrValidation, n)
	}
	if limit := a.replicaCap(); limit > 0 && n > limit {
		return ScaleResult{}, fmt.Errorf("%w: target %d exceeds cap %d", domain.ErrValidation, n, limit)
	}

	total, _, _ := a.state.Counts()
	res := ScaleResult{Target: n}
	switch {
	case n > total:
		res.Started = a.provision(ctx, n-total)
	case n < total:
		res.Stopped = a.stopIdle(ctx, total-n)
	}
	res.Total, _, _ = a.state.Counts()
	logging.Op().Info("manual scale",
		"target", n, "started", res.Started, "stopped", res.Stopped, "total", res.Total)
	return res, nil
}

// stopIdle removes up to n zero-stream engines regardless of grace period.
func (a *Autoscaler) stopIdle(ctx context.Context, n int) int {
	var victims []domain.Engine
	for _, e := range a.state.Engines() {
		if e.Streams == 0 {
			victims = append(victims, e)
		}
	}
	sortVictims(victims)
	if len(victims) > n {
		victims = victims[:n]
	}

	ids := make([]string, 0, len(victims))
	for _, e := range victims {
		if _, err := a.state.RemoveEngine(ctx, e.ContainerID); err != nil {
			continue
		}
		metrics.RecordEngineStopped("scale_down")
		ids = append(ids, e.ContainerID)
	}
	if len(ids) > 0 {
		if err := a.driver.StopBatch(ctx, ids, a.stopTimeout); err != nil {
			logging.Op().Warn("scale-down container stop failed", "error", err)
		}
	}
	return len(ids)
}

// sortVictims orders engines for removal: non-forwarded first, then longest
// idle.
func sortVictims(victims []domain.Engine) {
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Forwarded != victims[j].Forwarded {
			return !victims[i].Forwarded
		}
		return victims[i].LastStreamUsage.Before(victims[j].LastStreamUsage)
	})
}
