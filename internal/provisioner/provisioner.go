// Package provisioner launches engine containers. One provision walks the
// full path: pick a VPN, reserve a host port, claim the forwarded slot when
// it is free, render the variant template, start the container, register
// the engine. Any failure releases every resource taken so far.
//
// VPN selection is serialized by an assignment lock with per-VPN pending
// counters, so concurrent provisions can never both pick the same sidecar
// off stale load counts. A counter is only decremented after the engine is
// in state, which keeps the load visible to the next selection.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/debug"
	"github.com/oriys/quasar/internal/docker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/variant"
)

// VPNView is the slice of the VPN monitor consulted for placement.
type VPNView interface {
	// Candidates lists sidecars eligible for new engines right now.
	Candidates() []string
	// ForwardedPort returns the provider-assigned P2P port, zero when none.
	ForwardedPort(ctx context.Context, vpn string) (int, error)
}

// PortBook is the allocator slice engines draw host ports from.
type PortBook interface {
	Reserve(vpn string) (int, error)
	Pin(vpn string, port int) error
	Release(vpn string, port int)
	Reserved() int
}

// Launcher is the container driver slice.
type Launcher interface {
	CreateAndStart(ctx context.Context, spec docker.ContainerSpec) (string, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
}

// Registry is the state slice engines are registered through.
type Registry interface {
	VPNLoads() map[string]int
	HasForwardedEngine(vpn string) bool
	ClaimForwarded(vpn, token string) bool
	ReleaseForwardedClaim(vpn, token string)
	AddEngine(e *domain.Engine) error
}

// Deps wires the provisioner's collaborators.
type Deps struct {
	VPNs     VPNView
	Ports    PortBook
	State    Registry
	Driver   Launcher
	Variants *variant.Manager
	Breaker  *circuitbreaker.Breaker
}

// Provisioner builds and launches engines.
type Provisioner struct {
	scaling     config.ScalingConfig
	vpnMode     config.VPNMode
	stopTimeout time.Duration

	vpns     VPNView
	ports    PortBook
	reg      Registry
	driver   Launcher
	variants *variant.Manager
	breaker  *circuitbreaker.Breaker

	mu      sync.Mutex // assignment lock guarding pending
	pending map[string]int
}

// New builds a provisioner from the daemon configuration.
func New(cfg *config.Config, d Deps) *Provisioner {
	return &Provisioner{
		scaling:     cfg.Scaling,
		vpnMode:     cfg.VPN.Mode,
		stopTimeout: cfg.Docker.StopTimeout,
		vpns:        d.VPNs,
		ports:       d.Ports,
		reg:         d.State,
		driver:      d.Driver,
		variants:    d.Variants,
		breaker:     d.Breaker,
		pending:     make(map[string]int),
	}
}

// ProvisionAce launches one engine and registers it. The response carries
// everything the proxy needs to address the engine.
func (p *Provisioner) ProvisionAce(ctx context.Context, req *domain.AceProvisionRequest) (*domain.AceProvisionResponse, error) {
	if req == nil {
		req = &domain.AceProvisionRequest{}
	}
	ctx, span := observability.StartSpan(ctx, "quasar.provision",
		observability.AttrVariant.String(p.variants.Active().Name),
	)
	defer span.End()

	if p.breaker.State() == circuitbreaker.StateOpen {
		metrics.RecordProvisionRejected("circuit_open")
		observability.SetSpanError(span, domain.ErrCircuitOpen)
		return nil, domain.ErrCircuitOpen
	}
	if max := p.scaling.MaxActiveReplicas; max > 0 && p.ports.Reserved() >= max {
		metrics.RecordProvisionRejected("at_capacity")
		err := fmt.Errorf("%d active replicas: %w", p.ports.Reserved(), domain.ErrAtCapacity)
		observability.SetSpanError(span, err)
		return nil, err
	}

	vpn, err := p.selectVPN()
	if err != nil {
		metrics.RecordProvisionRejected("no_vpn")
		observability.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(observability.AttrVPNContainer.String(vpnLabel(vpn)))

	start := time.Now()
	resp, err := p.launch(ctx, vpn, req)
	took := time.Since(start)
	p.releasePending(vpn)
	debug.Provisioning("provision_ace", vpn, took, err)
	metrics.RecordProvision(vpnLabel(vpn), took, err == nil)

	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			metrics.RecordProvisionRejected("circuit_open")
		}
		observability.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(
		observability.AttrContainerID.String(resp.ContainerID),
		observability.AttrEngineHost.String(resp.Host),
		observability.AttrHostPort.Int(resp.HostHTTPPort),
		observability.AttrForwarded.Bool(resp.Forwarded),
	)
	observability.SetSpanOK(span)
	logging.Op().Info("engine provisioned",
		"container_id", resp.ContainerID,
		"name", resp.ContainerName,
		"vpn", vpn,
		"port", resp.HostHTTPPort,
		"forwarded", resp.Forwarded,
		"took", took.Round(time.Millisecond))
	return resp, nil
}

// Generic launches an arbitrary managed container. It shares the breaker
// with engine provisioning but skips VPN and port accounting.
func (p *Provisioner) Generic(ctx context.Context, req *domain.GenericProvisionRequest) (string, error) {
	if req == nil || req.Image == "" {
		return "", fmt.Errorf("%w: image is required", domain.ErrValidation)
	}
	if p.breaker.State() == circuitbreaker.StateOpen {
		metrics.RecordProvisionRejected("circuit_open")
		return "", domain.ErrCircuitOpen
	}

	labels := make(map[string]string, len(req.Labels)+1)
	for k, v := range req.Labels {
		labels[k] = v
	}
	labels[domain.LabelManaged] = "true"
	name := req.Name
	if name == "" {
		name = "managed-" + nonce()
	}

	if !p.breaker.Allow() {
		metrics.RecordProvisionRejected("circuit_open")
		return "", domain.ErrCircuitOpen
	}
	start := time.Now()
	id, err := p.driver.CreateAndStart(ctx, docker.ContainerSpec{
		Name:   name,
		Image:  req.Image,
		Env:    req.Env,
		Cmd:    req.Cmd,
		Labels: labels,
		Ports:  req.Ports,
	})
	debug.Provisioning("provision_generic", "", time.Since(start), err)
	if err != nil {
		p.breaker.RecordFailure()
		return "", fmt.Errorf("%w: %v", domain.ErrContainerStart, err)
	}
	p.breaker.RecordSuccess()
	logging.Op().Info("managed container provisioned", "container_id", id, "name", name, "image", req.Image)
	return id, nil
}

// InFlight reports how many provisions are between VPN selection and state
// registration. The autoscaler's lookahead uses it to avoid double-starting.
func (p *Provisioner) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.pending {
		n += c
	}
	return n
}

// Pending snapshots the per-VPN pending counters.
func (p *Provisioner) Pending() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.pending))
	for vpn, c := range p.pending {
		if c > 0 {
			out[vpn] = c
		}
	}
	return out
}

// selectVPN picks the least-loaded eligible sidecar and bumps its pending
// counter. Loads are read under the assignment lock so concurrent selections
// observe each other's pending engines. Ties go to the lexically smallest
// name.
func (p *Provisioner) selectVPN() (string, error) {
	if p.vpnMode == config.VPNModeNone {
		p.mu.Lock()
		p.pending[""]++
		p.mu.Unlock()
		return "", nil
	}

	candidates := p.vpns.Candidates()
	if len(candidates) == 0 {
		return "", domain.ErrNoVPNAvailable
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	p.mu.Lock()
	defer p.mu.Unlock()
	loads := p.reg.VPNLoads()
	best := ""
	bestLoad := 0
	for _, vpn := range sorted {
		load := loads[vpn] + p.pending[vpn]
		if best == "" || load < bestLoad {
			best, bestLoad = vpn, load
		}
	}
	p.pending[best]++
	return best, nil
}

func (p *Provisioner) releasePending(vpn string) {
	p.mu.Lock()
	if p.pending[vpn] > 0 {
		p.pending[vpn]--
	}
	p.mu.Unlock()
}

// launch holds the port and forwarded claim, starts the container, and
// registers the engine. The breaker probe is consumed immediately before
// the driver call so every admitted probe resolves to a recorded outcome.
func (p *Provisioner) launch(ctx context.Context, vpn string, req *domain.AceProvisionRequest) (*domain.AceProvisionResponse, error) {
	v := p.variants.Active()
	image := v.Image
	if req.Image != "" {
		image = req.Image
	}

	var httpPort int
	var err error
	if req.HostPort != nil {
		httpPort = *req.HostPort
		err = p.ports.Pin(vpn, httpPort)
	} else {
		httpPort, err = p.ports.Reserve(vpn)
	}
	if err != nil {
		return nil, err
	}

	name := engineName(httpPort)

	forwarded := false
	p2pPort := 0
	if vpn != "" && !p.reg.HasForwardedEngine(vpn) {
		port, perr := p.vpns.ForwardedPort(ctx, vpn)
		switch {
		case perr != nil:
			logging.Op().Warn("forwarded port lookup failed", "vpn", vpn, "error", perr)
		case port > 0 && p.reg.ClaimForwarded(vpn, name):
			forwarded = true
			p2pPort = port
		}
	}
	release := func() {
		p.ports.Release(vpn, httpPort)
		if forwarded {
			p.reg.ReleaseForwardedClaim(vpn, name)
		}
	}

	env, args := v.Apply(httpPort, p2pPort)
	for k, val := range req.Env {
		env[k] = val
	}
	labels := engineLabels(req.Labels, vpn, httpPort, forwarded)

	spec := docker.ContainerSpec{
		Name:   name,
		Image:  image,
		Env:    env,
		Cmd:    args,
		Labels: labels,
	}
	host := name
	if vpn != "" {
		// The engine shares the sidecar's network namespace; the sidecar
		// publishes the port, so the proxy reaches it through the VPN name.
		spec.NetworkMode = "container:" + vpn
		host = vpn
	} else {
		spec.Ports = map[int]int{httpPort: httpPort}
	}

	if !p.breaker.Allow() {
		release()
		return nil, domain.ErrCircuitOpen
	}
	id, err := p.driver.CreateAndStart(ctx, spec)
	if err != nil {
		p.breaker.RecordFailure()
		release()
		return nil, fmt.Errorf("%w: %v", domain.ErrContainerStart, err)
	}

	now := time.Now()
	engine := &domain.Engine{
		ContainerID:     id,
		ContainerName:   name,
		Host:            host,
		Port:            httpPort,
		Labels:          labels,
		VPNContainer:    vpn,
		Forwarded:       forwarded,
		P2PPort:         p2pPort,
		HealthStatus:    domain.HealthUnknown,
		FirstSeen:       now,
		LastSeen:        now,
		LastStreamUsage: now,
	}
	if err := p.reg.AddEngine(engine); err != nil {
		p.breaker.RecordFailure()
		if serr := p.driver.Stop(ctx, id, p.stopTimeout); serr != nil {
			logging.Op().Warn("orphaned engine stop failed", "container_id", id, "error", serr)
		}
		release()
		return nil, err
	}
	p.breaker.RecordSuccess()

	return &domain.AceProvisionResponse{
		ContainerID:        id,
		ContainerName:      name,
		Host:               host,
		HostHTTPPort:       httpPort,
		ContainerHTTPPort:  httpPort,
		ContainerHTTPSPort: v.HTTPSPort,
		Forwarded:          forwarded,
		P2PPort:            p2pPort,
	}, nil
}

func engineLabels(extra map[string]string, vpn string, port int, forwarded bool) map[string]string {
	labels := make(map[string]string, len(extra)+5)
	for k, v := range extra {
		labels[k] = v
	}
	labels[domain.LabelManaged] = "true"
	labels[domain.LabelHostHTTPPort] = strconv.Itoa(port)
	if vpn != "" {
		labels[domain.LabelVPNContainer] = vpn
	}
	labels[domain.LabelForwarded] = strconv.FormatBool(forwarded)
	group := extra["stream_group"]
	if group == "" {
		group = nonce()
	}
	labels[domain.LabelStreamGroup] = group
	return labels
}

// engineName carries the port for operators and a nonce so a name is never
// reused while docker still holds the previous container.
func engineName(port int) string {
	return fmt.Sprintf("acestream-%d-%s", port, nonce())
}

func nonce() string {
	return uuid.NewString()[:8]
}

func vpnLabel(vpn string) string {
	if vpn == "" {
		return "none"
	}
	return vpn
}
