package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/docker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/ports"
	"github.com/oriys/quasar/internal/state"
	"github.com/oriys/quasar/internal/variant"
)

type fakeVPNs struct {
	candidates []string
	ports      map[string]int
	portErr    error
}

func (f *fakeVPNs) Candidates() []string { return f.candidates }

func (f *fakeVPNs) ForwardedPort(ctx context.Context, vpn string) (int, error) {
	if f.portErr != nil {
		return 0, f.portErr
	}
	return f.ports[vpn], nil
}

// gateLauncher records container specs and can hold calls open so tests can
// overlap provisions deterministically.
type gateLauncher struct {
	mu      sync.Mutex
	specs   []docker.ContainerSpec
	stopped []string
	err     error
	started chan struct{}
	release chan struct{}
	seq     int
}

func (g *gateLauncher) CreateAndStart(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	g.mu.Lock()
	g.seq++
	id := fmt.Sprintf("ace-%d", g.seq)
	g.specs = append(g.specs, spec)
	err := g.err
	g.mu.Unlock()

	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (g *gateLauncher) Stop(ctx context.Context, id string, timeout time.Duration) error {
	g.mu.Lock()
	g.stopped = append(g.stopped, id)
	g.mu.Unlock()
	return nil
}

func (g *gateLauncher) networkModes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.specs))
	for i, s := range g.specs {
		out[i] = s.NetworkMode
	}
	return out
}

type fixture struct {
	prov  *Provisioner
	reg   *state.Registry
	alloc *ports.Allocator
	drv   *gateLauncher
	vpns  *fakeVPNs
	brk   *circuitbreaker.Breaker
}

// newFixture wires a provisioner against a real allocator, registry, and
// breaker. Each candidate VPN gets a ten-port pool starting at 40000,
// 41000, and so on; mode none gets the global pool.
func newFixture(t *testing.T, mode config.VPNMode, candidates []string) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.VPN.Mode = mode

	alloc := ports.New(cfg.Scaling.MaxActiveReplicas)
	if mode == config.VPNModeNone {
		if err := alloc.AddPool("", 40000, 40009); err != nil {
			t.Fatalf("AddPool: %v", err)
		}
	}
	for i, vpn := range candidates {
		lo := 40000 + 1000*i
		if err := alloc.AddPool(vpn, lo, lo+9); err != nil {
			t.Fatalf("AddPool(%s): %v", vpn, err)
		}
	}

	reg := state.New(alloc, nil)
	drv := &gateLauncher{}
	vpns := &fakeVPNs{candidates: candidates, ports: map[string]int{}}
	brk := circuitbreaker.New(circuitbreaker.Config{Threshold: 2, Timeout: time.Minute})

	prov := New(cfg, Deps{
		VPNs:     vpns,
		Ports:    alloc,
		State:    reg,
		Driver:   drv,
		Variants: variant.NewManager("acestream/engine:latest"),
		Breaker:  brk,
	})
	return &fixture{prov: prov, reg: reg, alloc: alloc, drv: drv, vpns: vpns, brk: brk}
}

func TestProvisionFirstEngineIsForwarded(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})
	f.vpns.ports["gluetun"] = 23000

	resp, err := f.prov.ProvisionAce(context.Background(), nil)
	if err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}

	if resp.Host != "gluetun" || resp.HostHTTPPort != 40000 {
		t.Errorf("addr = %s:%d, want gluetun:40000", resp.Host, resp.HostHTTPPort)
	}
	if !resp.Forwarded || resp.P2PPort != 23000 {
		t.Errorf("forwarded = %v p2p = %d, want true 23000", resp.Forwarded, resp.P2PPort)
	}
	if resp.ContainerHTTPPort != 40000 || resp.ContainerHTTPSPort != 6880 {
		t.Errorf("container ports = %d/%d, want 40000/6880", resp.ContainerHTTPPort, resp.ContainerHTTPSPort)
	}

	spec := f.drv.specs[0]
	if spec.NetworkMode != "container:gluetun" {
		t.Errorf("network mode = %q", spec.NetworkMode)
	}
	if len(spec.Ports) != 0 {
		t.Errorf("shared-namespace engine published ports %v", spec.Ports)
	}
	if spec.Env["HTTP_PORT"] != "40000" || spec.Env["P2P_PORT"] != "23000" {
		t.Errorf("env = %v", spec.Env)
	}
	if spec.Labels[domain.LabelManaged] != "true" ||
		spec.Labels[domain.LabelVPNContainer] != "gluetun" ||
		spec.Labels[domain.LabelForwarded] != "true" ||
		spec.Labels[domain.LabelHostHTTPPort] != "40000" {
		t.Errorf("labels = %v", spec.Labels)
	}
	if !strings.HasPrefix(spec.Name, "acestream-40000-") {
		t.Errorf("container name = %q", spec.Name)
	}

	e, ok := f.reg.Engine(resp.ContainerID)
	if !ok {
		t.Fatal("engine not registered")
	}
	if !e.Forwarded || e.P2PPort != 23000 {
		t.Errorf("registered engine forwarded = %v p2p = %d", e.Forwarded, e.P2PPort)
	}
	if f.alloc.Reserved() != 1 {
		t.Errorf("reserved ports = %d, want 1", f.alloc.Reserved())
	}
}

func TestSecondEngineIsNotForwarded(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})
	f.vpns.ports["gluetun"] = 23000
	ctx := context.Background()

	first, err := f.prov.ProvisionAce(ctx, nil)
	if err != nil {
		t.Fatalf("first ProvisionAce: %v", err)
	}
	second, err := f.prov.ProvisionAce(ctx, nil)
	if err != nil {
		t.Fatalf("second ProvisionAce: %v", err)
	}

	if second.Forwarded || second.P2PPort != 0 {
		t.Errorf("second engine forwarded = %v p2p = %d", second.Forwarded, second.P2PPort)
	}
	if second.HostHTTPPort != 40001 {
		t.Errorf("second port = %d, want 40001", second.HostHTTPPort)
	}
	fwd, ok := f.reg.ForwardedEngine("gluetun")
	if !ok || fwd.ContainerID != first.ContainerID {
		t.Errorf("forwarded slot holder = %+v, want %s", fwd, first.ContainerID)
	}
}

func TestProvisionPicksLeastLoadedVPN(t *testing.T) {
	f := newFixture(t, config.VPNModeRedundant, []string{"vpn-a", "vpn-b"})
	ctx := context.Background()

	// Seed one engine on vpn-a so the next provision must go to vpn-b.
	if err := f.alloc.ReserveSpecific("vpn-a", 40000); err != nil {
		t.Fatalf("ReserveSpecific: %v", err)
	}
	err := f.reg.AddEngine(&domain.Engine{
		ContainerID: "seed", Host: "vpn-a", Port: 40000, VPNContainer: "vpn-a",
	})
	if err != nil {
		t.Fatalf("AddEngine: %v", err)
	}

	if _, err := f.prov.ProvisionAce(ctx, nil); err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}
	if _, err := f.prov.ProvisionAce(ctx, nil); err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}

	modes := f.drv.networkModes()
	want := []string{"container:vpn-b", "container:vpn-a"}
	for i := range want {
		if modes[i] != want[i] {
			t.Errorf("provision %d placed on %q, want %q", i+1, modes[i], want[i])
		}
	}
}

func TestConcurrentProvisionsBalance(t *testing.T) {
	f := newFixture(t, config.VPNModeRedundant, []string{"vpn-a", "vpn-b"})
	f.drv.started = make(chan struct{}, 3)
	f.drv.release = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.prov.ProvisionAce(context.Background(), nil); err != nil {
				t.Errorf("ProvisionAce: %v", err)
			}
		}()
	}
	// All three must reach the driver, which proves selection distributed
	// them before any engine landed in state.
	for i := 0; i < 3; i++ {
		<-f.drv.started
	}
	if got := f.prov.InFlight(); got != 3 {
		t.Errorf("InFlight = %d, want 3", got)
	}
	close(f.drv.release)
	wg.Wait()

	counts := map[string]int{}
	for _, mode := range f.drv.networkModes() {
		counts[mode]++
	}
	if counts["container:vpn-a"] != 2 || counts["container:vpn-b"] != 1 {
		t.Errorf("distribution = %v, want vpn-a:2 vpn-b:1", counts)
	}
	if got := f.prov.InFlight(); got != 0 {
		t.Errorf("InFlight after completion = %d, want 0", got)
	}
}

func TestDriverFailureReleasesEverything(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})
	f.vpns.ports["gluetun"] = 23000
	f.drv.err = errors.New("no such image")
	ctx := context.Background()

	_, err := f.prov.ProvisionAce(ctx, nil)
	if !errors.Is(err, domain.ErrContainerStart) {
		t.Fatalf("err = %v, want ErrContainerStart", err)
	}
	if f.alloc.Reserved() != 0 {
		t.Errorf("reserved ports = %d after failure, want 0", f.alloc.Reserved())
	}
	if f.reg.HasForwardedEngine("gluetun") {
		t.Error("forwarded claim leaked after failed provision")
	}

	// Threshold is 2: the next failure opens the circuit.
	if _, err := f.prov.ProvisionAce(ctx, nil); !errors.Is(err, domain.ErrContainerStart) {
		t.Fatalf("err = %v, want ErrContainerStart", err)
	}
	if f.brk.State() != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", f.brk.State())
	}

	calls := len(f.drv.specs)
	if _, err := f.prov.ProvisionAce(ctx, nil); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if len(f.drv.specs) != calls {
		t.Error("open circuit still reached the driver")
	}
}

func TestPinnedPortConflict(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})
	ctx := context.Background()

	if _, err := f.prov.ProvisionAce(ctx, nil); err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}

	taken := 40000
	_, err := f.prov.ProvisionAce(ctx, &domain.AceProvisionRequest{HostPort: &taken})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if f.alloc.Reserved() != 1 {
		t.Errorf("reserved ports = %d, want 1", f.alloc.Reserved())
	}
}

func TestNoCandidateVPN(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})
	f.vpns.candidates = nil

	_, err := f.prov.ProvisionAce(context.Background(), nil)
	if !errors.Is(err, domain.ErrNoVPNAvailable) {
		t.Fatalf("err = %v, want ErrNoVPNAvailable", err)
	}
	if len(f.drv.specs) != 0 {
		t.Error("driver called with no VPN available")
	}
}

func TestAtCapacity(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})
	f.prov.scaling.MaxActiveReplicas = 1
	ctx := context.Background()

	if _, err := f.prov.ProvisionAce(ctx, nil); err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}
	if _, err := f.prov.ProvisionAce(ctx, nil); !errors.Is(err, domain.ErrAtCapacity) {
		t.Fatalf("err = %v, want ErrAtCapacity", err)
	}
}

func TestModeNoneUsesGlobalPool(t *testing.T) {
	f := newFixture(t, config.VPNModeNone, nil)

	resp, err := f.prov.ProvisionAce(context.Background(), nil)
	if err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}
	if resp.Forwarded {
		t.Error("no-VPN engine marked forwarded")
	}
	if resp.Host != resp.ContainerName {
		t.Errorf("host = %q, want container name %q", resp.Host, resp.ContainerName)
	}

	spec := f.drv.specs[0]
	if spec.NetworkMode != "" {
		t.Errorf("network mode = %q, want default", spec.NetworkMode)
	}
	if spec.Ports[40000] != 40000 {
		t.Errorf("published ports = %v, want 40000:40000", spec.Ports)
	}
}

func TestForwardedLookupFailureStillProvisions(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})
	f.vpns.portErr = errors.New("control api down")

	resp, err := f.prov.ProvisionAce(context.Background(), nil)
	if err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}
	if resp.Forwarded {
		t.Error("engine forwarded despite failed port lookup")
	}
	if f.reg.HasForwardedEngine("gluetun") {
		t.Error("forwarded slot claimed despite failed port lookup")
	}
}

func TestRequestOverridesImageAndEnv(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})

	_, err := f.prov.ProvisionAce(context.Background(), &domain.AceProvisionRequest{
		Image: "custom/engine:pin",
		Env:   map[string]string{"EXTRA": "1"},
		Labels: map[string]string{
			"stream_group": "sports",
		},
	})
	if err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}

	spec := f.drv.specs[0]
	if spec.Image != "custom/engine:pin" {
		t.Errorf("image = %q", spec.Image)
	}
	if spec.Env["EXTRA"] != "1" {
		t.Errorf("env = %v, missing request override", spec.Env)
	}
	if spec.Labels[domain.LabelStreamGroup] != "sports" {
		t.Errorf("labels = %v, missing stream group", spec.Labels)
	}
}

func TestStreamGroupGeneratedWhenAbsent(t *testing.T) {
	f := newFixture(t, config.VPNModeSingle, []string{"gluetun"})

	if _, err := f.prov.ProvisionAce(context.Background(), nil); err != nil {
		t.Fatalf("ProvisionAce: %v", err)
	}
	if f.drv.specs[0].Labels[domain.LabelStreamGroup] == "" {
		t.Errorf("labels = %v, missing generated stream group", f.drv.specs[0].Labels)
	}
}

func TestGenericProvision(t *testing.T) {
	f := newFixture(t, config.VPNModeNone, nil)

	if _, err := f.prov.Generic(context.Background(), &domain.GenericProvisionRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation for missing image", err)
	}

	id, err := f.prov.Generic(context.Background(), &domain.GenericProvisionRequest{
		Image: "redis:7",
		Name:  "scratch-redis",
	})
	if err != nil {
		t.Fatalf("Generic: %v", err)
	}
	if id == "" {
		t.Fatal("empty container id")
	}
	spec := f.drv.specs[0]
	if spec.Labels[domain.LabelManaged] != "true" {
		t.Errorf("labels = %v, missing managed marker", spec.Labels)
	}
	if f.alloc.Reserved() != 0 {
		t.Error("generic provision consumed an engine port")
	}
}
