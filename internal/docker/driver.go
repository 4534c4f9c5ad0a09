// Package docker is a thin adapter over the docker CLI (simpler than the
// SDK and matches how operators debug: every action maps to a command they
// can re-run by hand). All calls are context-bounded and errors are typed.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/quasar/internal/logging"
)

const defaultTimeout = 30 * time.Second

// stopWorkers bounds parallel container stops so shutdown of a large fleet
// overlaps instead of serializing, without stampeding the daemon.
const stopWorkers = 10

// Config holds driver settings.
type Config struct {
	// Network is the docker network containers join when they do not share
	// a VPN sidecar's namespace.
	Network string
	// StopTimeout is passed to docker stop -t.
	StopTimeout time.Duration
	// DefaultTimeout bounds CLI calls whose context has no deadline.
	DefaultTimeout time.Duration
	// MemoryLimit is applied to every engine container when set ("1g").
	MemoryLimit string
}

// ContainerSpec describes one container to create and start.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    map[string]string
	Cmd    []string
	Labels map[string]string
	// Ports maps host port → container port. Ignored when NetworkMode
	// shares another container's namespace (ports must be published by
	// that container).
	Ports map[int]int
	// NetworkMode overrides Config.Network, e.g. "container:gluetun-1".
	NetworkMode string
}

// ContainerInfo is the subset of docker inspect the control plane reads.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Labels    map[string]string
	Running   bool
	ExitCode  int
	StartedAt time.Time
}

// ContainerEvent is one entry from the daemon's event stream.
type ContainerEvent struct {
	ID     string
	Action string
	Name   string
	Labels map[string]string
	Time   time.Time
}

// runFunc executes a docker CLI invocation. Swapped out in tests.
type runFunc func(ctx context.Context, args ...string) (stdout, stderr []byte, err error)

// Driver shells out to the docker CLI.
type Driver struct {
	cfg *Config
	run runFunc
}

// New verifies the docker CLI is reachable and returns a driver.
func New(cfg *Config) (*Driver, error) {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if err := exec.Command("docker", "version").Run(); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return &Driver{cfg: cfg, run: execRun}, nil
}

func execRun(ctx context.Context, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CreateAndStart runs the container detached and returns its id.
func (d *Driver) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	args := []string{"run", "-d", "--name", spec.Name}

	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, spec.Labels[k]))
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	sharedNS := strings.HasPrefix(spec.NetworkMode, "container:")
	if !sharedNS {
		for _, host := range sortedPorts(spec.Ports) {
			args = append(args, "-p", fmt.Sprintf("%d:%d", host, spec.Ports[host]))
		}
	}

	switch {
	case spec.NetworkMode != "":
		args = append(args, "--network", spec.NetworkMode)
	case d.cfg.Network != "":
		args = append(args, "--network", d.cfg.Network)
	}

	if d.cfg.MemoryLimit != "" {
		args = append(args, "--memory", d.cfg.MemoryLimit)
	}

	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	logging.Op().Debug("starting container",
		"image", spec.Image, "name", spec.Name, "network", spec.NetworkMode)

	stdout, stderr, err := d.run(ctx, args...)
	if err != nil {
		return "", classify("run", spec.Name, string(stderr), err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// Stop stops then force-removes the container.
func (d *Driver) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	if timeout <= 0 {
		timeout = d.cfg.StopTimeout
	}
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	if _, stderr, err := d.run(ctx, "stop", "-t", fmt.Sprintf("%d", secs), id); err != nil {
		e := classify("stop", id, string(stderr), err)
		if e.Kind != KindNotFound {
			// rm -f below still reaps a container that failed to stop
			// cleanly.
			logging.Op().Warn("docker stop failed, forcing removal", "container", short(id), "error", e)
		} else {
			return e
		}
	}
	if _, stderr, err := d.run(ctx, "rm", "-f", id); err != nil {
		e := classify("rm", id, string(stderr), err)
		if e.Kind != KindNotFound {
			return e
		}
	}
	return nil
}

// StopBatch stops containers in parallel with a bounded worker pool. The
// first error is returned after all stops finish; the rest are logged.
func (d *Driver) StopBatch(ctx context.Context, ids []string, timeout time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(stopWorkers)
	for _, id := range ids {
		g.Go(func() error {
			if err := d.Stop(ctx, id, timeout); err != nil && !IsNotFound(err) {
				logging.Op().Error("batch stop failed", "container", short(id), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Restart restarts a container in place, used for wedged VPN sidecars.
func (d *Driver) Restart(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	if timeout <= 0 {
		timeout = d.cfg.StopTimeout
	}
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, stderr, err := d.run(ctx, "restart", "-t", fmt.Sprintf("%d", secs), id); err != nil {
		return classify("restart", id, string(stderr), err)
	}
	return nil
}

// inspectState mirrors the fields read from docker inspect.
type inspectState struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Running   bool   `json:"Running"`
		ExitCode  int    `json:"ExitCode"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// Inspect returns the container's current state.
func (d *Driver) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	stdout, stderr, err := d.run(ctx, "inspect", "--format", "{{json .}}", id)
	if err != nil {
		return ContainerInfo{}, classify("inspect", id, string(stderr), err)
	}

	var st inspectState
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &st); err != nil {
		return ContainerInfo{}, classify("inspect", id, "unparseable inspect output", err)
	}
	return infoFromInspect(st), nil
}

// List returns all running containers matching the label filter
// ("key=value").
func (d *Driver) List(ctx context.Context, labelFilter string) ([]ContainerInfo, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	args := []string{"ps", "-q", "--no-trunc"}
	if labelFilter != "" {
		args = append(args, "--filter", "label="+labelFilter)
	}
	stdout, stderr, err := d.run(ctx, args...)
	if err != nil {
		return nil, classify("ps", "", string(stderr), err)
	}

	ids := strings.Fields(string(stdout))
	if len(ids) == 0 {
		return nil, nil
	}

	inspectArgs := append([]string{"inspect", "--format", "{{json .}}"}, ids...)
	stdout, stderr, err = d.run(ctx, inspectArgs...)
	if err != nil {
		return nil, classify("inspect", "", string(stderr), err)
	}

	var out []ContainerInfo
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var st inspectState
		if err := json.Unmarshal(line, &st); err != nil {
			logging.Op().Warn("skipping unparseable inspect line", "error", err)
			continue
		}
		out = append(out, infoFromInspect(st))
	}
	return out, nil
}

// rawEvent is the docker events JSON shape.
type rawEvent struct {
	ID     string `json:"id"`
	Action string `json:"Action"`
	Type   string `json:"Type"`
	Actor  struct {
		ID         string            `json:"ID"`
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
	TimeNano int64 `json:"timeNano"`
}

// Events streams container lifecycle events matching the label filter until
// ctx is cancelled. The channel closes when the underlying process exits.
func (d *Driver) Events(ctx context.Context, labelFilter string) (<-chan ContainerEvent, error) {
	args := []string{"events", "--format", "{{json .}}", "--filter", "type=container"}
	if labelFilter != "" {
		args = append(args, "--filter", "label="+labelFilter)
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, classify("events", "", "", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classify("events", "", "", err)
	}

	ch := make(chan ContainerEvent, 16)
	go func() {
		defer close(ch)
		defer cmd.Wait()

		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var raw rawEvent
			if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
				continue
			}
			id := raw.ID
			if id == "" {
				id = raw.Actor.ID
			}
			ev := ContainerEvent{
				ID:     id,
				Action: raw.Action,
				Name:   raw.Actor.Attributes["name"],
				Labels: raw.Actor.Attributes,
				Time:   time.Unix(0, raw.TimeNano),
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Exec runs argv inside the container and returns exit code and both output
// streams, fully drained.
func (d *Driver) Exec(ctx context.Context, id string, argv []string) (int, string, string, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	args := append([]string{"exec", id}, argv...)
	stdout, stderr, err := d.run(ctx, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && !stderrHasContainerError(string(stderr)) {
			// The command itself failed inside a reachable container; the
			// nonzero exit code is the caller's to interpret.
			return exitErr.ExitCode(), string(stdout), string(stderr), nil
		}
		return -1, string(stdout), string(stderr), classify("exec", id, string(stderr), err)
	}
	return 0, string(stdout), string(stderr), nil
}

func (d *Driver) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.cfg.DefaultTimeout)
}

func infoFromInspect(st inspectState) ContainerInfo {
	started, _ := time.Parse(time.RFC3339Nano, st.State.StartedAt)
	return ContainerInfo{
		ID:        st.ID,
		Name:      strings.TrimPrefix(st.Name, "/"),
		Image:     st.Config.Image,
		Labels:    st.Config.Labels,
		Running:   st.State.Running,
		ExitCode:  st.State.ExitCode,
		StartedAt: started,
	}
}

func stderrHasContainerError(stderr string) bool {
	return containsAny(stderr, "No such container", "is not running", "Conflict")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPorts(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
