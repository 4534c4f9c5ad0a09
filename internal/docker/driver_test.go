package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRun records invocations and replays canned responses.
type fakeRun struct {
	mu    sync.Mutex
	calls [][]string
	out   []byte
	errs  map[string]fakeResult
}

type fakeResult struct {
	stderr []byte
	err    error
}

func (f *fakeRun) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if res, ok := f.errs[args[0]]; ok {
		return nil, res.stderr, res.err
	}
	return f.out, nil, nil
}

func newTestDriver(f *fakeRun) *Driver {
	return &Driver{
		cfg: &Config{Network: "acestream", StopTimeout: 10 * time.Second, DefaultTimeout: 5 * time.Second},
		run: f.run,
	}
}

func TestCreateAndStartArgs(t *testing.T) {
	f := &fakeRun{out: []byte("abc123def456\n")}
	d := newTestDriver(f)

	id, err := d.CreateAndStart(context.Background(), ContainerSpec{
		Name:   "acestream-x1",
		Image:  "acestream:latest",
		Labels: map[string]string{"control-plane.managed": "true", "a": "b"},
		Env:    map[string]string{"HTTP_PORT": "40000"},
		Ports:  map[int]int{40000: 40000},
	})
	if err != nil {
		t.Fatalf("CreateAndStart failed: %v", err)
	}
	if id != "abc123def456" {
		t.Fatalf("expected trimmed container id, got %q", id)
	}

	got := strings.Join(f.calls[0], " ")
	wantParts := []string{
		"run -d --name acestream-x1",
		"--label a=b",
		"--label control-plane.managed=true",
		"-e HTTP_PORT=40000",
		"-p 40000:40000",
		"--network acestream",
		"acestream:latest",
	}
	for _, part := range wantParts {
		if !strings.Contains(got, part) {
			t.Errorf("args missing %q in %q", part, got)
		}
	}
}

func TestCreateAndStartSharedNamespaceSkipsPorts(t *testing.T) {
	f := &fakeRun{out: []byte("abc\n")}
	d := newTestDriver(f)

	_, err := d.CreateAndStart(context.Background(), ContainerSpec{
		Name:        "acestream-x2",
		Image:       "acestream:latest",
		Ports:       map[int]int{40001: 40001},
		NetworkMode: "container:gluetun-1",
	})
	if err != nil {
		t.Fatalf("CreateAndStart failed: %v", err)
	}

	got := strings.Join(f.calls[0], " ")
	if strings.Contains(got, "-p ") {
		t.Errorf("shared-namespace run must not publish ports: %q", got)
	}
	if !strings.Contains(got, "--network container:gluetun-1") {
		t.Errorf("missing namespace flag in %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		stderr string
		ctxErr error
		want   Kind
	}{
		{"Error: No such container: deadbeef", errors.New("exit status 1"), KindNotFound},
		{"Conflict. The container name is already in use", errors.New("exit status 125"), KindConflict},
		{"Bind for 0.0.0.0:40000 failed: port is already allocated", errors.New("exit status 125"), KindConflict},
		{"", context.DeadlineExceeded, KindTimeout},
		{"daemon exploded", errors.New("exit status 1"), KindEngine},
	}
	for _, tc := range cases {
		e := classify("run", "x", tc.stderr, tc.ctxErr)
		if e.Kind != tc.want {
			t.Errorf("classify(%q, %v): expected %v, got %v", tc.stderr, tc.ctxErr, tc.want, e.Kind)
		}
	}
}

func TestStopNotFoundPropagates(t *testing.T) {
	f := &fakeRun{errs: map[string]fakeResult{
		"stop": {stderr: []byte("Error response from daemon: No such container: gone"), err: errors.New("exit status 1")},
	}}
	d := newTestDriver(f)

	err := d.Stop(context.Background(), "gone", 0)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got: %v", err)
	}
}

func TestStopBatchBounded(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	d := &Driver{cfg: &Config{StopTimeout: time.Second, DefaultTimeout: 5 * time.Second}}
	d.run = func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil, nil
	}

	ids := make([]string, 40)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%02d", i)
	}
	if err := d.StopBatch(context.Background(), ids, time.Second); err != nil {
		t.Fatalf("StopBatch failed: %v", err)
	}

	// Each Stop issues two CLI calls; concurrency is bounded per Stop.
	if peak > stopWorkers {
		t.Fatalf("expected at most %d concurrent stops, saw %d", stopWorkers, peak)
	}
}

func TestExecNonZeroExitIsNotError(t *testing.T) {
	d := &Driver{cfg: &Config{DefaultTimeout: 5 * time.Second}}
	d.run = func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		return []byte("123456"), nil, nil
	}

	rc, stdout, _, err := d.Exec(context.Background(), "c1", []string{"du", "-sb", "/cache"})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if rc != 0 || stdout != "123456" {
		t.Fatalf("unexpected exec result rc=%d stdout=%q", rc, stdout)
	}
}
