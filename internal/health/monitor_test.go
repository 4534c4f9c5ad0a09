package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
)

type fakeState struct {
	mu       sync.Mutex
	engines  []domain.Engine
	health   map[string]domain.HealthStatus
	cleanups map[string]int64
}

func newFakeState(engines ...domain.Engine) *fakeState {
	return &fakeState{
		engines:  engines,
		health:   make(map[string]domain.HealthStatus),
		cleanups: make(map[string]int64),
	}
}

func (f *fakeState) Engines() []domain.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Engine(nil), f.engines...)
}

func (f *fakeState) MarkHealth(id string, status domain.HealthStatus, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[id] = status
}

func (f *fakeState) MarkCacheCleanup(id string, _ time.Time, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups[id] = size
}

func (f *fakeState) healthOf(id string) domain.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health[id]
}

func (f *fakeState) cleanupOf(id string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.cleanups[id]
	return s, ok
}

type fakeExec struct {
	mu    sync.Mutex
	calls [][]string
	size  string
}

func (f *fakeExec) Exec(_ context.Context, id string, argv []string) (int, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{id}, argv...))
	if len(argv) == 3 && strings.Contains(argv[2], "du -sb") {
		return 0, f.size + "\n", "", nil
	}
	return 0, "", "", nil
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type emergencyStub struct{ active bool }

func (e emergencyStub) EmergencyActive() bool { return e.active }

func testEngine(t *testing.T, srv *httptest.Server, id string, streams int, lastCleanup time.Time) domain.Engine {
	t.Helper()
	hostPort := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, ok := strings.Cut(hostPort, ":")
	if !ok {
		t.Fatalf("unexpected test server URL %q", srv.URL)
	}
	port, _ := strconv.Atoi(portStr)
	return domain.Engine{
		ContainerID:      id,
		ContainerName:    id,
		Host:             host,
		Port:             port,
		Streams:          streams,
		LastCacheCleanup: lastCleanup,
	}
}

func TestCheckMarksHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webui/api/service" || r.URL.Query().Get("method") != "get_status" {
			t.Errorf("unexpected probe %s %s", r.URL.Path, r.URL.RawQuery)
		}
		w.Write([]byte(`{"result":{"version":"3.2.3"}}`))
	}))
	defer srv.Close()

	state := newFakeState(testEngine(t, srv, "eng-1", 1, time.Now()))
	m := New(config.HealthConfig{CheckInterval: time.Minute, ProbeTimeout: 2 * time.Second}, state, &fakeExec{}, nil)

	m.CheckNow(context.Background())

	if got := state.healthOf("eng-1"); got != domain.HealthHealthy {
		t.Fatalf("health = %q, want healthy", got)
	}
}

func TestCheckMarksUnhealthyOnConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // probe target refuses connections

	state := newFakeState(testEngine(t, srv, "eng-1", 0, time.Now()))
	m := New(config.HealthConfig{CheckInterval: time.Minute, ProbeTimeout: time.Second}, state, &fakeExec{}, nil)

	m.CheckNow(context.Background())

	if got := state.healthOf("eng-1"); got != domain.HealthUnhealthy {
		t.Fatalf("health = %q, want unhealthy", got)
	}
}

func TestCacheCleanupRunsForIdleEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	exec := &fakeExec{size: "123456789"}
	state := newFakeState(testEngine(t, srv, "eng-1", 0, time.Now().Add(-2*time.Hour)))
	m := New(config.HealthConfig{
		CheckInterval:   time.Minute,
		ProbeTimeout:    2 * time.Second,
		CleanupInterval: time.Hour,
	}, state, exec, nil)

	m.CheckNow(context.Background())

	size, ok := state.cleanupOf("eng-1")
	if !ok {
		t.Fatal("cleanup was not recorded")
	}
	if size != 123456789 {
		t.Fatalf("recorded size = %d, want 123456789", size)
	}
	if exec.callCount() != 2 {
		t.Fatalf("exec calls = %d, want 2 (du + purge)", exec.callCount())
	}
}

func TestCacheCleanupSkippedForBusyEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	exec := &fakeExec{size: "1"}
	state := newFakeState(testEngine(t, srv, "eng-1", 2, time.Now().Add(-2*time.Hour)))
	m := New(config.HealthConfig{
		CheckInterval:   time.Minute,
		ProbeTimeout:    2 * time.Second,
		CleanupInterval: time.Hour,
	}, state, exec, nil)

	m.CheckNow(context.Background())

	if _, ok := state.cleanupOf("eng-1"); ok {
		t.Fatal("busy engine must not get a cache cleanup")
	}
	if exec.callCount() != 0 {
		t.Fatalf("exec calls = %d, want 0", exec.callCount())
	}
}

func TestCacheCleanupRespectsInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	exec := &fakeExec{size: "1"}
	state := newFakeState(testEngine(t, srv, "eng-1", 0, time.Now().Add(-time.Minute)))
	m := New(config.HealthConfig{
		CheckInterval:   time.Minute,
		ProbeTimeout:    2 * time.Second,
		CleanupInterval: time.Hour,
	}, state, exec, nil)

	m.CheckNow(context.Background())

	if _, ok := state.cleanupOf("eng-1"); ok {
		t.Fatal("cleanup ran before the interval elapsed")
	}
}

func TestEmergencyPausesChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	state := newFakeState(testEngine(t, srv, "eng-1", 0, time.Now()))
	m := New(config.HealthConfig{CheckInterval: time.Minute, ProbeTimeout: time.Second}, state, &fakeExec{}, emergencyStub{active: true})

	m.CheckNow(context.Background())

	if got := state.healthOf("eng-1"); got != "" {
		t.Fatalf("no health update expected during emergency, got %q", got)
	}
}
