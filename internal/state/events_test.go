package state

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/oriys/quasar/internal/domain"
)

type fakePorts struct {
	mu       sync.Mutex
	released []int
	reserved []int
	fail     bool
}

func (f *fakePorts) Release(vpn string, port int) {
	f.mu.Lock()
	f.released = append(f.released, port)
	f.mu.Unlock()
}

func (f *fakePorts) ReserveSpecific(vpn string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return domain.ErrPortExhausted
	}
	f.reserved = append(f.reserved, port)
	return nil
}

type fakeProxy struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeProxy) StopStreamByKey(_ context.Context, key string) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
}

func startedEvent(host string, port int, key, session string) *domain.StreamStartedEvent {
	return &domain.StreamStartedEvent{
		Engine: domain.EngineRef{Host: host, Port: port},
		Stream: domain.StreamRef{KeyType: domain.KeyTypeContentID, Key: key},
		Session: domain.SessionRef{
			PlaybackSessionID: session,
			StatURL:           fmt.Sprintf("http://%s:%d/ace/stat/x/%s", host, port, session),
			CommandURL:        fmt.Sprintf("http://%s:%d/ace/cmd/x/%s", host, port, session),
			IsLive:            1,
		},
	}
}

func TestOnStreamStartedAdoptsUnknownEngine(t *testing.T) {
	r := New(&fakePorts{}, nil)

	st, err := r.OnStreamStarted(context.Background(), startedEvent("gluetun", 40001, "abc", "s1"))
	if err != nil {
		t.Fatalf("OnStreamStarted() error = %v", err)
	}
	if st.ID != "abc|s1" {
		t.Errorf("stream id = %q, want abc|s1", st.ID)
	}
	if !st.IsLive {
		t.Error("is_live flag lost")
	}

	e, ok := r.EngineByHostPort("gluetun", 40001)
	if !ok {
		t.Fatal("engine was not adopted")
	}
	if e.Streams != 1 {
		t.Errorf("engine stream count = %d, want 1", e.Streams)
	}
	if e.LastStreamUsage.IsZero() {
		t.Error("last_stream_usage not set")
	}
}

func TestOnStreamStartedReplayOverwrites(t *testing.T) {
	r := New(&fakePorts{}, nil)
	ctx := context.Background()

	if _, err := r.OnStreamStarted(ctx, startedEvent("gluetun", 40001, "abc", "s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.OnStreamStarted(ctx, startedEvent("gluetun", 40001, "abc", "s1")); err != nil {
		t.Fatalf("replay error = %v", err)
	}

	streams := r.Streams(StreamFilter{Status: domain.StreamStarted})
	if len(streams) != 1 {
		t.Fatalf("stream count after replay = %d, want 1", len(streams))
	}
	e, _ := r.EngineByHostPort("gluetun", 40001)
	if e.Streams != 1 {
		t.Errorf("engine stream count after replay = %d, want 1", e.Streams)
	}
}

func TestOnStreamStartedReplayMovesEngines(t *testing.T) {
	r := New(&fakePorts{}, nil)
	ctx := context.Background()

	if _, err := r.OnStreamStarted(ctx, startedEvent("gluetun", 40001, "abc", "s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.OnStreamStarted(ctx, startedEvent("gluetun", 40002, "abc", "s1")); err != nil {
		t.Fatal(err)
	}

	old, _ := r.EngineByHostPort("gluetun", 40001)
	if old.Streams != 0 {
		t.Errorf("old engine still counts %d streams", old.Streams)
	}
	cur, _ := r.EngineByHostPort("gluetun", 40002)
	if cur.Streams != 1 {
		t.Errorf("new engine counts %d streams, want 1", cur.Streams)
	}
}

func TestOnStreamEndedNotifiesProxyOnce(t *testing.T) {
	r := New(&fakePorts{}, nil)
	proxy := &fakeProxy{}
	r.SetProxyNotifier(proxy)
	ctx := context.Background()

	st, err := r.OnStreamStarted(ctx, startedEvent("gluetun", 40001, "abc", "s1"))
	if err != nil {
		t.Fatal(err)
	}

	ended, ok, err := r.OnStreamEnded(ctx, &domain.StreamEndedEvent{StreamID: st.ID, Reason: "client gone"})
	if err != nil {
		t.Fatalf("OnStreamEnded() error = %v", err)
	}
	if !ok {
		t.Fatal("OnStreamEnded() reported no-op for a started stream")
	}
	if ended.Status != domain.StreamEnded || ended.EndedAt == nil {
		t.Errorf("stream not flipped: %+v", ended)
	}

	// Replay is a no-op and must not notify the proxy again.
	if _, ok, _ := r.OnStreamEnded(ctx, &domain.StreamEndedEvent{StreamID: st.ID}); ok {
		t.Error("second OnStreamEnded() was not a no-op")
	}
	if len(proxy.keys) != 1 || proxy.keys[0] != "abc" {
		t.Errorf("proxy notifications = %v, want [abc]", proxy.keys)
	}

	e, _ := r.EngineByHostPort("gluetun", 40001)
	if e.Streams != 0 {
		t.Errorf("engine stream count = %d, want 0", e.Streams)
	}
}

func TestOnStreamEndedMatchesByStatURL(t *testing.T) {
	r := New(&fakePorts{}, nil)
	ctx := context.Background()

	evt := startedEvent("gluetun", 40001, "abc", "s1")
	if _, err := r.OnStreamStarted(ctx, evt); err != nil {
		t.Fatal(err)
	}

	_, ok, err := r.OnStreamEnded(ctx, &domain.StreamEndedEvent{StatURL: evt.Session.StatURL})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("stat_url match failed")
	}
}

func TestOnStreamEndedMatchesByContainerID(t *testing.T) {
	r := New(&fakePorts{}, nil)
	ctx := context.Background()

	evt := startedEvent("gluetun", 40001, "abc", "s1")
	evt.ContainerID = "cid-1"
	if _, err := r.OnStreamStarted(ctx, evt); err != nil {
		t.Fatal(err)
	}

	_, ok, err := r.OnStreamEnded(ctx, &domain.StreamEndedEvent{ContainerID: "cid-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("container_id match failed")
	}
}

func TestOnStreamEndedUnknownIsNoop(t *testing.T) {
	r := New(&fakePorts{}, nil)
	if _, ok, err := r.OnStreamEnded(context.Background(), &domain.StreamEndedEvent{StreamID: "ghost"}); err != nil || ok {
		t.Errorf("unknown stream: ok=%v err=%v, want no-op", ok, err)
	}
}
