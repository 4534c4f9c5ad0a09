package loopdetect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/state"
)

type fakeStreams struct {
	mu      sync.Mutex
	list    []domain.Stream
	snaps   []domain.StatSnapshot
	ended   []string
	endResp bool
}

func (f *fakeStreams) Streams(_ state.StreamFilter) []domain.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Stream(nil), f.list...)
}

func (f *fakeStreams) AppendSnapshots(snaps []domain.StatSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snaps...)
}

func (f *fakeStreams) OnStreamEnded(_ context.Context, evt *domain.StreamEndedEvent) (domain.Stream, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, evt.StreamID)
	return domain.Stream{ID: evt.StreamID, Status: domain.StreamEnded}, f.endResp, nil
}

func (f *fakeStreams) endedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

func (f *fakeStreams) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

func liveStream(id, key, statURL, commandURL string) domain.Stream {
	return domain.Stream{
		ID:         id,
		Key:        key,
		KeyType:    domain.KeyTypeInfohash,
		StatURL:    statURL,
		CommandURL: commandURL,
		IsLive:     true,
		Status:     domain.StreamStarted,
	}
}

func TestFreshStreamOnlyRecordsSnapshot(t *testing.T) {
	now := time.Now().Unix()
	stat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"response":{"peers":4,"speed_down":2048,"live_last":%d,"status":"dl"}}`, now)
	}))
	defer stat.Close()

	fs := &fakeStreams{list: []domain.Stream{liveStream("s1", "key1", stat.URL, "")}, endResp: true}
	d := New(config.LoopConfig{Enabled: true, Threshold: 60 * time.Second, CheckInterval: time.Minute}, fs)

	d.CheckNow(context.Background())

	if fs.snapshotCount() != 1 {
		t.Fatalf("snapshots = %d, want 1", fs.snapshotCount())
	}
	if len(fs.endedIDs()) != 0 {
		t.Fatalf("fresh stream should not be ended, got %v", fs.endedIDs())
	}
	if d.IsLooping("key1") {
		t.Fatal("fresh stream must not be blocklisted")
	}
}

func TestStaleStreamIsStoppedAndBlocklisted(t *testing.T) {
	stale := time.Now().Add(-5 * time.Minute).Unix()
	stat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"response":{"peers":1,"live_last":%d,"status":"dl"}}`, stale)
	}))
	defer stat.Close()

	var stopCalls int
	var stopMethod string
	cmd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stopCalls++
		stopMethod = r.URL.Query().Get("method")
	}))
	defer cmd.Close()

	fs := &fakeStreams{list: []domain.Stream{liveStream("s1", "key1", stat.URL, cmd.URL)}, endResp: true}
	d := New(config.LoopConfig{Enabled: true, Threshold: 60 * time.Second, CheckInterval: time.Minute}, fs)

	d.CheckNow(context.Background())

	if stopCalls != 1 || stopMethod != "stop" {
		t.Fatalf("stop command: calls=%d method=%q, want 1/stop", stopCalls, stopMethod)
	}
	if got := fs.endedIDs(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("ended streams = %v, want [s1]", got)
	}
	if !d.IsLooping("key1") {
		t.Fatal("stale key must be blocklisted")
	}

	snap := d.Snapshot()
	if len(snap.StreamIDs) != 1 || snap.StreamIDs[0] != "key1" {
		t.Fatalf("snapshot keys = %v, want [key1]", snap.StreamIDs)
	}
	if e := snap.Streams["key1"]; e.StreamID != "s1" || e.DetectedAt.IsZero() {
		t.Fatalf("snapshot entry = %+v", e)
	}
}

func TestLiveposNestedShapeAccepted(t *testing.T) {
	stale := time.Now().Add(-10 * time.Minute).Unix()
	stat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"peers":2,"livepos":{"last":%d},"status":"dl"}`, stale)
	}))
	defer stat.Close()

	fs := &fakeStreams{list: []domain.Stream{liveStream("s1", "key1", stat.URL, "")}, endResp: true}
	d := New(config.LoopConfig{Enabled: true, Threshold: 60 * time.Second, CheckInterval: time.Minute}, fs)

	d.CheckNow(context.Background())

	if !d.IsLooping("key1") {
		t.Fatal("livepos.last shape must drive detection too")
	}
}

func TestVodStreamSkipped(t *testing.T) {
	var statCalls int
	stat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statCalls++
		w.Write([]byte(`{"peers":1}`))
	}))
	defer stat.Close()

	vod := liveStream("s1", "key1", stat.URL, "")
	vod.IsLive = false
	fs := &fakeStreams{list: []domain.Stream{vod}, endResp: true}
	d := New(config.LoopConfig{Enabled: true, Threshold: time.Second, CheckInterval: time.Minute}, fs)

	d.CheckNow(context.Background())

	if statCalls != 0 {
		t.Fatalf("vod stream polled %d times, want 0", statCalls)
	}
}

func TestZeroLiveLastNeverTrips(t *testing.T) {
	stat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"peers":3,"status":"dl"}}`))
	}))
	defer stat.Close()

	fs := &fakeStreams{list: []domain.Stream{liveStream("s1", "key1", stat.URL, "")}, endResp: true}
	d := New(config.LoopConfig{Enabled: true, Threshold: time.Second, CheckInterval: time.Minute}, fs)

	d.CheckNow(context.Background())

	if d.IsLooping("key1") {
		t.Fatal("missing live position must not blocklist the stream")
	}
	if fs.snapshotCount() != 1 {
		t.Fatalf("snapshot should still be recorded, got %d", fs.snapshotCount())
	}
}

func TestRetentionExpiresEntries(t *testing.T) {
	fs := &fakeStreams{}
	d := New(config.LoopConfig{Enabled: true, Threshold: time.Second, CheckInterval: time.Minute, Retention: 30 * time.Minute}, fs)

	d.mu.Lock()
	d.looping["old"] = Entry{StreamID: "s-old", DetectedAt: time.Now().Add(-time.Hour)}
	d.looping["new"] = Entry{StreamID: "s-new", DetectedAt: time.Now()}
	d.mu.Unlock()

	d.expire(time.Now())

	if d.IsLooping("old") {
		t.Fatal("entry past retention must expire")
	}
	if !d.IsLooping("new") {
		t.Fatal("recent entry must survive")
	}
}

func TestZeroRetentionKeepsEntries(t *testing.T) {
	fs := &fakeStreams{}
	d := New(config.LoopConfig{Enabled: true, Threshold: time.Second, CheckInterval: time.Minute}, fs)

	d.mu.Lock()
	d.looping["old"] = Entry{StreamID: "s-old", DetectedAt: time.Now().Add(-24 * time.Hour)}
	d.mu.Unlock()

	d.expire(time.Now())

	if !d.IsLooping("old") {
		t.Fatal("zero retention must keep entries indefinitely")
	}
}

func TestDisabledDetectorSkipsPolling(t *testing.T) {
	var statCalls int
	stat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statCalls++
	}))
	defer stat.Close()

	fs := &fakeStreams{list: []domain.Stream{liveStream("s1", "key1", stat.URL, "")}, endResp: true}
	d := New(config.LoopConfig{Enabled: false, Threshold: time.Second, CheckInterval: time.Minute}, fs)

	d.CheckNow(context.Background())
	if statCalls != 0 {
		t.Fatalf("disabled detector polled %d times, want 0", statCalls)
	}

	d.SetEnabled(true)
	d.CheckNow(context.Background())
	if statCalls != 1 {
		t.Fatalf("re-enabled detector polled %d times, want 1", statCalls)
	}
}
