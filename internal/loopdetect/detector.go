// Package loopdetect catches live streams whose playback position stopped
// advancing. The engine keeps serving the same buffered segment forever
// when a live source dies; clients see an endless loop instead of an error.
// The detector polls each live stream's stat endpoint, and when the
// live-position timestamp goes stale past the threshold it stops the
// engine session, ends the stream, and blocklists the content key so the
// proxy can refuse replays.
package loopdetect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/debug"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/state"
)

// StreamState is the slice of the registry the detector reads and updates.
type StreamState interface {
	Streams(f state.StreamFilter) []domain.Stream
	AppendSnapshots(snaps []domain.StatSnapshot)
	OnStreamEnded(ctx context.Context, evt *domain.StreamEndedEvent) (domain.Stream, bool, error)
}

// Entry is one blocklisted content key.
type Entry struct {
	StreamID   string    `json:"stream_id"`
	KeyType    string    `json:"key_type"`
	DetectedAt time.Time `json:"detected_at"`
}

// Snapshot is the read-only view served to the proxy.
type Snapshot struct {
	StreamIDs        []string         `json:"stream_ids"`
	Streams          map[string]Entry `json:"streams"`
	RetentionMinutes int              `json:"retention_minutes"`
}

// Detector polls live streams and maintains the looping-key blocklist.
type Detector struct {
	cfg     config.LoopConfig
	streams StreamState
	client  *http.Client
	enabled atomic.Bool

	mu      sync.RWMutex
	looping map[string]Entry
}

// New builds a detector; cfg.Enabled seeds the runtime toggle.
func New(cfg config.LoopConfig, streams StreamState) *Detector {
	d := &Detector{
		cfg:     cfg,
		streams: streams,
		client:  &http.Client{Timeout: 5 * time.Second},
		looping: make(map[string]Entry),
	}
	d.enabled.Store(cfg.Enabled)
	return d
}

// SetEnabled flips detection at runtime. The blocklist survives a disable
// so re-enabling does not forget known loopers.
func (d *Detector) SetEnabled(on bool) {
	if d.enabled.Swap(on) != on {
		logging.Op().Info("stream loop detection toggled", "enabled", on)
	}
}

// Enabled reports the current toggle.
func (d *Detector) Enabled() bool { return d.enabled.Load() }

// Run drives the poll loop until ctx ends.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckNow(ctx)
		}
	}
}

// CheckNow polls every live started stream once, then expires old
// blocklist entries.
func (d *Detector) CheckNow(ctx context.Context) {
	if d.enabled.Load() {
		for _, st := range d.streams.Streams(state.StreamFilter{Status: domain.StreamStarted}) {
			if !st.IsLive || st.StatURL == "" {
				continue
			}
			d.checkStream(ctx, st)
		}
	}
	d.expire(time.Now())
}

func (d *Detector) checkStream(ctx context.Context, st domain.Stream) {
	stats, err := d.fetchStats(ctx, st.StatURL)
	if err != nil {
		logging.Op().Debug("stream stat fetch failed", "stream_id", st.ID, "error", err)
		return
	}

	now := time.Now()
	d.streams.AppendSnapshots([]domain.StatSnapshot{{
		StreamID:   st.ID,
		Ts:         now,
		Peers:      stats.Peers,
		SpeedDown:  stats.SpeedDown,
		SpeedUp:    stats.SpeedUp,
		Downloaded: stats.Downloaded,
		Uploaded:   stats.Uploaded,
		LiveLast:   stats.liveLast(),
		Status:     stats.Status,
	}})

	liveLast := stats.liveLast()
	if liveLast == 0 {
		return
	}
	staleFor := time.Duration(now.Unix()-liveLast) * time.Second
	if staleFor <= d.cfg.Threshold {
		return
	}

	logging.Op().Warn("looping stream detected",
		"stream_id", st.ID, "key", st.Key, "stale_for", staleFor.String())
	d.stopStream(ctx, st, staleFor)
}

// stopStream tears the session down: engine stop command, registry ended
// event, blocklist entry. Each step is best effort; the blocklist entry is
// the one that must land.
func (d *Detector) stopStream(ctx context.Context, st domain.Stream, staleFor time.Duration) {
	if st.CommandURL != "" {
		if err := d.sendStop(ctx, st.CommandURL); err != nil {
			logging.Op().Warn("engine stop command failed", "stream_id", st.ID, "error", err)
		}
	}

	if _, _, err := d.streams.OnStreamEnded(ctx, &domain.StreamEndedEvent{
		StreamID: st.ID,
		Reason:   "loop_detected",
	}); err != nil {
		logging.Op().Warn("loop teardown: stream end failed", "stream_id", st.ID, "error", err)
	}

	d.mu.Lock()
	d.looping[st.Key] = Entry{
		StreamID:   st.ID,
		KeyType:    string(st.KeyType),
		DetectedAt: time.Now(),
	}
	d.mu.Unlock()

	metrics.RecordLoopDetected()
	debug.Session("loop_detected", st.ID, map[string]any{
		"key":       st.Key,
		"stale_for": staleFor.Seconds(),
	})
}

func (d *Detector) sendStop(ctx context.Context, commandURL string) error {
	url := commandURL + "?method=stop"
	if strings.Contains(commandURL, "?") {
		url = commandURL + "&method=stop"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("engine returned %d", resp.StatusCode)
	}
	return nil
}

// IsLooping reports whether key is currently blocklisted.
func (d *Detector) IsLooping(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.looping[key]
	return ok
}

// Snapshot returns the blocklist for the proxy-facing endpoint.
func (d *Detector) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := Snapshot{
		StreamIDs:        make([]string, 0, len(d.looping)),
		Streams:          make(map[string]Entry, len(d.looping)),
		RetentionMinutes: int(d.cfg.Retention.Minutes()),
	}
	for key, e := range d.looping {
		snap.StreamIDs = append(snap.StreamIDs, key)
		snap.Streams[key] = e
	}
	sort.Strings(snap.StreamIDs)
	return snap
}

// expire drops blocklist entries past retention. Zero retention keeps
// entries until restart.
func (d *Detector) expire(now time.Time) {
	if d.cfg.Retention <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.looping {
		if now.Sub(e.DetectedAt) > d.cfg.Retention {
			delete(d.looping, key)
		}
	}
}

// engineStats is the stat_url payload. Engines answer either a flat object
// or one nested under "response"; the live position is either a flat
// live_last or livepos.last.
type engineStats struct {
	Peers      int    `json:"peers"`
	SpeedDown  int    `json:"speed_down"`
	SpeedUp    int    `json:"speed_up"`
	Downloaded int64  `json:"downloaded"`
	Uploaded   int64  `json:"uploaded"`
	Status     string `json:"status"`
	LiveLast   int64  `json:"live_last"`
	Livepos    *struct {
		Last int64 `json:"last"`
	} `json:"livepos"`
}

func (s *engineStats) liveLast() int64 {
	if s.LiveLast != 0 {
		return s.LiveLast
	}
	if s.Livepos != nil {
		return s.Livepos.Last
	}
	return 0
}

func (d *Detector) fetchStats(ctx context.Context, statURL string) (*engineStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stat endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Response *engineStats `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Response != nil {
		return envelope.Response, nil
	}

	var flat engineStats
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}
	return &flat, nil
}
