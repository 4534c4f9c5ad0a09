// Package proxysync tells the media proxies to drop finished streams. The
// control plane ends streams for its own reasons (loop detection, engine
// removal, client events) and the TS and HLS proxies must stop serving the
// content key; delivery failures are logged and swallowed because stream
// teardown must never block on proxy cleanup.
package proxysync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
)

const stopPath = "/internal/stop_stream"

// Target is one registered proxy.
type Target struct {
	Name string
	URL  string
}

// Notifier fans stop requests out to every registered proxy.
type Notifier struct {
	client  *http.Client
	targets []Target
}

// New registers the TS and HLS proxies. Empty URLs are skipped; a Notifier
// with no targets is a no-op.
func New(tsURL, hlsURL string) *Notifier {
	n := &Notifier{client: &http.Client{Timeout: 5 * time.Second}}
	if tsURL != "" {
		n.targets = append(n.targets, Target{Name: "ts", URL: tsURL})
	}
	if hlsURL != "" {
		n.targets = append(n.targets, Target{Name: "hls", URL: hlsURL})
	}
	return n
}

// Targets reports how many proxies are registered.
func (n *Notifier) Targets() int {
	return len(n.targets)
}

// StopStreamByKey posts the stop request to each proxy in turn. The call
// outlives the triggering request: cancellation of ctx does not abort an
// in-flight teardown, only the client timeout bounds it.
func (n *Notifier) StopStreamByKey(ctx context.Context, key string) {
	if len(n.targets) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	for _, t := range n.targets {
		n.stop(detached, t, key)
	}
}

func (n *Notifier) stop(ctx context.Context, t Target, key string) {
	body, err := json.Marshal(map[string]string{"key": key})
	if err != nil {
		logging.Op().Warn("proxy sync: marshal stop payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL+stopPath, bytes.NewReader(body))
	if err != nil {
		logging.Op().Warn("proxy sync: create stop request", "proxy", t.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	observability.InjectHTTPHeaders(ctx, req.Header)

	resp, err := n.client.Do(req)
	if err != nil {
		logging.Op().Warn("proxy sync: stop delivery failed", "proxy", t.Name, "key", key, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		logging.Op().Warn("proxy sync: proxy rejected stop", "proxy", t.Name, "key", key, "status", resp.StatusCode)
		return
	}
	logging.Op().Debug("proxy sync: stream stopped on proxy", "proxy", t.Name, "key", key)
}
