package vpn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const probeTimeout = 5 * time.Second

// controlAPI is the slice of the sidecar control plane the monitor needs.
// Satisfied by gluetunClient; faked in tests.
type controlAPI interface {
	status(ctx context.Context, container string) (bool, error)
	forwardedPort(ctx context.Context, container string) (int, error)
}

// gluetunClient probes a gluetun sidecar's control server. The server
// listens inside the VPN container, so the container name is the host.
type gluetunClient struct {
	client  *http.Client
	apiPort int
}

func newGluetunClient(apiPort int) *gluetunClient {
	return &gluetunClient{
		client:  &http.Client{Timeout: probeTimeout},
		apiPort: apiPort,
	}
}

// status reports whether the tunnel is up. Timeouts and transport errors
// surface as errors; callers count them as unhealthy.
func (g *gluetunClient) status(ctx context.Context, container string) (bool, error) {
	url := fmt.Sprintf("http://%s:%d/v1/openvpn/status", container, g.apiPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("vpn status probe: http %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("vpn status probe: %w", err)
	}
	return body.Status == "running", nil
}

// forwardedPort fetches the provider-assigned P2P port. A 4xx/5xx that
// still carries a JSON body means the provider has no port for us right
// now: degraded, not an error, reported as port 0.
func (g *gluetunClient) forwardedPort(ctx context.Context, container string) (int, error) {
	url := fmt.Sprintf("http://%s:%d/v1/openvpn/portforwarded", container, g.apiPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return 0, fmt.Errorf("vpn port probe: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if jsonObject(raw) {
			return 0, nil
		}
		return 0, fmt.Errorf("vpn port probe: http %d", resp.StatusCode)
	}

	var body struct {
		Port int `json:"port"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, fmt.Errorf("vpn port probe: %w", err)
	}
	return body.Port, nil
}

// jsonObject reports whether raw is valid, non-null JSON.
func jsonObject(raw []byte) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v != nil
}
