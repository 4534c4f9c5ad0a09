package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// EngineRef locates an engine by its proxy-facing address.
type EngineRef struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StreamRef identifies the content a playback session is serving.
type StreamRef struct {
	KeyType KeyType `json:"key_type"`
	Key     string  `json:"key"`
}

// SessionRef carries the engine-issued playback session. IsLive arrives as
// an integer on the wire (the engine API reports 0/1).
type SessionRef struct {
	PlaybackSessionID string `json:"playback_session_id"`
	StatURL           string `json:"stat_url"`
	CommandURL        string `json:"command_url"`
	IsLive            int    `json:"is_live"`
}

// StreamStartedEvent is posted by the proxy when an engine accepts a new
// playback session. Idempotent per (key, playback_session_id).
type StreamStartedEvent struct {
	ContainerID string            `json:"container_id,omitempty"`
	Engine      EngineRef         `json:"engine"`
	Stream      StreamRef         `json:"stream"`
	Session     SessionRef        `json:"session"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Validate checks the structural requirements of a started event.
func (e *StreamStartedEvent) Validate() error {
	if e.Engine.Host == "" || e.Engine.Port <= 0 {
		return fmt.Errorf("%w: missing engine host/port", ErrValidation)
	}
	if e.Stream.Key == "" {
		return fmt.Errorf("%w: missing stream key", ErrValidation)
	}
	if !ValidKeyType(e.Stream.KeyType) {
		return fmt.Errorf("%w: unknown key_type %q", ErrValidation, e.Stream.KeyType)
	}
	if e.Session.PlaybackSessionID == "" {
		return fmt.Errorf("%w: missing playback_session_id", ErrValidation)
	}
	return nil
}

// StreamID resolves the id for this event: the stream_id label when the
// proxy supplied one, else key|playback_session_id.
func (e *StreamStartedEvent) StreamID() string {
	if id := e.Labels["stream_id"]; id != "" {
		return id
	}
	return StreamID(e.Stream.Key, e.Session.PlaybackSessionID)
}

// StreamEndedEvent is posted when a playback session terminates. Matching
// precedence: stream_id, then the host:port derived from stat_url, then
// container_id.
type StreamEndedEvent struct {
	ContainerID string `json:"container_id,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
	StatURL     string `json:"stat_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Validate checks that the event carries at least one way to locate the
// stream.
func (e *StreamEndedEvent) Validate() error {
	if e.StreamID == "" && e.StatURL == "" && e.ContainerID == "" {
		return fmt.Errorf("%w: stream_ended needs stream_id, stat_url or container_id", ErrValidation)
	}
	return nil
}

// HostPortFromURL extracts "host:port" from an engine URL such as a
// stat_url. Returns "" when the URL does not parse or has no explicit port.
func HostPortFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() == "" {
		return ""
	}
	return u.Host
}

// SplitHostPort is the inverse of HostPort on Engine; tolerant of bare
// "host:port" strings without a scheme.
func SplitHostPort(hostport string) (string, int, bool) {
	idx := strings.LastIndex(hostport, ":")
	if idx <= 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil || port <= 0 {
		return "", 0, false
	}
	return hostport[:idx], port, true
}
