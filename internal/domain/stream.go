package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// StreamStatus tracks the started→ended lifecycle. The transition is
// monotonic: an ended stream never restarts under the same id.
type StreamStatus string

const (
	StreamStarted StreamStatus = "started"
	StreamEnded   StreamStatus = "ended"
)

// KeyType identifies how a stream's content key should be interpreted.
type KeyType string

const (
	KeyTypeContentID KeyType = "content_id"
	KeyTypeInfohash  KeyType = "infohash"
	KeyTypeURL       KeyType = "url"
	KeyTypeMagnet    KeyType = "magnet"
)

// ValidKeyType reports whether kt is one of the accepted key types.
func ValidKeyType(kt KeyType) bool {
	switch kt {
	case KeyTypeContentID, KeyTypeInfohash, KeyTypeURL, KeyTypeMagnet:
		return true
	}
	return false
}

// Stream is a live playback session bound to an engine.
type Stream struct {
	ID                string            `json:"id"`
	KeyType           KeyType           `json:"key_type"`
	Key               string            `json:"key"`
	ContainerID       string            `json:"container_id"`
	PlaybackSessionID string            `json:"playback_session_id"`
	StatURL           string            `json:"stat_url"`
	CommandURL        string            `json:"command_url"`
	IsLive            bool              `json:"is_live"`
	StartedAt         time.Time         `json:"started_at"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	Status            StreamStatus      `json:"status"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// StreamID derives the canonical stream id when the event carries no
// stream_id label: the content key and playback session joined by a pipe.
func StreamID(key, playbackSessionID string) string {
	return fmt.Sprintf("%s|%s", key, playbackSessionID)
}

// StatSnapshot is one append-only statistics sample for a stream. LiveLast
// is the engine's live playback position, zero for VOD content.
type StatSnapshot struct {
	StreamID   string    `json:"stream_id"`
	Ts         time.Time `json:"ts"`
	Peers      int       `json:"peers"`
	SpeedDown  int       `json:"speed_down"`
	SpeedUp    int       `json:"speed_up"`
	Downloaded int64     `json:"downloaded"`
	Uploaded   int64     `json:"uploaded"`
	LiveLast   int64     `json:"live_last,omitempty"`
	Status     string    `json:"status"`
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
