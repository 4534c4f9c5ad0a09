package debug

import (
	"sync/atomic"
	"time"
)

// The process-wide sink, initialized by the daemon. Defaults to disabled so
// library code can trace unconditionally.
var global atomic.Pointer[Sink]

func init() {
	global.Store(New(false, ""))
}

// Init installs the process-wide sink and returns it for lifecycle control.
func Init(enabled bool, logDir string) *Sink {
	s := New(enabled, logDir)
	global.Store(s)
	return s
}

// Active returns the current process-wide sink.
func Active() *Sink {
	return global.Load()
}

// Session records a stream lifecycle event.
func Session(event, streamID string, fields map[string]any) {
	data := map[string]any{"event": event, "stream_id": streamID}
	for k, v := range fields {
		data[k] = v
	}
	Active().Log(CategorySession, data)
}

// Provisioning records one provision attempt.
func Provisioning(op, vpn string, duration time.Duration, err error) {
	Active().Log(CategoryProvisioning, map[string]any{
		"operation":   op,
		"vpn":         vpn,
		"duration_ms": duration.Milliseconds(),
		"success":     err == nil,
		"error":       errString(err),
	})
}

// Health records one engine health probe.
func Health(containerID string, healthy bool, duration time.Duration) {
	Active().Log(CategoryHealth, map[string]any{
		"container_id": containerID,
		"healthy":      healthy,
		"duration_ms":  duration.Milliseconds(),
	})
}

// VPN records a sidecar state change or probe outcome.
func VPN(vpn, event string, fields map[string]any) {
	data := map[string]any{"vpn": vpn, "event": event}
	for k, v := range fields {
		data[k] = v
	}
	Active().Log(CategoryVPN, data)
}

// Circuit records a breaker transition.
func Circuit(name, state, event string) {
	Active().Log(CategoryCircuitBreaker, map[string]any{
		"breaker": name,
		"state":   state,
		"event":   event,
	})
}

// Performance records a timed operation outside provisioning.
func Performance(op string, duration time.Duration, fields map[string]any) {
	data := map[string]any{
		"operation":   op,
		"duration_ms": duration.Milliseconds(),
	}
	for k, v := range fields {
		data[k] = v
	}
	Active().Log(CategoryPerformance, data)
}

// Stress records load-shedding and saturation signals.
func Stress(event string, fields map[string]any) {
	data := map[string]any{"event": event}
	for k, v := range fields {
		data[k] = v
	}
	Active().Log(CategoryStress, data)
}

// Failure records an error with its component and operation.
func Failure(component, op string, err error) {
	Active().Log(CategoryErrors, map[string]any{
		"component": component,
		"operation": op,
		"error":     errString(err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
