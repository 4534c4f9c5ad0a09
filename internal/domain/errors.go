package domain

import "errors"

// Error taxonomy. Handlers map these onto HTTP statuses; everything else is
// an internal error. Wrap with fmt.Errorf("...: %w", err) at call sites so
// errors.Is keeps working across layers.
var (
	// ErrValidation covers malformed events and requests (4xx).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound reports a missing engine or stream (404).
	ErrNotFound = errors.New("not found")

	// ErrAtCapacity means active replicas reached MAX_ACTIVE_REPLICAS.
	ErrAtCapacity = errors.New("at capacity")

	// ErrPortExhausted means the VPN's port range has no free port.
	ErrPortExhausted = errors.New("port range exhausted")

	// ErrNoVPNAvailable means no candidate VPN is healthy and stable.
	ErrNoVPNAvailable = errors.New("no vpn available")

	// ErrCircuitOpen means the provisioning circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("provisioning circuit open")

	// ErrContainerStart wraps driver failures while launching an engine.
	ErrContainerStart = errors.New("container start failed")

	// ErrForwardedTaken rejects a second forwarded engine on one VPN.
	ErrForwardedTaken = errors.New("vpn already has a forwarded engine")
)
