package domain

// Container labels applied to every managed engine. These are the reindex
// contract: a restarted control plane rebuilds its state from them, so the
// exact strings must stay stable across versions.
const (
	LabelManaged      = "control-plane.managed"
	LabelVPNContainer = "control-plane.vpn_container"
	LabelForwarded    = "control-plane.forwarded"
	LabelHostHTTPPort = "control-plane.host_http_port"
	LabelStreamGroup  = "control-plane.stream_group"
)

// ManagedLabelFilter is the docker label filter selecting engines owned by
// this control plane.
const ManagedLabelFilter = LabelManaged + "=true"
