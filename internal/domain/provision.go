package domain

// AceProvisionRequest asks for one engine container. All fields are
// optional: the variant template fills in defaults.
type AceProvisionRequest struct {
	Image  string            `json:"image,omitempty"`
	Labels map[string]string `json:"labels"`
	Env    map[string]string `json:"env"`
	// HostPort pins the HTTP port instead of taking the lowest free one.
	HostPort *int `json:"host_port,omitempty"`
}

// AceProvisionResponse reports the launched engine back to the proxy.
type AceProvisionResponse struct {
	ContainerID        string `json:"container_id"`
	ContainerName      string `json:"container_name"`
	Host               string `json:"host"`
	HostHTTPPort       int    `json:"host_http_port"`
	ContainerHTTPPort  int    `json:"container_http_port"`
	ContainerHTTPSPort int    `json:"container_https_port"`
	Forwarded          bool   `json:"forwarded"`
	P2PPort            int    `json:"p2p_port,omitempty"`
}

// GenericProvisionRequest launches an arbitrary managed container. Used by
// operators for one-off sidecars; engines should go through the acestream
// path so ports and VPN assignment are accounted.
type GenericProvisionRequest struct {
	Image  string            `json:"image"`
	Name   string            `json:"name,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	Cmd    []string          `json:"cmd,omitempty"`
	// Ports maps host port → container port.
	Ports map[int]int `json:"ports,omitempty"`
}
