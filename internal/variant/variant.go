// Package variant defines engine launch templates. A variant declares which
// image to run and how the allocated ports are handed to the engine: either
// environment variables or command-line flags with a {port} placeholder.
package variant

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Channel selects how port configuration reaches the engine process.
type Channel string

const (
	// ChannelEnv passes ports as environment variables; the flag fields
	// hold variable names.
	ChannelEnv Channel = "env"
	// ChannelCmd passes ports as container command arguments; the flag
	// fields hold templates with a {port} placeholder.
	ChannelCmd Channel = "cmd"
)

// Variant is one engine launch template.
type Variant struct {
	Name    string  `yaml:"name" json:"name"`
	Image   string  `yaml:"image" json:"image"`
	Channel Channel `yaml:"channel" json:"channel"`

	HTTPPortFlag  string `yaml:"httpPortFlag" json:"http_port_flag"`
	HTTPSPortFlag string `yaml:"httpsPortFlag,omitempty" json:"https_port_flag,omitempty"`
	P2PPortFlag   string `yaml:"p2pPortFlag,omitempty" json:"p2p_port_flag,omitempty"`

	// HTTPSPort is the in-container HTTPS port reported to clients. It is
	// not host-mapped; engines keep HTTPS off unless a template enables it.
	HTTPSPort int `yaml:"httpsPort,omitempty" json:"https_port,omitempty"`

	Env  map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Args []string          `yaml:"args,omitempty" json:"args,omitempty"`

	SupportsHLS bool `yaml:"supportsHLS" json:"supports_hls"`
}

// Validate checks the template is usable.
func (v *Variant) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("variant: name is required")
	}
	if v.Image == "" {
		return fmt.Errorf("variant %s: image is required", v.Name)
	}
	switch v.Channel {
	case ChannelEnv, ChannelCmd:
	default:
		return fmt.Errorf("variant %s: unknown channel %q", v.Name, v.Channel)
	}
	if v.HTTPPortFlag == "" {
		return fmt.Errorf("variant %s: httpPortFlag is required", v.Name)
	}
	if v.Channel == ChannelCmd {
		for _, tpl := range []string{v.HTTPPortFlag, v.HTTPSPortFlag, v.P2PPortFlag} {
			if tpl != "" && !strings.Contains(tpl, "{port}") {
				return fmt.Errorf("variant %s: cmd template %q lacks {port}", v.Name, tpl)
			}
		}
	}
	return nil
}

// Apply renders the runtime configuration for an engine listening on
// httpPort, optionally binding p2pPort. Returns the environment and command
// arguments to launch with; variant defaults are merged in.
func (v *Variant) Apply(httpPort, p2pPort int) (map[string]string, []string) {
	env := make(map[string]string, len(v.Env)+2)
	for k, val := range v.Env {
		env[k] = val
	}
	args := append([]string(nil), v.Args...)

	switch v.Channel {
	case ChannelEnv:
		env[v.HTTPPortFlag] = strconv.Itoa(httpPort)
		if v.HTTPSPortFlag != "" && v.HTTPSPort > 0 {
			env[v.HTTPSPortFlag] = strconv.Itoa(v.HTTPSPort)
		}
		if p2pPort > 0 && v.P2PPortFlag != "" {
			env[v.P2PPortFlag] = strconv.Itoa(p2pPort)
		}
	case ChannelCmd:
		args = append(args, expand(v.HTTPPortFlag, httpPort)...)
		if v.HTTPSPortFlag != "" && v.HTTPSPort > 0 {
			args = append(args, expand(v.HTTPSPortFlag, v.HTTPSPort)...)
		}
		if p2pPort > 0 && v.P2PPortFlag != "" {
			args = append(args, expand(v.P2PPortFlag, p2pPort)...)
		}
	}
	return env, args
}

// expand substitutes {port} and splits the template into argv tokens, so
// both "--http-port={port}" and "--http-port {port}" templates work.
func expand(tpl string, port int) []string {
	return strings.Fields(strings.ReplaceAll(tpl, "{port}", strconv.Itoa(port)))
}

// DefaultVariant is the built-in acestream template used when no file
// overrides it.
func DefaultVariant(image string) Variant {
	return Variant{
		Name:          "acestream",
		Image:         image,
		Channel:       ChannelEnv,
		HTTPPortFlag:  "HTTP_PORT",
		HTTPSPortFlag: "HTTPS_PORT",
		P2PPortFlag:   "P2P_PORT",
		HTTPSPort:     6880,
		SupportsHLS:   true,
	}
}

// ParseFile parses a YAML file containing one or more variant templates,
// one document per variant.
func ParseFile(path string) ([]Variant, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open variants file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a stream of variant documents.
func Parse(r io.Reader) ([]Variant, error) {
	decoder := yaml.NewDecoder(r)
	var out []Variant
	for {
		var v Variant
		err := decoder.Decode(&v)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode variant yaml: %w", err)
		}
		// Skip empty documents
		if v.Name == "" && v.Image == "" {
			continue
		}
		if err := v.Validate(); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no variant templates found")
	}
	return out, nil
}
