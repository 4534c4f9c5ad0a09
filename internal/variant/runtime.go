package variant

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Stream delivery modes offered to the proxy.
const (
	ModeTS  = "ts"
	ModeHLS = "hls"
)

// RuntimeConfig is the mutable slice of configuration persisted across
// restarts: the delivery mode, the loop-detection toggle and the custom
// variant override. A nil LoopDetection means the static config decides.
type RuntimeConfig struct {
	StreamMode    string   `json:"stream_mode"`
	LoopDetection *bool    `json:"loop_detection,omitempty"`
	CustomVariant Override `json:"custom_variant"`
}

// Update is a partial RuntimeConfig change. Nil fields keep current values;
// in particular a template change without an Enabled field leaves the
// current flag untouched.
type Update struct {
	StreamMode    *string `json:"stream_mode,omitempty"`
	LoopDetection *bool   `json:"loop_detection,omitempty"`
	CustomVariant *struct {
		Enabled *bool    `json:"enabled,omitempty"`
		Variant *Variant `json:"variant,omitempty"`
	} `json:"custom_variant,omitempty"`
}

// Runtime owns the persisted runtime configuration.
type Runtime struct {
	mu   sync.Mutex
	path string
	mode string
	loop *bool
	mgr  *Manager
}

// NewRuntime wraps mgr with persistence at path. Mode starts as ts.
func NewRuntime(path string, mgr *Manager) *Runtime {
	return &Runtime{path: path, mode: ModeTS, mgr: mgr}
}

// Load restores a previously persisted configuration. A missing file is not
// an error; the defaults stand.
func (r *Runtime) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read runtime config: %w", err)
	}
	var rc RuntimeConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return fmt.Errorf("parse runtime config: %w", err)
	}
	if rc.StreamMode != "" {
		if rc.StreamMode != ModeTS && rc.StreamMode != ModeHLS {
			return fmt.Errorf("runtime config: unknown stream mode %q", rc.StreamMode)
		}
		r.mode = rc.StreamMode
	}
	if rc.LoopDetection != nil {
		r.loop = rc.LoopDetection
	}
	if rc.CustomVariant.Variant.Name != "" || rc.CustomVariant.Variant.Image != "" {
		if err := r.mgr.Restore(rc.CustomVariant); err != nil {
			return fmt.Errorf("runtime config: %w", err)
		}
	}
	return nil
}

// LoopDetection returns the persisted loop-detection toggle; ok is false
// when no override has been applied and the static default stands.
func (r *Runtime) LoopDetection() (value, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loop == nil {
		return false, false
	}
	return *r.loop, true
}

// StreamMode returns the active delivery mode.
func (r *Runtime) StreamMode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Snapshot returns the current persisted view.
func (r *Runtime) Snapshot() RuntimeConfig {
	r.mu.Lock()
	mode := r.mode
	loop := r.loop
	r.mu.Unlock()
	return RuntimeConfig{StreamMode: mode, LoopDetection: loop, CustomVariant: r.mgr.Custom()}
}

// Apply validates and applies a partial update, then persists the result.
// HLS mode is rejected while the active variant cannot serve HLS.
func (r *Runtime) Apply(upd Update) (RuntimeConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode := r.mode
	if upd.StreamMode != nil {
		mode = *upd.StreamMode
		if mode != ModeTS && mode != ModeHLS {
			return RuntimeConfig{}, fmt.Errorf("unknown stream mode %q", mode)
		}
	}

	// Stage variant changes so a validation failure leaves nothing applied.
	custom := r.mgr.Custom()
	if upd.CustomVariant != nil {
		if upd.CustomVariant.Variant != nil {
			v := *upd.CustomVariant.Variant
			if v.Name == "" {
				v.Name = "custom"
			}
			if err := v.Validate(); err != nil {
				return RuntimeConfig{}, err
			}
			custom.Variant = v
		}
		if upd.CustomVariant.Enabled != nil {
			custom.Enabled = *upd.CustomVariant.Enabled
		}
	}

	active := custom.Variant
	if !custom.Enabled {
		active, _ = r.mgr.Variant("acestream")
	}
	if mode == ModeHLS && !active.SupportsHLS {
		return RuntimeConfig{}, fmt.Errorf("variant %s does not support hls", active.Name)
	}

	if upd.CustomVariant != nil {
		if upd.CustomVariant.Variant != nil {
			if err := r.mgr.ApplyCustomTemplate(custom.Variant); err != nil {
				return RuntimeConfig{}, err
			}
		}
		if upd.CustomVariant.Enabled != nil {
			r.mgr.SetCustomEnabled(*upd.CustomVariant.Enabled)
		}
	}
	r.mode = mode
	if upd.LoopDetection != nil {
		r.loop = upd.LoopDetection
	}

	rc := RuntimeConfig{StreamMode: mode, LoopDetection: r.loop, CustomVariant: r.mgr.Custom()}
	if err := r.persist(rc); err != nil {
		return rc, err
	}
	return rc, nil
}

func (r *Runtime) persist(rc RuntimeConfig) error {
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write runtime config: %w", err)
	}
	return nil
}
