package variant

import (
	"fmt"
	"sync"
)

// Override is the mutable custom template applied at provision time when
// enabled. Its Enabled flag survives template reloads: loading a saved
// template never flips the current flag.
type Override struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Variant Variant `json:"variant" yaml:"variant"`
}

// Manager holds the named templates plus the custom override.
type Manager struct {
	mu       sync.RWMutex
	variants map[string]Variant
	order    []string
	custom   Override
}

// NewManager seeds the built-in acestream template.
func NewManager(defaultImage string) *Manager {
	def := DefaultVariant(defaultImage)
	return &Manager{
		variants: map[string]Variant{def.Name: def},
		order:    []string{def.Name},
		custom:   Override{Variant: def},
	}
}

// LoadFile merges templates from a YAML file. Later definitions replace
// earlier ones of the same name; the built-in stays unless shadowed.
func (m *Manager) LoadFile(path string) error {
	vs, err := ParseFile(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vs {
		if _, ok := m.variants[v.Name]; !ok {
			m.order = append(m.order, v.Name)
		}
		m.variants[v.Name] = v
	}
	return nil
}

// Variant looks up a template by name.
func (m *Manager) Variant(name string) (Variant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.variants[name]
	return v, ok
}

// List returns templates in definition order.
func (m *Manager) List() []Variant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Variant, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.variants[name])
	}
	return out
}

// Active resolves the template used for new engines: the custom override
// when enabled, otherwise the named default.
func (m *Manager) Active() Variant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.custom.Enabled {
		return m.custom.Variant
	}
	return m.variants["acestream"]
}

// Resolve picks the template for a provision request. An explicit name wins,
// "custom" selects the override regardless of its flag, empty falls back to
// Active.
func (m *Manager) Resolve(name string) (Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch name {
	case "":
		if m.custom.Enabled {
			return m.custom.Variant, nil
		}
		return m.variants["acestream"], nil
	case "custom":
		return m.custom.Variant, nil
	default:
		v, ok := m.variants[name]
		if !ok {
			return Variant{}, fmt.Errorf("unknown variant %q", name)
		}
		return v, nil
	}
}

// ApplyCustomTemplate swaps the override's template while keeping the
// current Enabled flag.
func (m *Manager) ApplyCustomTemplate(v Variant) error {
	if v.Name == "" {
		v.Name = "custom"
	}
	if err := v.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom.Variant = v
	return nil
}

// SetCustomEnabled flips the override on or off.
func (m *Manager) SetCustomEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom.Enabled = enabled
}

// Custom returns a copy of the override.
func (m *Manager) Custom() Override {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.custom
}

// Restore installs a persisted override wholesale, flag included. Used only
// when rehydrating saved runtime state at startup.
func (m *Manager) Restore(o Override) error {
	if o.Variant.Name == "" {
		o.Variant.Name = "custom"
	}
	if err := o.Variant.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom = o
	return nil
}
