package config

import (
	"fmt"
	"sync/atomic"
)

// Loader produces a fresh validated config. The server passes a closure
// that re-runs Resolve so environment and flag overrides survive reloads.
type Loader func() (*Config, error)

// Holder hands the current config to concurrent readers and swaps it on
// reload. A reader keeps the snapshot it took; deliveries already running
// finish with the settings they started with.
type Holder struct {
	cur  atomic.Pointer[Config]
	gen  atomic.Uint64
	path string
	load Loader
}

// NewHolder creates a Holder serving cfg. A nil load reloads by reading the
// file at path.
func NewHolder(cfg *Config, path string, load Loader) *Holder {
	h := &Holder{path: path, load: load}
	h.cur.Store(cfg)

	if h.load == nil {
		h.load = func() (*Config, error) { return Load(path) }
	}

	return h
}

// Config returns the current snapshot.
func (h *Holder) Config() *Config {
	return h.cur.Load()
}

// Path returns the config file path, which never changes.
func (h *Holder) Path() string {
	return h.path
}

// Generation counts the swaps since construction.
func (h *Holder) Generation() uint64 {
	return h.gen.Load()
}

// Update swaps in cfg.
func (h *Holder) Update(cfg *Config) {
	h.cur.Store(cfg)
	h.gen.Add(1)
}

// Reload runs the loader and swaps in its result. On error the current
// config stays in effect.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := h.load()
	if err != nil {
		return nil, fmt.Errorf("config: reload: %w", err)
	}

	h.Update(cfg)

	return cfg, nil
}
