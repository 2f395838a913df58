package config

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder_Snapshot(t *testing.T) {
	first := DefaultConfig()
	h := NewHolder(first, "/etc/pagesave/config.toml", nil)

	assert.Same(t, first, h.Config())
	assert.Equal(t, "/etc/pagesave/config.toml", h.Path())
	assert.Zero(t, h.Generation())

	next := DefaultConfig()
	next.Delivery.ParallelDeliveries = 8
	h.Update(next)

	assert.Same(t, next, h.Config())
	assert.Equal(t, 4, first.Delivery.ParallelDeliveries, "old snapshot untouched")
	assert.Equal(t, uint64(1), h.Generation())
}

func TestHolder_ReloadUsesLoader(t *testing.T) {
	calls := 0
	h := NewHolder(DefaultConfig(), "", func() (*Config, error) {
		calls++

		cfg := DefaultConfig()
		cfg.Delivery.DownloadDir = "/reloaded"

		return cfg, nil
	})

	cfg, err := h.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "/reloaded", cfg.Delivery.DownloadDir)
	assert.Same(t, cfg, h.Config())
}

func TestHolder_ReloadFailureKeepsConfig(t *testing.T) {
	orig := DefaultConfig()
	h := NewHolder(orig, "", func() (*Config, error) { return nil, errors.New("bad toml") })

	_, err := h.Reload()
	require.Error(t, err)
	assert.Same(t, orig, h.Config())
	assert.Zero(t, h.Generation())
}

func TestHolder_ReloadDefaultsToFile(t *testing.T) {
	path := writeTestConfig(t, "[delivery]\nparallel_deliveries = 3\n")
	h := NewHolder(DefaultConfig(), path, nil)

	cfg, err := h.Reload()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Delivery.ParallelDeliveries)
}

func TestHolder_ConcurrentReload(t *testing.T) {
	h := NewHolder(DefaultConfig(), "", func() (*Config, error) { return DefaultConfig(), nil })

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(2)

		go func() {
			defer wg.Done()

			for range 100 {
				assert.NotNil(t, h.Config())
			}
		}()

		go func() {
			defer wg.Done()

			for range 20 {
				_, _ = h.Reload()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, uint64(200), h.Generation())
}
