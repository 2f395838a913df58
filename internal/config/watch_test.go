package config

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeTestConfig(t, "[delivery]\nparallel_deliveries = 2\ndownload_dir = \"/tmp\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(cfg, path, nil)
	changed := make(chan *Config, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- Watch(ctx, h, slog.Default(), func(c *Config) { changed <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is ignored.
	require.NoError(t, os.WriteFile(path, []byte("[delivery]\nparallel_deliveries = 0\n"), 0o600))
	time.Sleep(2 * reloadDebounce)
	assert.Equal(t, 2, h.Config().Delivery.ParallelDeliveries)

	require.NoError(t, os.WriteFile(path, []byte("[delivery]\nparallel_deliveries = 7\ndownload_dir = \"/tmp\"\n"), 0o600))

	select {
	case c := <-changed:
		assert.Equal(t, 7, c.Delivery.ParallelDeliveries)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	assert.Equal(t, 7, h.Config().Delivery.ParallelDeliveries)

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_NoPath(t *testing.T) {
	err := Watch(context.Background(), NewHolder(DefaultConfig(), "", nil), slog.Default(), nil)
	require.Error(t, err)
}
