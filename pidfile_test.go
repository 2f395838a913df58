package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockPIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "serve.pid")

	release, err := lockPIDFile(path)
	require.NoError(t, err)

	pid, err := readPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = lockPIDFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	release()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	release, err = lockPIDFile(path)
	require.NoError(t, err, "lock is free again after release")
	release()
}

func TestLockPIDFile_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := lockPIDFile("")
	require.Error(t, err)
}

func TestReadPID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := readPID(filepath.Join(dir, "missing.pid"))
	require.ErrorIs(t, err, errNoDaemon)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid\n"), 0o644))

	_, err = readPID(bad)
	require.ErrorContains(t, err, "invalid PID")
}

func TestSignalReload_StalePIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "serve.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	_, err := signalReload(path)
	require.ErrorIs(t, err, errNoDaemon)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "stale PID file is removed")
}

func TestSignalReload_SendsSIGHUP(t *testing.T) {
	t.Parallel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), "serve.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	pid, err := signalReload(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, syscall.SIGHUP, <-sigCh)
}
