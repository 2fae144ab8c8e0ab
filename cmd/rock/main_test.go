package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	dir := t.TempDir()
	mr := miniredis.RunT(t)
	cfg := filepath.Join(dir, "rock.yaml")
	yaml := "logging:\n  output: " + filepath.ToSlash(filepath.Join(dir, "rock.log")) + "\n" +
		"redis:\n  address: " + mr.Addr() + "\n"
	require.NoError(t, os.WriteFile(cfg, []byte(yaml), 0o644))

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(append(args, "--config", cfg))
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}

func TestBackendsCommand(t *testing.T) {
	got := run(t, "backends")
	assert.Contains(t, got, "redisson")
	assert.Contains(t, got, "rock.lock.Managed")
	assert.Contains(t, got, "zookeeper")
	assert.Contains(t, got, "inmemory")
	assert.Contains(t, got, "rock.lock.Logging")
}

func TestIncrCommand(t *testing.T) {
	got := run(t, "incr", "-n", "50", "-c", "8")
	assert.Contains(t, got, "| 50 ")
}

func TestIncrCommandInMemoryBackend(t *testing.T) {
	got := run(t, "incr", "-n", "20", "-c", "4", "--backend", "inmemory")
	assert.Contains(t, got, "| 20 ")
}

func TestHoldCommand(t *testing.T) {
	got := run(t, "hold", "jobs:nightly", "--for", "10ms")
	assert.Contains(t, got, "holding jobs:nightly")
}
