package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abshkbh/qalloc/pkg/qubit"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const fullConfig = `
qalloc:
  allocator:
    policy: restricted
    capacity: 16
    max_capacity: 64
    may_extend_capacity: true
    encourage_reuse: false
  restserver:
    host: 127.0.0.1
    port: "7070"
    log_level: debug
  client:
    server_host: 127.0.0.1
    server_port: "7070"
`

func TestGetRestServerConfig(t *testing.T) {
	cfg, err := GetRestServerConfig(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, PolicyRestricted, cfg.Allocator.Policy)
	assert.Equal(t, qubit.Options{
		Capacity:          16,
		MaxCapacity:       64,
		MayExtendCapacity: true,
	}, cfg.Allocator.Options())
}

func TestGetAllocatorConfig_Defaults(t *testing.T) {
	cfg, err := GetAllocatorConfig(writeConfig(t, "qalloc:\n  allocator:\n    capacity: 32\n"))
	require.NoError(t, err)

	assert.Equal(t, PolicyFreeList, cfg.Policy)
	assert.Equal(t, 32, cfg.Capacity)
	assert.True(t, cfg.EncourageReuse, "unset keys keep their defaults")

	cfg, err = GetAllocatorConfig(writeConfig(t, "qalloc:\n  client:\n    server_port: \"1\"\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAllocatorConfig(), *cfg)
}

func TestGetAllocatorConfig_Invalid(t *testing.T) {
	_, err := GetAllocatorConfig(writeConfig(t, "qalloc:\n  allocator:\n    policy: lru\n"))
	require.ErrorIs(t, err, qubit.ErrArgument)

	_, err = GetAllocatorConfig(writeConfig(t, "qalloc:\n  allocator:\n    capacity: 9\n    max_capacity: 8\n"))
	require.ErrorIs(t, err, qubit.ErrArgument)

	_, err = GetAllocatorConfig(writeConfig(t, "qalloc:\n  allocator:\n    capacity: 2147483647\n"))
	require.ErrorIs(t, err, qubit.ErrArgument)

	_, err = GetAllocatorConfig(writeConfig(t, "qalloc:\n  allocator:\n    max_capacity: 1048577\n"))
	require.ErrorIs(t, err, qubit.ErrArgument)

	_, err = GetAllocatorConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestGetClientConfig(t *testing.T) {
	cfg, err := GetClientConfig(writeConfig(t, fullConfig))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Equal(t, "7070", cfg.ServerPort)

	_, err = GetClientConfig(writeConfig(t, "qalloc:\n  allocator:\n    capacity: 8\n"))
	require.Error(t, err)
}

func TestAllocatorConfig_CapacityLimit(t *testing.T) {
	cfg := DefaultAllocatorConfig()
	assert.Equal(t, CapacityLimit, cfg.Options().Limit())
	require.NoError(t, cfg.Validate())

	cfg.MaxCapacity = 0
	assert.Equal(t, CapacityLimit, cfg.Options().MaxCapacity, "zero max_capacity means the limit")

	cfg.Capacity = CapacityLimit
	require.NoError(t, cfg.Validate())
	cfg.Capacity = CapacityLimit + 1
	require.ErrorIs(t, cfg.Validate(), qubit.ErrArgument)
}
