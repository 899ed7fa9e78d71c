package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.DHT.IPv4)
	require.NotEmpty(t, cfg.DHT.BootstrapNodes)
	require.Equal(t, uint16(6881), cfg.DHT.Port)
}

func TestValidateNoFamily(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DHT.IPv4 = false
	cfg.DHT.IPv6 = false
	require.Equal(t, ErrNoFamilyEnabled, cfg.Validate())
}

func TestSetRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetRoot("/tmp/mldht-test")
	require.Equal(t, "/tmp/mldht-test/log", cfg.LogDir())
}
