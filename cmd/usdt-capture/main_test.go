package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/usdt-capture/internal/config"
	"github.com/mrzor/usdt-capture/internal/usdt"
)

func TestRootRequiresTarget(t *testing.T) {
	cmd := newRootCmd(&config.Config{Provider: "ccache", Probe: "store", Layout: "v1"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(nil)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing TARGET")
	assert.Contains(t, out.String(), "Usage:")
}

func TestRootRejectsExtraArguments(t *testing.T) {
	cmd := newRootCmd(&config.Config{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"/bin/a", "/bin/b"})

	require.Error(t, cmd.Execute())
}

func TestRootFlagsOverrideConfig(t *testing.T) {
	cfg := &config.Config{Provider: "ccache", Probe: "store", Layout: "v1", RingSize: 4096}
	cmd := newRootCmd(cfg)

	require.NoError(t, cmd.ParseFlags([]string{
		"--provider", "redis", "--probe", "cmd", "--layout", "v2", "--pid", "7", "-a", "k=key",
	}))
	assert.Equal(t, "redis", cfg.Provider)
	assert.Equal(t, "cmd", cfg.Probe)
	assert.Equal(t, "v2", cfg.Layout)
	assert.Equal(t, 7, cfg.PID)
	assert.Equal(t, 4096, cfg.RingSize)
}

func TestRootValidatesBeforeAttaching(t *testing.T) {
	cfg := &config.Config{Provider: "ccache", Probe: "store", Layout: "v1", RingSize: 4096}
	cmd := newRootCmd(cfg)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--layout", "v9", "/bin/true"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v9")
}

func TestRootRejectsBadAttribute(t *testing.T) {
	cfg := &config.Config{Provider: "ccache", Probe: "store", Layout: "v1", RingSize: 4096}
	cmd := newRootCmd(cfg)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-a", "novalue", "/bin/true"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NAME=EXPR")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"permission",
			&usdt.PermissionError{Op: "attaching", Err: usdt.ErrInsufficientCapability},
			"CAP_BPF and CAP_PERFMON",
		},
		{
			"probe not found",
			&usdt.ProbeNotFoundError{Path: "/usr/bin/ccache", Provider: "ccache", Name: "store"},
			"readelf -n /usr/bin/ccache",
		},
		{
			"attach",
			&usdt.AttachError{Path: "/usr/bin/ccache", Err: errors.New("boom")},
			"attaching failed",
		},
		{"other", errors.New("plain"), "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, describe(tt.err), tt.want)
		})
	}
}
