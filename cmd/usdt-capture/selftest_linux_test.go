//go:build linux

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelftest(t *testing.T) {
	var out bytes.Buffer
	err := runSelftest(context.Background(), selftestOptions{
		layout:    "v2",
		producers: 2,
		firings:   3,
		capacity:  16,
		logLevel:  "error",
	}, &out)
	require.NoError(t, err)

	block := "method: store\nevent: ok\nkey: user:42\ntrace_id: abc123\n"
	assert.Equal(t, strings.Repeat(block, 6), out.String())
}

func TestSelftestDropsWhenRingIsFull(t *testing.T) {
	var out bytes.Buffer
	err := runSelftest(context.Background(), selftestOptions{
		layout:    "v1",
		producers: 1,
		firings:   10,
		capacity:  4,
		logLevel:  "error",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(out.String(), "method: store\n"))
	assert.Equal(t, 4, strings.Count(out.String(), "ts: "))
}

func TestSelftestRejectsUnknownLayout(t *testing.T) {
	err := runSelftest(context.Background(), selftestOptions{layout: "v0", producers: 1, logLevel: "error"}, &bytes.Buffer{})
	require.Error(t, err)
}
