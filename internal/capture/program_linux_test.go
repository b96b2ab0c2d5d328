//go:build linux

package capture

import (
	"runtime"
	"testing"

	"github.com/cilium/ebpf/rlimit"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/usdt-capture/internal/delivery"
	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/usdt"
)

// argSpecs are argument specs as the assembler emits them on each architecture.
var argSpecs = map[string]map[string]string{
	"amd64": {
		"registers": "8@%rdi 8@%rsi 8@%rdx 8@%rcx",
		"stack":     "8@-8(%rbp) 8@16(%rsp) 8@(%rax) -4@-20(%rbp)",
		"mixed":     "8@$0 -4@%edi 1@%sil 8@-24(%rbp)",
	},
	"arm64": {
		"registers": "8@x0 8@x1 8@x2 8@x3",
		"stack":     "8@[sp, 8] 8@[x29, -16] 8@[x0] -4@[sp, 60]",
		"mixed":     "8@0 -4@w1 1@w2 8@[sp]",
	},
}

// TestNewProgramLoads has the kernel verifier check every layout against
// every kind of argument location.
func TestNewProgramLoads(t *testing.T) {
	if err := usdt.CheckPrivileges(); err != nil {
		t.Skipf("needs BPF privileges: %v", err)
	}
	specs, ok := argSpecs[runtime.GOARCH]
	if !ok {
		t.Skipf("no argument specs for %s", runtime.GOARCH)
	}
	require.NoError(t, rlimit.RemoveMemlock())

	channel, err := delivery.NewKernelChannel(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = channel.Close() })

	for _, l := range []layout.Layout{layout.V1, layout.V2} {
		for name, spec := range specs {
			t.Run(l.Name+"/"+name, func(t *testing.T) {
				args, err := usdt.ParseArgs(spec, runtime.GOARCH)
				require.NoError(t, err)

				prog, err := NewProgram(l, args, channel.Events, channel.Drops)
				require.NoError(t, err)
				require.NoError(t, prog.Close())
			})
		}
	}
}
