package procmeta

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeThread lays out the procfs entries Lookup reads.
func fakeThread(t *testing.T, root string, tid, tgid uint32, comm, exe string) {
	t.Helper()
	dir := filepath.Join(root, strconv.FormatUint(uint64(tid), 10))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	status := "Name:\t" + comm + "\nUmask:\t0022\nState:\tS (sleeping)\nTgid:\t" +
		strconv.FormatUint(uint64(tgid), 10) + "\nNgid:\t0\nPid:\t" + strconv.FormatUint(uint64(tid), 10) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644))
	if exe != "" {
		require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
	}
}

func TestLookup(t *testing.T) {
	root := t.TempDir()
	fakeThread(t, root, 4242, 4200, "ccache-worker", "/usr/bin/ccache")

	md, err := Lookup(root, 4242)
	require.NoError(t, err)
	assert.Equal(t, &ThreadMetadata{Tid: 4242, Pid: 4200, Comm: "ccache-worker", Exe: "/usr/bin/ccache"}, md)
}

func TestLookup_UnreadableExe(t *testing.T) {
	root := t.TempDir()
	fakeThread(t, root, 7, 7, "server", "")

	md, err := Lookup(root, 7)
	require.NoError(t, err)
	assert.Empty(t, md.Exe)
	assert.Equal(t, "server", md.Comm)
}

func TestLookup_GoneThread(t *testing.T) {
	_, err := Lookup(t.TempDir(), 99)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLookup_Self(t *testing.T) {
	if _, err := os.Stat(DefaultProcRoot); err != nil {
		t.Skip("no procfs")
	}

	pid := uint32(os.Getpid())
	md, err := Lookup(DefaultProcRoot, pid)
	require.NoError(t, err)
	assert.Equal(t, pid, md.Pid)
	assert.NotEmpty(t, md.Comm)
}

func TestParseTgid(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		want    uint32
		wantErr bool
	}{
		{"present", "Name:\tx\nTgid:\t123\n", 123, false},
		{"extra spaces", "Tgid:    9\n", 9, false},
		{"missing", "Name:\tx\nPid:\t1\n", 0, true},
		{"garbage", "Tgid:\tabc\n", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTgid([]byte(tt.status))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
