package procmeta

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultProcRoot is where procfs is mounted.
const DefaultProcRoot = "/proc"

// ThreadMetadata describes a thread of a traced process.
type ThreadMetadata struct {
	Tid uint32
	// Pid is the thread group ID: the process the thread belongs to.
	Pid  uint32
	Comm string // Thread name
	// Exe is the executable path. Empty when the link cannot be read, which
	// needs ptrace access to the process.
	Exe string
}

// Lookup reads the metadata of tid from the procfs mounted at root.
func Lookup(root string, tid uint32) (*ThreadMetadata, error) {
	dir := filepath.Join(root, strconv.FormatUint(uint64(tid), 10))

	comm, err := os.ReadFile(filepath.Join(dir, "comm"))
	if err != nil {
		return nil, fmt.Errorf("reading thread %d name: %w", tid, err)
	}

	status, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		return nil, fmt.Errorf("reading thread %d status: %w", tid, err)
	}
	pid, err := parseTgid(status)
	if err != nil {
		return nil, fmt.Errorf("thread %d: %w", tid, err)
	}

	md := &ThreadMetadata{
		Tid:  tid,
		Pid:  pid,
		Comm: string(bytes.TrimRight(comm, "\n")),
	}
	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		md.Exe = exe
	}
	return md, nil
}

// parseTgid extracts the Tgid line of /proc/<tid>/status.
func parseTgid(status []byte) (uint32, error) {
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		value, ok := strings.CutPrefix(sc.Text(), "Tgid:")
		if !ok {
			continue
		}
		pid, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("parsing Tgid %q: %w", value, err)
		}
		return uint32(pid), nil
	}
	return 0, fmt.Errorf("no Tgid in status")
}
