package usdt

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

const (
	stapsdtSection     = ".note.stapsdt"
	stapsdtBaseSection = ".stapsdt.base"
	stapsdtNoteName    = "stapsdt"
	stapsdtNoteType    = 3
)

// Note is one SystemTap SDT note: a single tracepoint call site.
type Note struct {
	Provider  string
	Name      string
	PC        uint64
	Base      uint64
	Semaphore uint64
	ArgsSpec  string
}

// ID returns "provider:name".
func (n Note) ID() string {
	return n.Provider + ":" + n.Name
}

// Target is a call site resolved against the image's program headers.
type Target struct {
	Note
	// Offset is the file offset of the call site, as expected by uprobes.
	Offset uint64
	// SemaphoreOffset is the file offset of the probe semaphore, or 0.
	SemaphoreOffset uint64
	Args            []Arg
}

// ReadNotes returns every SDT note embedded in f.
func ReadNotes(f *elf.File) ([]Note, error) {
	sec := f.Section(stapsdtSection)
	if sec == nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", stapsdtSection, err)
	}

	addrSize := 8
	if f.Class == elf.ELFCLASS32 {
		addrSize = 4
	}
	return parseNotes(data, f.ByteOrder, addrSize)
}

func parseNotes(data []byte, bo binary.ByteOrder, addrSize int) ([]Note, error) {
	var notes []Note
	for len(data) > 0 {
		if len(data) < 12 {
			return nil, errors.New("truncated note header")
		}
		nameSize := int(bo.Uint32(data[0:]))
		descSize := int(bo.Uint32(data[4:]))
		noteType := bo.Uint32(data[8:])

		nameEnd := 12 + align4(nameSize)
		descEnd := nameEnd + align4(descSize)
		if nameSize < 0 || descSize < 0 || descEnd > len(data) || 12+nameSize > len(data) {
			return nil, errors.New("truncated note")
		}

		name := cString(data[12 : 12+nameSize])
		desc := data[nameEnd : nameEnd+descSize]
		data = data[descEnd:]

		if noteType != stapsdtNoteType || name != stapsdtNoteName {
			continue
		}

		n, err := parseNoteDesc(desc, bo, addrSize)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, nil
}

func parseNoteDesc(desc []byte, bo binary.ByteOrder, addrSize int) (Note, error) {
	if len(desc) < 3*addrSize {
		return Note{}, errors.New("note descriptor too short")
	}

	addr := func(i int) uint64 {
		if addrSize == 4 {
			return uint64(bo.Uint32(desc[i*4:]))
		}
		return bo.Uint64(desc[i*8:])
	}

	n := Note{
		PC:        addr(0),
		Base:      addr(1),
		Semaphore: addr(2),
	}

	strs := splitCStrings(desc[3*addrSize:])
	if len(strs) < 2 {
		return Note{}, errors.New("note descriptor missing provider or name")
	}
	n.Provider = strs[0]
	n.Name = strs[1]
	if len(strs) > 2 {
		n.ArgsSpec = strs[2]
	}
	return n, nil
}

// Resolve finds every call site of provider:name in the image at path.
func Resolve(path, provider, name string) ([]Target, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &AttachError{Path: path, Err: err}
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // Read-only file
	}()

	notes, err := ReadNotes(f)
	if err != nil {
		return nil, &AttachError{Path: path, Err: err}
	}

	var baseAddr uint64
	if sec := f.Section(stapsdtBaseSection); sec != nil {
		baseAddr = sec.Addr
	}

	var targets []Target
	seen := make(map[string]bool)
	var available []string
	for _, n := range notes {
		if !seen[n.ID()] {
			seen[n.ID()] = true
			available = append(available, n.ID())
		}
		if n.Provider != provider || n.Name != name {
			continue
		}

		pc, sema := n.PC, n.Semaphore
		// Prelinked images: shift by the difference between the recorded and actual base.
		if baseAddr != 0 && n.Base != 0 {
			pc = pc + baseAddr - n.Base
			if sema != 0 {
				sema = sema + baseAddr - n.Base
			}
		}

		off, err := fileOffset(f, pc)
		if err != nil {
			return nil, &AttachError{Path: path, Err: fmt.Errorf("call site of %s: %w", n.ID(), err)}
		}

		var semaOff uint64
		if sema != 0 {
			if semaOff, err = fileOffset(f, sema); err != nil {
				return nil, &AttachError{Path: path, Err: fmt.Errorf("semaphore of %s: %w", n.ID(), err)}
			}
		}

		args, err := ParseArgs(n.ArgsSpec, runtime.GOARCH)
		if err != nil {
			return nil, &AttachError{Path: path, Err: fmt.Errorf("arguments of %s: %w", n.ID(), err)}
		}

		targets = append(targets, Target{
			Note:            n,
			Offset:          off,
			SemaphoreOffset: semaOff,
			Args:            args,
		})
	}

	if len(targets) == 0 {
		return nil, &ProbeNotFoundError{Path: path, Provider: provider, Name: name, Available: available}
	}
	return targets, nil
}

// fileOffset converts a virtual address into a file offset using the loadable
// segment that contains it.
func fileOffset(f *elf.File, addr uint64) (uint64, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if addr >= p.Vaddr && addr < p.Vaddr+p.Memsz {
			return addr - p.Vaddr + p.Off, nil
		}
	}
	return 0, fmt.Errorf("address 0x%x is not in a loadable segment", addr)
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func splitCStrings(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, string(b[start:]))
	}
	return out
}
