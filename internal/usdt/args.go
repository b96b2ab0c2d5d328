package usdt

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ArgKind tells the capture program how to obtain an argument value.
type ArgKind uint8

const (
	// ArgConst is an immediate value baked into the note.
	ArgConst ArgKind = iota + 1
	// ArgReg is the value of a register.
	ArgReg
	// ArgRegDeref is the value stored at register + offset in the target's memory.
	ArgRegDeref
)

func (k ArgKind) String() string {
	switch k {
	case ArgConst:
		return "const"
	case ArgReg:
		return "reg"
	case ArgRegDeref:
		return "reg_deref"
	default:
		return fmt.Sprintf("ArgKind(%d)", uint8(k))
	}
}

// Arg is one parsed USDT argument location.
type Arg struct {
	Kind ArgKind
	// Size in bytes (1, 2, 4 or 8).
	Size   int
	Signed bool
	// RegOffset is the byte offset of the register inside struct pt_regs.
	RegOffset int16
	// Offset is the displacement for ArgRegDeref, or the value for ArgConst.
	Offset int64
	Spec   string
}

// amd64 struct pt_regs offsets.
var amd64Regs = map[string]int16{
	"r15": 0, "r14": 8, "r13": 16, "r12": 24,
	"rbp": 32, "rbx": 40, "r11": 48, "r10": 56,
	"r9": 64, "r8": 72, "rax": 80, "rcx": 88,
	"rdx": 96, "rsi": 104, "rdi": 112, "rip": 128, "rsp": 152,

	"eax": 80, "ax": 80, "al": 80,
	"ebx": 40, "bx": 40, "bl": 40,
	"ecx": 88, "cx": 88, "cl": 88,
	"edx": 96, "dx": 96, "dl": 96,
	"esi": 104, "si": 104, "sil": 104,
	"edi": 112, "di": 112, "dil": 112,
	"ebp": 32, "bp": 32, "bpl": 32,
	"esp": 152, "sp": 152, "spl": 152,
}

func init() {
	// r8d, r8w, r8b and friends alias the full register.
	for _, r := range []string{"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"} {
		for _, suffix := range []string{"d", "w", "b"} {
			amd64Regs[r+suffix] = amd64Regs[r]
		}
	}
}

// arm64 struct user_pt_regs: regs[31], sp, pc.
func arm64Reg(name string) (int16, bool) {
	if name == "sp" {
		return 31 * 8, true
	}
	if len(name) < 2 || (name[0] != 'x' && name[0] != 'w') {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 || n > 30 {
		return 0, false
	}
	return int16(n * 8), true
}

// ParseArgs parses the whitespace separated argument spec of a note, e.g.
// "8@%rdi -4@-20(%rbp) 8@$5" on amd64 or "8@x0 -4@[sp, 12]" on arm64.
func ParseArgs(spec, arch string) ([]Arg, error) {
	fields, err := splitArgs(spec)
	if err != nil {
		return nil, err
	}
	args := make([]Arg, 0, len(fields))
	for i, f := range fields {
		a, err := parseArg(f, arch)
		if err != nil {
			return nil, fmt.Errorf("argument %d %q: %w", i+1, f, err)
		}
		args = append(args, a)
	}
	return args, nil
}

// splitArgs splits an argument spec on whitespace outside brackets, so arm64
// memory operands such as "-4@[sp, 60]" stay one argument.
func splitArgs(spec string) ([]string, error) {
	var (
		fields []string
		cur    strings.Builder
		depth  int
	)
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}

	for _, r := range spec {
		switch {
		case r == '[':
			depth++
		case r == ']':
			if depth == 0 {
				return nil, fmt.Errorf("unbalanced ']' in argument spec %q", spec)
			}
			depth--
		case unicode.IsSpace(r) && depth == 0:
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	if depth != 0 {
		return nil, fmt.Errorf("unterminated '[' in argument spec %q", spec)
	}
	flush()
	return fields, nil
}

func parseArg(s, arch string) (Arg, error) {
	sizeStr, loc, ok := strings.Cut(s, "@")
	if !ok {
		return Arg{}, fmt.Errorf("missing size prefix")
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return Arg{}, fmt.Errorf("invalid size: %w", err)
	}

	a := Arg{Spec: s, Signed: size < 0, Size: size}
	if size < 0 {
		a.Size = -size
	}
	switch a.Size {
	case 1, 2, 4, 8:
	default:
		return Arg{}, fmt.Errorf("unsupported size %d", a.Size)
	}

	switch arch {
	case "amd64":
		err = parseAMD64Location(&a, loc)
	case "arm64":
		err = parseARM64Location(&a, loc)
	default:
		err = fmt.Errorf("unsupported architecture %s", arch)
	}
	if err != nil {
		return Arg{}, err
	}
	return a, nil
}

func parseAMD64Location(a *Arg, loc string) error {
	switch {
	case strings.HasPrefix(loc, "$"):
		v, err := strconv.ParseInt(loc[1:], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid constant: %w", err)
		}
		a.Kind, a.Offset = ArgConst, v
		return nil

	case strings.HasPrefix(loc, "%"):
		off, ok := amd64Regs[loc[1:]]
		if !ok {
			return fmt.Errorf("unknown register %s", loc)
		}
		a.Kind, a.RegOffset = ArgReg, off
		return nil

	case strings.HasSuffix(loc, ")"):
		open := strings.IndexByte(loc, '(')
		if open < 0 {
			return fmt.Errorf("unbalanced memory operand")
		}
		inner := loc[open+1 : len(loc)-1]
		if strings.Contains(inner, ",") {
			return fmt.Errorf("indexed memory operands are not supported")
		}
		off, ok := amd64Regs[strings.TrimPrefix(inner, "%")]
		if !ok {
			return fmt.Errorf("unknown register %s", inner)
		}
		var disp int64
		if open > 0 {
			v, err := strconv.ParseInt(loc[:open], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid displacement: %w", err)
			}
			disp = v
		}
		a.Kind, a.RegOffset, a.Offset = ArgRegDeref, off, disp
		return nil
	}
	return fmt.Errorf("unrecognized location")
}

func parseARM64Location(a *Arg, loc string) error {
	if strings.HasPrefix(loc, "[") && strings.HasSuffix(loc, "]") {
		inner := strings.TrimSpace(loc[1 : len(loc)-1])
		regName, dispStr, hasDisp := strings.Cut(inner, ",")
		off, ok := arm64Reg(strings.TrimSpace(regName))
		if !ok {
			return fmt.Errorf("unknown register %s", regName)
		}
		var disp int64
		if hasDisp {
			v, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(dispStr), "#"), 0, 64)
			if err != nil {
				return fmt.Errorf("invalid displacement: %w", err)
			}
			disp = v
		}
		a.Kind, a.RegOffset, a.Offset = ArgRegDeref, off, disp
		return nil
	}

	if off, ok := arm64Reg(loc); ok {
		a.Kind, a.RegOffset = ArgReg, off
		return nil
	}

	v, err := strconv.ParseInt(strings.TrimPrefix(loc, "#"), 0, 64)
	if err != nil {
		return fmt.Errorf("unrecognized location")
	}
	a.Kind, a.Offset = ArgConst, v
	return nil
}
