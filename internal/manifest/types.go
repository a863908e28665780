// Package manifest parses the textual patch manifest into an ordered
// list of HookSpec records and validates field combinations per hook
// kind, rejecting individual hooks on violation without aborting the
// rest of the manifest.
package manifest

import "fmt"

// Address is a 32-bit host-process virtual address.
type Address uint32

// BytePattern is an ordered finite sequence of bytes, used both as an
// expected-original signature and as a raw replacement payload.
type BytePattern []byte

// HookKind selects how a hook installs.
type HookKind int

const (
	// DetourWithWrapper installs a generated stub that saves state,
	// calls a hook function, restores state, replays original bytes,
	// and resumes.
	DetourWithWrapper HookKind = iota
	// SimpleReplace overwrites the site in place with bytes of
	// identical length; no stub, no DLL.
	SimpleReplace
	// RawCodeBlock allocates an executable page, copies a
	// caller-supplied assembly payload into it, appends a JMP back to
	// site+len(original), and installs a 5-byte JMP at the site.
	RawCodeBlock
	// ModuleOnly only loads an auxiliary module; no site is patched.
	ModuleOnly
)

func (k HookKind) String() string {
	switch k {
	case DetourWithWrapper:
		return "detour"
	case SimpleReplace:
		return "simple"
	case RawCodeBlock:
		return "replace"
	case ModuleOnly:
		return "module_only"
	default:
		return "unknown"
	}
}

// RegisterName is one of the eight IA-32 general-purpose registers.
type RegisterName int

const (
	EAX RegisterName = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

var registerNames = map[string]RegisterName{
	"eax": EAX, "ecx": ECX, "edx": EDX, "ebx": EBX,
	"esp": ESP, "ebp": EBP, "esi": ESI, "edi": EDI,
}

func (r RegisterName) String() string {
	for name, v := range registerNames {
		if v == r {
			return name
		}
	}
	return "?"
}

// savedStateOffset returns the byte offset from EBX (the prologue's
// stack-frame anchor) at which this register's saved value sits,
// given whether EFLAGS was pushed ahead of PUSHAD.
func (r RegisterName) savedStateOffset(preserveFlags bool) int {
	// PUSHAD order on the stack, lowest address first: EDI, ESI, EBP,
	// ESP-snapshot, EBX, EDX, ECX, EAX.
	order := map[RegisterName]int{
		EDI: 0, ESI: 1, EBP: 2, ESP: 3, EBX: 4, EDX: 5, ECX: 6, EAX: 7,
	}
	base := 0
	if preserveFlags {
		base = 4
	}
	return base + order[r]*4
}

// ParameterSourceKind distinguishes a register read from a stack read.
type ParameterSourceKind int

const (
	SourceRegister ParameterSourceKind = iota
	SourceStackOffset
)

// ParameterSource is the tagged union describing where a marshalled
// argument's value comes from.
type ParameterSource struct {
	Kind     ParameterSourceKind
	Register RegisterName // valid when Kind == SourceRegister
	Offset   int32        // valid when Kind == SourceStackOffset; signed displacement from ESP
}

// ParameterType is currently informational: every parameter is
// marshalled as a 4-byte stack push regardless of type.
type ParameterType int

const (
	TypeInt32 ParameterType = iota
	TypeUint32
	TypePointer
	TypeFloat32
	TypeByte
	TypeShort
)

var parameterTypeNames = map[string]ParameterType{
	"int": TypeInt32, "uint": TypeUint32, "pointer": TypePointer,
	"float": TypeFloat32, "byte": TypeByte, "short": TypeShort,
}

// Parameter is one declared hook-function argument.
type Parameter struct {
	Source ParameterSource
	Type   ParameterType
}

// HookSpec is the parsed record for one hook.
type HookSpec struct {
	ID                 string
	Site               Address
	Original           BytePattern
	Replacement        BytePattern
	ModulePath         string
	SymbolName         string
	Kind               HookKind
	PreserveRegs       bool
	PreserveFlags      bool
	ExcludeFromRestore map[RegisterName]bool
	Parameters         []Parameter
	SkipOriginal       bool
}

// RegisterOffset exposes savedStateOffset for WrapperGen.
func RegisterOffset(r RegisterName, preserveFlags bool) int {
	return r.savedStateOffset(preserveFlags)
}

// Manifest is the parsed top-level document.
type Manifest struct {
	TargetBuild string
	Hooks       []HookSpec
}

// ValidationError is reported per-hook by Parse; it never aborts
// the remainder of the manifest.
type ValidationError struct {
	HookID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("hook %q: %s", e.HookID, e.Reason)
}
