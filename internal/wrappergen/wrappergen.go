// Package wrappergen is the heart of the engine: given a HookSpec and
// the resolved hook-function address, it allocates an executable page
// and emits the machine-code stub that bridges a patched call site to
// a user hook function and back.
package wrappergen

import (
	"fmt"

	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/emitter"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/manifest"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/memoryops"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/patchlog"
)

// pushad/popad opcodes and the eight individual pop opcodes in
// architectural POPAD order: EDI, ESI, EBP, ESP(slot), EBX, EDX, ECX, EAX.
const (
	opPushad = 0x60
	opPushfd = 0x9C
	opPopfd  = 0x9D
	opPopad  = 0x61
)

var popadOrder = []manifest.RegisterName{
	manifest.EDI, manifest.ESI, manifest.EBP, manifest.ESP,
	manifest.EBX, manifest.EDX, manifest.ECX, manifest.EAX,
}

var popOpcode = map[manifest.RegisterName]byte{
	manifest.EDI: 0x5F, manifest.ESI: 0x5E, manifest.EBP: 0x5D, manifest.ESP: 0x5C,
	manifest.EBX: 0x5B, manifest.EDX: 0x5A, manifest.ECX: 0x59, manifest.EAX: 0x58,
}

// allocSize returns the safe-overestimate page size for a detour
// wrapper, per the formula 128 + 10*|exclude| + 2*len(original).
func allocSize(spec *manifest.HookSpec) int {
	return 128 + 10*len(spec.ExcludeFromRestore) + 2*len(spec.Original)
}

// Stub is a generated wrapper's location and exact emitted size.
type Stub struct {
	Addr uintptr
	Size int
}

// GenerateDetour emits the full DetourWithWrapper stub described in
// the wrapper-generator component design and returns its address.
func GenerateDetour(spec *manifest.HookSpec, hookFuncAddr uint32) (*Stub, error) {
	size := allocSize(spec)

	pageAddr, ok := memoryops.AllocExecutable(size)
	if !ok {
		return nil, fmt.Errorf("wrappergen: failed to allocate executable page for hook %q", spec.ID)
	}

	out := buildDetour(spec, uint32(pageAddr), hookFuncAddr, size)

	if !memoryops.Write(pageAddr, out) {
		memoryops.FreeExecutable(pageAddr)
		return nil, fmt.Errorf("wrappergen: failed to write stub bytes for hook %q", spec.ID)
	}
	if !memoryops.FlushICache(pageAddr, len(out)) {
		patchlog.Warn(fmt.Sprintf("wrappergen: icache flush failed for hook %q", spec.ID))
	}

	return &Stub{Addr: pageAddr, Size: len(out)}, nil
}

// buildDetour emits the stub bytes in isolation from the OS
// allocator, given the address the caller will ultimately install
// them at. Split out so the stub layout can be unit-tested without a
// live VirtualAlloc.
func buildDetour(spec *manifest.HookSpec, baseAddr uint32, hookFuncAddr uint32, capacity int) []byte {
	buf := make([]byte, capacity)
	em := emitter.New(buf)

	// 1. Prologue.
	if spec.PreserveRegs {
		em.Byte(opPushad)
	}
	if spec.PreserveFlags {
		em.Byte(opPushfd)
	}

	// 2. Snapshot stack-frame base: MOV EBX, ESP.
	em.Bytes([]byte{0x89, 0xE3})

	// 3. Marshal parameters, last declared pushed first.
	savedStateSize := 0
	if spec.PreserveFlags {
		savedStateSize += 4
	}
	if spec.PreserveRegs {
		savedStateSize += 32
	}
	for p := 0; p < len(spec.Parameters); p++ {
		param := spec.Parameters[len(spec.Parameters)-1-p]
		switch param.Source.Kind {
		case manifest.SourceRegister:
			off := manifest.RegisterOffset(param.Source.Register, spec.PreserveFlags)
			emitMovEcxFromEbxOffset(em, off)
		case manifest.SourceStackOffset:
			d := int32(savedStateSize) + param.Source.Offset + 4*int32(p)
			emitMovEcxFromEspOffset(em, d)
		}
		em.Byte(0x51) // PUSH ECX
	}

	// 4. Call hook.
	callOpcodeAddr := baseAddr + uint32(em.Pos())
	em.Byte(0xE8)
	em.Dword(emitter.Rel32(callOpcodeAddr, hookFuncAddr))

	// 5. Reclaim parameter bytes.
	if n := len(spec.Parameters); n > 0 {
		emitAddEsp(em, uint32(4*n))
	}

	// 6. Restore frame anchor: MOV ESP, EBX.
	em.Bytes([]byte{0x89, 0xDC})

	// 7. Epilogue - flags.
	if spec.PreserveFlags {
		em.Byte(opPopfd)
	}

	// 8. Epilogue - registers.
	if spec.PreserveRegs {
		if len(spec.ExcludeFromRestore) == 0 {
			em.Byte(opPopad)
		} else {
			for _, reg := range popadOrder {
				if reg == manifest.ESP || spec.ExcludeFromRestore[reg] {
					emitAddEsp(em, 4)
					continue
				}
				em.Byte(popOpcode[reg])
			}
		}
	}

	// 9. Resumption.
	resumeTarget := uint32(spec.Site) + uint32(len(spec.Original))
	if spec.SkipOriginal {
		jmpOpcodeAddr := baseAddr + uint32(em.Pos())
		em.Byte(0xE9)
		em.Dword(emitter.Rel32(jmpOpcodeAddr, resumeTarget))
	} else {
		em.Bytes(spec.Original)
		jmpOpcodeAddr := baseAddr + uint32(em.Pos())
		em.Byte(0xE9)
		em.Dword(emitter.Rel32(jmpOpcodeAddr, resumeTarget))
	}

	return em.Out()
}

// GenerateRawCodeBlock allocates len(replacement)+5 bytes, copies
// replacement verbatim, and appends a 5-byte relative JMP targeting
// site+len(original).
func GenerateRawCodeBlock(spec *manifest.HookSpec) (*Stub, error) {
	size := len(spec.Replacement) + 5

	pageAddr, ok := memoryops.AllocExecutable(size)
	if !ok {
		return nil, fmt.Errorf("wrappergen: failed to allocate executable page for hook %q", spec.ID)
	}

	out := buildRawCodeBlock(spec, uint32(pageAddr), size)
	if !memoryops.Write(pageAddr, out) {
		memoryops.FreeExecutable(pageAddr)
		return nil, fmt.Errorf("wrappergen: failed to write raw code block for hook %q", spec.ID)
	}
	if !memoryops.FlushICache(pageAddr, len(out)) {
		patchlog.Warn(fmt.Sprintf("wrappergen: icache flush failed for hook %q", spec.ID))
	}

	return &Stub{Addr: pageAddr, Size: len(out)}, nil
}

// buildRawCodeBlock emits a RawCodeBlock payload in isolation from
// the OS allocator, mirroring buildDetour's test-friendly split.
func buildRawCodeBlock(spec *manifest.HookSpec, baseAddr uint32, capacity int) []byte {
	buf := make([]byte, capacity)
	em := emitter.New(buf)

	em.Bytes(spec.Replacement)

	resumeTarget := uint32(spec.Site) + uint32(len(spec.Original))
	jmpOpcodeAddr := baseAddr + uint32(em.Pos())
	em.Byte(0xE9)
	em.Dword(emitter.Rel32(jmpOpcodeAddr, resumeTarget))

	return em.Out()
}

func emitMovEcxFromEbxOffset(em *emitter.Emitter, off int) {
	// MOV ECX, [EBX+disp8]: 8B 4B disp8
	em.Bytes([]byte{0x8B, 0x4B, byte(int8(off))})
}

func emitMovEcxFromEspOffset(em *emitter.Emitter, d int32) {
	// MOV ECX, [ESP+disp]: 8B /r with SIB 0x24 (base=ESP, no index).
	if d >= -128 && d <= 127 {
		em.Bytes([]byte{0x8B, 0x4C, 0x24, byte(int8(d))})
		return
	}
	em.Byte(0x8B)
	em.Byte(0x8C)
	em.Byte(0x24)
	em.Dword(uint32(d))
}

// emitAddEsp emits ADD ESP, imm using an 8-bit immediate when it
// fits, a 32-bit immediate otherwise.
func emitAddEsp(em *emitter.Emitter, imm uint32) {
	if imm <= 127 {
		em.Bytes([]byte{0x83, 0xC4, byte(imm)})
		return
	}
	em.Bytes([]byte{0x81, 0xC4})
	em.Dword(imm)
}
