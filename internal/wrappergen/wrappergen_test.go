package wrappergen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/manifest"
)

// decodeAll disassembles every instruction in buf, starting at base,
// purely as a test oracle over the emitted bytes — the engine itself
// never disassembles anything at runtime.
func decodeAll(t *testing.T, buf []byte, base uint32) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	off := 0
	for off < len(buf) {
		inst, err := x86asm.Decode(buf[off:], 32)
		require.NoErrorf(t, err, "decode at offset %d (addr 0x%08X)", off, base+uint32(off))
		insts = append(insts, inst)
		off += inst.Len
	}
	return insts
}

// S2 — DetourWithWrapper, no parameters, full preservation.
func TestGenerateDetour_S2_NoParamsFullPreservation(t *testing.T) {
	spec := &manifest.HookSpec{
		ID:            "s2",
		Site:          0x00402000,
		Original:      manifest.BytePattern{0x8B, 0xEC, 0x83, 0xEC, 0x10, 0x90},
		PreserveRegs:  true,
		PreserveFlags: true,
		SkipOriginal:  false,
	}
	const base = 0x10000000
	const hookFunc = 0x20000000
	out := buildDetour(spec, base, hookFunc, allocSize(spec))

	require.GreaterOrEqual(t, len(out), 4)
	assert.Equal(t, []byte{0x60, 0x9C, 0x89, 0xE3}, out[:4]) // PUSHAD, PUSHFD, MOV EBX,ESP

	// Exactly one CALL rel32 present, targeting hookFunc.
	insts := decodeAll(t, out, base)
	var calls, pushads, popads int
	for i, inst := range insts {
		switch inst.Op {
		case x86asm.CALL:
			calls++
			rel, ok := inst.Args[0].(x86asm.Rel)
			require.True(t, ok)
			opcodeAddr := base + instAddr(insts, i, out)
			assert.Equal(t, uint32(hookFunc), opcodeAddr+uint32(inst.Len)+uint32(int32(rel)))
		case x86asm.PUSHAD:
			pushads++
		case x86asm.POPAD:
			popads++
		}
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, pushads)
	assert.Equal(t, 1, popads)

	// Trailing bytes: verbatim original, then JMP back to site+len(original).
	tail := out[len(out)-len(spec.Original)-5 : len(out)-5]
	assert.Equal(t, []byte(spec.Original), tail)
	jmp := out[len(out)-5:]
	assert.Equal(t, byte(0xE9), jmp[0])
}

func instAddr(insts []x86asm.Inst, idx int, out []byte) uint32 {
	var off uint32
	for i := 0; i < idx; i++ {
		off += uint32(insts[i].Len)
	}
	return off
}

// S3 — DetourWithWrapper, one register parameter.
func TestGenerateDetour_S3_RegisterParameter(t *testing.T) {
	spec := &manifest.HookSpec{
		ID:            "s3",
		Site:          0x00402000,
		Original:      manifest.BytePattern{0x90, 0x90, 0x90, 0x90, 0x90},
		PreserveRegs:  true,
		PreserveFlags: true,
		Parameters: []manifest.Parameter{
			{Source: manifest.ParameterSource{Kind: manifest.SourceRegister, Register: manifest.EAX}, Type: manifest.TypeInt32},
		},
	}
	const base = 0x10000000
	out := buildDetour(spec, base, 0x20000000, allocSize(spec))

	// MOV ECX, [EBX+32] / PUSH ECX between prologue+anchor and CALL.
	prologueLen := 4 // PUSHAD PUSHFD MOV EBX,ESP
	movEcx := out[prologueLen : prologueLen+3]
	assert.Equal(t, []byte{0x8B, 0x4B, 32}, movEcx)
	assert.Equal(t, byte(0x51), out[prologueLen+3]) // PUSH ECX

	insts := decodeAll(t, out, base)
	addEspCount := 0
	for _, inst := range insts {
		if inst.Op == x86asm.ADD {
			if mem, ok := inst.Args[0].(x86asm.Reg); ok && mem == x86asm.ESP {
				addEspCount++
			}
		}
	}
	assert.Equal(t, 1, addEspCount, "exactly one ADD ESP,4 reclaiming the single pushed parameter")
}

// S4 — DetourWithWrapper, stack parameter and preservation mutation.
func TestGenerateDetour_S4_StackParamExcludeEAX(t *testing.T) {
	spec := &manifest.HookSpec{
		ID:            "s4",
		Site:          0x00402000,
		Original:      manifest.BytePattern{0x90, 0x90, 0x90, 0x90, 0x90},
		PreserveRegs:  true,
		PreserveFlags: true,
		ExcludeFromRestore: map[manifest.RegisterName]bool{
			manifest.EAX: true,
		},
		Parameters: []manifest.Parameter{
			{Source: manifest.ParameterSource{Kind: manifest.SourceStackOffset, Offset: 0}, Type: manifest.TypeUint32},
		},
	}
	const base = 0x10000000
	out := buildDetour(spec, base, 0x20000000, allocSize(spec))

	prologueLen := 4
	// MOV ECX, [ESP + savedStateSize(36) + 0 + 0] = disp8 36.
	movEcx := out[prologueLen : prologueLen+4]
	assert.Equal(t, []byte{0x8B, 0x4C, 0x24, 36}, movEcx)

	// EAX is excluded: its POPAD-order slot becomes ADD ESP,4 instead of
	// a POP EAX, and no other register pop is skipped.
	insts := decodeAll(t, out, base)
	poppedRegs := map[x86asm.Reg]bool{}
	addEspCount := 0
	for _, inst := range insts {
		if inst.Op == x86asm.POP {
			if reg, ok := inst.Args[0].(x86asm.Reg); ok {
				poppedRegs[reg] = true
			}
		}
		if inst.Op == x86asm.ADD {
			if reg, ok := inst.Args[0].(x86asm.Reg); ok && reg == x86asm.ESP {
				addEspCount++
			}
		}
	}
	assert.False(t, poppedRegs[x86asm.EAX], "EAX must not be popped; its saved value is discarded")
	assert.True(t, poppedRegs[x86asm.EBX])
	assert.True(t, poppedRegs[x86asm.ECX])
	// One ADD ESP,4 reclaiming the pushed parameter, one discarding the
	// ESP slot in the epilogue, one discarding the excluded EAX slot.
	assert.Equal(t, 3, addEspCount)
}

// S5 — RawCodeBlock.
func TestGenerateRawCodeBlock_S5(t *testing.T) {
	spec := &manifest.HookSpec{
		ID:          "s5",
		Site:        0x00401000,
		Original:    manifest.BytePattern{0, 0, 0, 0, 0, 0, 0, 0}, // length 8
		Replacement: manifest.BytePattern{0xAA, 0xBB, 0xCC},
	}
	const base = 0x10000000
	out := buildRawCodeBlock(spec, base, len(spec.Replacement)+5)

	require.Len(t, out, len(spec.Replacement)+5)
	assert.Equal(t, []byte(spec.Replacement), out[:len(spec.Replacement)])
	assert.Equal(t, byte(0xE9), out[len(spec.Replacement)])

	rel := int32(out[len(spec.Replacement)+1]) | int32(out[len(spec.Replacement)+2])<<8 |
		int32(out[len(spec.Replacement)+3])<<16 | int32(out[len(spec.Replacement)+4])<<24
	opcodeAddr := base + uint32(len(spec.Replacement))
	target := uint32(int64(opcodeAddr) + 5 + int64(rel))
	assert.Equal(t, uint32(spec.Site)+uint32(len(spec.Original)), target)
}

// I8 — skip_original emits no copy of original before the trailing
// JMP. The non-skip case (I9) is checked by the S2 test above.
func TestGenerateDetour_SkipOriginal(t *testing.T) {
	spec := &manifest.HookSpec{
		ID:           "skip",
		Site:         0x00403000,
		Original:     manifest.BytePattern{0x90, 0x90, 0x90, 0x90, 0x90},
		PreserveRegs: true,
		SkipOriginal: true,
	}
	out := buildDetour(spec, 0x10000000, 0x20000000, allocSize(spec))
	jmp := out[len(out)-5:]
	assert.Equal(t, byte(0xE9), jmp[0])
	assert.NotContains(t, string(out[:len(out)-5]), string(spec.Original))
}

func TestAllocSize_Formula(t *testing.T) {
	spec := &manifest.HookSpec{
		Original: manifest.BytePattern{1, 2, 3, 4, 5},
		ExcludeFromRestore: map[manifest.RegisterName]bool{
			manifest.EAX: true, manifest.EBX: true,
		},
	}
	assert.Equal(t, 128+10*2+2*5, allocSize(spec))
}
