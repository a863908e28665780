// Package installer orchestrates one pass of hook installation: given
// an already parsed manifest, for each hook verify bytes, load auxiliary
// modules, resolve exported symbols, ask wrappergen for a stub (or
// write raw replacement bytes), and rewrite the host site with a
// 5-byte relative JMP and NOP padding.
package installer

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/buildenv"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/kperr"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/manifest"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/memoryops"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/patchlog"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/verifier"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/wrappergen"
)

const jmpOpcode = 0xE9
const nopOpcode = 0x90

// State is the installer's process-global, lifecycle-bounded record:
// the parsed hooks, the loaded module handles it owns, and the
// executable pages it allocated, all released in reverse order at
// detach.
type State struct {
	Hooks       []manifest.HookSpec
	modules     map[string]windows.Handle
	modOrder    []string
	allocations []uintptr
}

// NewState creates an empty installer state for one attach/detach cycle.
func NewState() *State {
	return &State{modules: map[string]windows.Handle{}}
}

// Run installs every hook in the manifest in order. Any failure
// (verification, module load, symbol lookup, allocation, memory
// protection) aborts only the current hook; it is logged and the
// remaining hooks are still attempted.
func Run(m *manifest.Manifest, st *State) error {
	if err := buildenv.Publish(m.TargetBuild); err != nil {
		patchlog.Warn("installer: failed to publish build identity token: ", err)
	}
	st.Hooks = m.Hooks

	for i := range m.Hooks {
		spec := &m.Hooks[i]
		log := patchlog.WithHook(spec.ID, uint32(spec.Site))
		if err := installOne(st, spec, log); err != nil {
			log.Warn("hook install failed, continuing with remainder: ", err)
		}
	}
	return nil
}

func installOne(st *State, spec *manifest.HookSpec, log *patchlog.Entry) error {
	if spec.Kind == manifest.ModuleOnly {
		_, err := st.loadModule(spec.ModulePath)
		if err != nil {
			return kperr.New(kperr.KindModuleLoad, spec.ID, uint32(spec.Site), err)
		}
		log.Info("module loaded (module-only hook)")
		return nil
	}

	if !verifier.Verify(uintptr(spec.Site), spec.Original) {
		return kperr.New(kperr.KindBuildMismatch, spec.ID, uint32(spec.Site),
			fmt.Errorf("original bytes mismatch at site, wrong build?"))
	}

	var targetAddr uintptr
	switch spec.Kind {
	case manifest.DetourWithWrapper:
		hModule, err := st.loadModule(spec.ModulePath)
		if err != nil {
			return kperr.New(kperr.KindModuleLoad, spec.ID, uint32(spec.Site), err)
		}
		proc, err := windows.GetProcAddress(hModule, spec.SymbolName)
		if err != nil {
			return kperr.New(kperr.KindSymbolResolve, spec.ID, uint32(spec.Site), err)
		}
		stub, err := wrappergen.GenerateDetour(spec, uint32(proc))
		if err != nil {
			return kperr.New(kperr.KindAlloc, spec.ID, uint32(spec.Site), err)
		}
		st.allocations = append(st.allocations, stub.Addr)
		targetAddr = stub.Addr

	case manifest.RawCodeBlock:
		stub, err := wrappergen.GenerateRawCodeBlock(spec)
		if err != nil {
			return kperr.New(kperr.KindAlloc, spec.ID, uint32(spec.Site), err)
		}
		st.allocations = append(st.allocations, stub.Addr)
		targetAddr = stub.Addr

	case manifest.SimpleReplace:
		if !memoryops.Patch(uintptr(spec.Site), spec.Replacement) {
			return kperr.New(kperr.KindMemoryProtect, spec.ID, uint32(spec.Site),
				fmt.Errorf("failed to write replacement bytes"))
		}
		log.Info("simple replace installed")
		return nil
	}

	jmp := buildJump(uint32(spec.Site), uint32(targetAddr))
	if !memoryops.Patch(uintptr(spec.Site), jmp) {
		return kperr.New(kperr.KindMemoryProtect, spec.ID, uint32(spec.Site),
			fmt.Errorf("failed to write JMP at site"))
	}

	if pad := len(spec.Original) - 5; pad > 0 {
		if !memoryops.Patch(uintptr(spec.Site)+5, buildNopPad(pad)) {
			return kperr.New(kperr.KindMemoryProtect, spec.ID, uint32(spec.Site),
				fmt.Errorf("failed to NOP-pad residual bytes"))
		}
	}

	log.Info("hook installed")
	return nil
}

// buildJump encodes a 5-byte relative JMP from site to target.
func buildJump(site, target uint32) []byte {
	rel := target - (site + 5)
	return []byte{jmpOpcode, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
}

// buildNopPad returns n single-byte NOPs, used to pad the residual
// bytes of an overwritten instruction longer than the 5-byte JMP.
func buildNopPad(n int) []byte {
	nops := make([]byte, n)
	for i := range nops {
		nops[i] = nopOpcode
	}
	return nops
}

func (st *State) loadModule(path string) (windows.Handle, error) {
	if h, ok := st.modules[path]; ok {
		return h, nil
	}
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, err
	}
	st.modules[path] = h
	st.modOrder = append(st.modOrder, path)
	return h, nil
}

// Release frees every executable page allocation and module handle
// this state owns, in reverse order, as required at process detach.
func (st *State) Release() {
	for i := len(st.allocations) - 1; i >= 0; i-- {
		memoryops.FreeExecutable(st.allocations[i])
	}
	st.allocations = nil

	for i := len(st.modOrder) - 1; i >= 0; i-- {
		path := st.modOrder[i]
		if h, ok := st.modules[path]; ok {
			if err := windows.FreeLibrary(h); err != nil {
				patchlog.Warn("installer: FreeLibrary failed for ", path, ": ", err)
			}
		}
	}
	st.modules = map[string]windows.Handle{}
	st.modOrder = nil
	st.Hooks = nil
}
