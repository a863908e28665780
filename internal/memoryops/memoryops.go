// Package memoryops changes page protections on the host's code pages,
// writes bytes into them, and flushes the instruction cache. Every
// exported operation reports success as a bool instead of panicking:
// a protection failure is recoverable at the hook level.
package memoryops

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/patchlog"
)

// Protection is a captured Win32 page-protection constant, opaque to
// callers beyond round-tripping it back through Reprotect.
type Protection uint32

// Unprotect changes the page(s) covering [addr, addr+n) to
// read/write/execute and returns the protection that was installed
// before the call, for later restoration via Reprotect.
func Unprotect(addr uintptr, n int) (Protection, bool) {
	var old uint32
	err := windows.VirtualProtect(addr, uintptr(n), windows.PAGE_EXECUTE_READWRITE, &old)
	if err != nil {
		patchlog.Error("memoryops: VirtualProtect(unprotect) failed: ", err)
		return 0, false
	}
	return Protection(old), true
}

// Reprotect restores a protection previously captured by Unprotect.
// Failure here is non-fatal: the write already landed, only the page
// flags are left more permissive than before.
func Reprotect(addr uintptr, n int, prior Protection) bool {
	var old uint32
	err := windows.VirtualProtect(addr, uintptr(n), uint32(prior), &old)
	if err != nil {
		patchlog.Warn("memoryops: VirtualProtect(reprotect) failed, page stays RWX: ", err)
		return false
	}
	return true
}

// Write copies bytes into host memory. The caller must have already
// unprotected [addr, addr+len(b)).
func Write(addr uintptr, b []byte) bool {
	if len(b) == 0 {
		return true
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b))
	copy(dst, b)
	return true
}

// Read copies n bytes out of host memory, used by Verifier.
func Read(addr uintptr, n int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}

// FlushICache invalidates the CPU's instruction cache for the range,
// required on every write so the core doesn't execute stale decoded
// instructions from a previously-fetched cache line.
func FlushICache(addr uintptr, n int) bool {
	proc, err := windows.GetCurrentProcess()
	if err != nil {
		patchlog.Error("memoryops: GetCurrentProcess failed: ", err)
		return false
	}
	err = windows.FlushInstructionCache(proc, unsafe.Pointer(addr), uintptr(n))
	if err != nil {
		patchlog.Error("memoryops: FlushInstructionCache failed: ", err)
		return false
	}
	return true
}

// Patch brackets a code mutation with unprotect/write/reprotect/flush,
// the composition every site write in the engine must follow.
func Patch(addr uintptr, b []byte) bool {
	old, ok := Unprotect(addr, len(b))
	if !ok {
		return false
	}
	wrote := Write(addr, b)
	Reprotect(addr, len(b), old)
	if !wrote {
		return false
	}
	return FlushICache(addr, len(b))
}

// AllocExecutable reserves and commits n bytes of read/write/execute
// memory for a generated wrapper or raw code block.
func AllocExecutable(n int) (uintptr, bool) {
	addr, err := windows.VirtualAlloc(0, uintptr(n), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		patchlog.Error("memoryops: VirtualAlloc failed: ", err)
		return 0, false
	}
	return addr, true
}

// FreeExecutable releases a page previously returned by
// AllocExecutable. Called in reverse allocation order at detach.
func FreeExecutable(addr uintptr) bool {
	if addr == 0 {
		return true
	}
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		patchlog.Warn("memoryops: VirtualFree failed: ", err)
		return false
	}
	return true
}
