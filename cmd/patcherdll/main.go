// Command patcherdll is the loadable module's entry point. Built with
// `go build -buildmode=c-shared`, it is loaded by the host game exactly
// like any other patch DLL; dllmain_windows.c supplies the Win32
// DllMain the OS loader actually calls, which calls back into the
// exported functions below on DLL_PROCESS_ATTACH / DLL_PROCESS_DETACH.
package main

// #include <windows.h>
import "C"

import (
	"path/filepath"

	"golang.org/x/sys/windows"

	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/lifecycle"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/patchlog"
)

// selfModuleName is the filename the module registers itself under,
// used to look its own handle up so the manifest can be found next to
// it regardless of where the host process loaded it from.
const selfModuleName = "kotor_patcher.dll"

//export goProcessAttach
func goProcessAttach() C.BOOL {
	dir, err := selfDirectory()
	if err != nil {
		patchlog.Error("patcherdll: could not locate own module directory: ", err)
		return C.TRUE
	}
	if err := lifecycle.Attach(dir); err != nil {
		patchlog.Error("patcherdll: attach failed: ", err)
	}
	return C.TRUE
}

//export goProcessDetach
func goProcessDetach() {
	lifecycle.Detach()
}

func selfDirectory() (string, error) {
	h, err := windows.GetModuleHandle(selfModuleName)
	if err != nil {
		return "", err
	}
	path, err := moduleFileName(h)
	if err != nil {
		return "", err
	}
	return filepath.Dir(path), nil
}

func moduleFileName(h windows.Handle) (string, error) {
	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.GetModuleFileName(h, &buf[0], uint32(len(buf)))
	if err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:n]), nil
}

func main() {}
