// Package lifecycle is the process-attach/detach entry point: given
// the module's own directory (located by cmd/patcherdll), it reads the
// manifest sitting there and drives the installer, which publishes the
// build-identity token and installs the hooks. On detach it releases every allocation the installer made.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/installer"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/manifest"
	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/patchlog"
)

// ManifestFileName is the conventional name of the manifest sitting
// next to the installed module.
const ManifestFileName = "patch_config.toml"

var (
	attachOnce sync.Once
	detached   bool
	state      = installer.NewState()
)

// Attach runs the full install pass: it is safe to call more than
// once; only the first call does any work, mirroring the source's
// g_initialized guard.
func Attach(moduleDir string) error {
	var attachErr error
	attachOnce.Do(func() {
		attachErr = attach(moduleDir)
	})
	return attachErr
}

func attach(moduleDir string) error {
	manifestPath := filepath.Join(moduleDir, ManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("lifecycle: failed to read manifest %s: %w", manifestPath, err)
	}

	m, parseErrs := manifest.Parse(data)
	for _, e := range parseErrs {
		patchlog.Warn("lifecycle: manifest validation: ", e)
	}
	if m == nil {
		return fmt.Errorf("lifecycle: manifest %s failed to parse", manifestPath)
	}

	return installer.Run(m, state)
}

// Detach releases executable page allocations, releases module
// handles, and clears installer state. Safe to call more than once.
func Detach() {
	if detached {
		return
	}
	detached = true
	state.Release()
}
