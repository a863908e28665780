// Package verifier is the sole gate against installing a hook onto a
// mismatched host build: it compares the live bytes at a site against
// the pattern the manifest declares as the expected original.
package verifier

import "github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/memoryops"

// Verify reports whether the len(expected) bytes at addr match
// expected exactly. An empty expected pattern is always a failure —
// there is nothing to verify, so treating it as a pass would let a
// malformed manifest skip the one check guarding against a wrong
// game build.
func Verify(addr uintptr, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	actual := memoryops.Read(addr, len(expected))
	for i := range expected {
		if actual[i] != expected[i] {
			return false
		}
	}
	return true
}
