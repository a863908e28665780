package verifier

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestVerify_EmptyExpectedIsAlwaysFailure(t *testing.T) {
	// An empty pattern never touches memory: it's an unconditional
	// failure, so this is safe to assert without a real address.
	assert.False(t, Verify(0x00401000, nil))
	assert.False(t, Verify(0x00401000, []byte{}))
}

// TestVerify_MatchesAndMismatches is scenario S6 (BuildMismatch): the
// engine must refuse to patch when the live bytes at a site don't match
// the manifest's declared original. Read goes through a plain
// unsafe.Slice view with no VirtualAlloc/VirtualProtect behind it, so a
// plain Go slice's address stands in for a "live" site here.
func TestVerify_MatchesAndMismatches(t *testing.T) {
	site := []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x08}
	addr := uintptr(unsafe.Pointer(&site[0]))

	t.Run("matching build", func(t *testing.T) {
		expected := append([]byte(nil), site[:5]...)
		assert.True(t, Verify(addr, expected))
	})

	t.Run("mismatched build", func(t *testing.T) {
		expected := append([]byte(nil), site[:5]...)
		expected[2] = 0x90 // one byte differs from a wrong game build/version
		assert.False(t, Verify(addr, expected))
	})

	t.Run("mismatch past a matching prefix", func(t *testing.T) {
		expected := append([]byte(nil), site[:5]...)
		expected[4] = 0x00
		assert.False(t, Verify(addr, expected))
	})
}
