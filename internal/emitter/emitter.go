// Package emitter is an append-only byte cursor over a fixed-capacity
// executable buffer, with typed helpers for the handful of encodings
// WrapperGen needs: single bytes, little-endian dwords, raw slices,
// and self-relative displacements for 5-byte CALL/JMP instructions.
package emitter

// Emitter writes machine code into buf starting at offset 0. It does
// not bounds-check beyond buf's capacity; overflowing buf is a
// programmer error because WrapperGen sizes the buffer up front.
type Emitter struct {
	buf []byte
	pos int
}

// New wraps buf for emission. buf's length is the emitter's capacity;
// Out() returns the slice written so far, not the full capacity.
func New(buf []byte) *Emitter {
	return &Emitter{buf: buf}
}

// Pos returns the current write offset, usable by the caller to
// resolve a self-relative reference against the buffer's base address.
func (e *Emitter) Pos() int { return e.pos }

// Byte appends a single byte.
func (e *Emitter) Byte(b byte) {
	e.buf[e.pos] = b
	e.pos++
}

// Bytes appends a slice verbatim.
func (e *Emitter) Bytes(b []byte) {
	e.pos += copy(e.buf[e.pos:], b)
}

// Dword appends v as four little-endian bytes.
func (e *Emitter) Dword(v uint32) {
	e.buf[e.pos+0] = byte(v)
	e.buf[e.pos+1] = byte(v >> 8)
	e.buf[e.pos+2] = byte(v >> 16)
	e.buf[e.pos+3] = byte(v >> 24)
	e.pos += 4
}

// Rel32 computes the displacement for a 5-byte CALL/JMP whose opcode
// byte sits at address opcodeAddr, targeting dst: dst - (opcodeAddr+5).
func Rel32(opcodeAddr, dst uint32) uint32 {
	return dst - (opcodeAddr + 5)
}

// Out returns the bytes written so far.
func (e *Emitter) Out() []byte {
	return e.buf[:e.pos]
}
