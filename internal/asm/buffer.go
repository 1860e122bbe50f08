package asm

import "encoding/binary"

// Buffer is the growable byte sequence backing one section. All multi-byte
// emissions are little-endian. The buffer is owned by a single compilation
// and performs no locking.
type Buffer struct {
	b []byte
}

// Len returns the number of bytes emitted so far.
func (b *Buffer) Len() int { return len(b.b) }

// Bytes returns the emitted bytes. The slice aliases the buffer's storage
// and remains valid until the next emission.
func (b *Buffer) Bytes() []byte { return b.b }

// Reset truncates the buffer to empty keeping its storage.
func (b *Buffer) Reset() { b.b = b.b[:0] }

// EmitByte appends one byte.
func (b *Buffer) EmitByte(v byte) { b.b = append(b.b, v) }

// Emit appends raw bytes.
func (b *Buffer) Emit(p []byte) { b.b = append(b.b, p...) }

// Emit16 appends v little-endian.
func (b *Buffer) Emit16(v uint16) {
	b.b = append(b.b, byte(v), byte(v>>8))
}

// Emit32 appends v little-endian.
func (b *Buffer) Emit32(v uint32) {
	b.b = append(b.b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// Emit64 appends v little-endian.
func (b *Buffer) Emit64(v uint64) {
	b.Emit32(uint32(v))
	b.Emit32(uint32(v >> 32))
}

// EmitZeros appends n zero bytes.
func (b *Buffer) EmitZeros(n int) {
	for i := 0; i < n; i++ {
		b.b = append(b.b, 0)
	}
}

// Patch8 overwrites one byte at off.
func (b *Buffer) Patch8(off int, v byte) { b.b[off] = v }

// Patch16 overwrites two bytes at off little-endian.
func (b *Buffer) Patch16(off int, v uint16) {
	binary.LittleEndian.PutUint16(b.b[off:], v)
}

// Patch32 overwrites four bytes at off little-endian.
func (b *Buffer) Patch32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.b[off:], v)
}

// Patch64 overwrites eight bytes at off little-endian.
func (b *Buffer) Patch64(off int, v uint64) {
	binary.LittleEndian.PutUint64(b.b[off:], v)
}

// Read32 returns the four bytes at off as a little-endian word. The AArch64
// relocation kinds merge their fields into the existing opcode word.
func (b *Buffer) Read32(off int) uint32 {
	return binary.LittleEndian.Uint32(b.b[off:])
}
