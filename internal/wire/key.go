// Package wire defines the on-the-wire request/response layout (§6) and the
// opcode-as-slot-marker encoding (§3) shared by every component that reads
// or writes a request region slot.
package wire

import "encoding/binary"

// KeySize is the fixed width, in bytes, of a key on the wire: a 128-bit
// hash derived from a client-supplied seed (§3).
const KeySize = 16

// Key is a 128-bit hash decomposed into a bucket field (low-order 32 bits,
// used for index bucket selection and shard routing) and a tag (the
// remaining bits, used to disambiguate collisions within a bucket).
type Key [KeySize]byte

// NewKey builds a Key from a 32-bit bucket field and a 64-bit tag. The
// bucket occupies the low-order 4 bytes; the tag occupies the next 8. The
// remaining 4 bytes are reserved and always zero — mica uses a 96-bit
// "remaining bits" budget for the tag per §3, but truncates it to 64 bits
// in this implementation (see DESIGN.md); that is a storage choice for the
// in-memory index, not a wire incompatibility, since those reserved bytes
// still round-trip bit-for-bit.
func NewKey(bucket uint32, tag uint64) Key {
	var k Key
	binary.LittleEndian.PutUint32(k[0:4], bucket)
	binary.LittleEndian.PutUint64(k[4:12], tag)
	return k
}

// Bucket returns the low-order 32 bits used for index bucket selection and
// shard routing.
func (k Key) Bucket() uint32 {
	return binary.LittleEndian.Uint32(k[0:4])
}

// Tag returns the 64-bit disambiguator used to resolve collisions within a
// bucket.
func (k Key) Tag() uint64 {
	return binary.LittleEndian.Uint64(k[4:12])
}
