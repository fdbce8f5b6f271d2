package pagestore

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/X1-Lazypages/internal/types"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

// PageKeySuffixSize is the length of the page number at the end of every key.
const PageKeySuffixSize = 4

// derivedKeyTag starts every derived key.
var derivedKeyTag = []byte("pages")

// Prefix builds storage keys for the pages of one program memory.
//
// Keys are prefix || page number (4 bytes, little endian). KeyForPage rewrites the
// suffix in place, so the returned slice is only valid until the next call.
type Prefix struct {
	buf []byte
}

// NewLegacyPrefix uses programPrefix verbatim.
func NewLegacyPrefix(programPrefix []byte) *Prefix {
	buf := make([]byte, len(programPrefix), len(programPrefix)+PageKeySuffixSize)
	copy(buf, programPrefix)
	return newPrefix(buf)
}

// NewDerivedPrefix derives "pages" || blake3(program id || infix) from the program
// identity and the memory infix.
func NewDerivedPrefix(id types.ProgramID, infix uint32) *Prefix {
	var seed [types.ProgramIDSize + 4]byte
	copy(seed[:], id[:])
	binary.LittleEndian.PutUint32(seed[types.ProgramIDSize:], infix)
	digest := blake3.Sum256(seed[:])

	buf := make([]byte, 0, len(derivedKeyTag)+len(digest)+PageKeySuffixSize)
	buf = append(buf, derivedKeyTag...)
	buf = append(buf, digest[:]...)
	return newPrefix(buf)
}

func newPrefix(buf []byte) *Prefix {
	buf = binary.LittleEndian.AppendUint32(buf, math.MaxUint32)
	return &Prefix{buf: buf}
}

// KeyForPage returns the key of page.
func (p *Prefix) KeyForPage(page pages.GearPage) []byte {
	binary.LittleEndian.PutUint32(p.buf[len(p.buf)-PageKeySuffixSize:], uint32(page))
	return p.buf
}

// Bytes returns a copy of the key prefix without the page suffix.
func (p *Prefix) Bytes() []byte {
	out := make([]byte, len(p.buf)-PageKeySuffixSize)
	copy(out, p.buf)
	return out
}

// SplitKey splits a page key into its prefix and page number.
func SplitKey(key []byte) (prefix []byte, page pages.GearPage, ok bool) {
	if len(key) < PageKeySuffixSize {
		return nil, 0, false
	}
	n := len(key) - PageKeySuffixSize
	return key[:n], pages.GearPage(binary.LittleEndian.Uint32(key[n:])), true
}

// JoinKey builds a fresh key from prefix and page.
func JoinKey(prefix []byte, page pages.GearPage) []byte {
	key := make([]byte, len(prefix), len(prefix)+PageKeySuffixSize)
	copy(key, prefix)
	return binary.LittleEndian.AppendUint32(key, uint32(page))
}
