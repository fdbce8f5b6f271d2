// Package types defines the identity types shared by the lazy-pages packages.
//
// Identities are 32-byte values rendered in base58, following the conventions of
// the chain the executor runs on.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Size constants for core types.
const (
	ProgramIDSize = 32
	CodeIDSize    = 32
	HashSize      = 32
)

var (
	// ErrInvalidProgramID is returned when a program id has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")

	// ErrInvalidCodeID is returned when a code id has invalid length.
	ErrInvalidCodeID = errors.New("invalid code id: must be 32 bytes")

	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")
)

// Domain separators for id derivation.
var (
	programSalt = []byte("program_from_user")
)

// ProgramID identifies a deployed guest program.
type ProgramID [ProgramIDSize]byte

// ProgramIDFromBase58 parses a base58-encoded program id.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], data)
	return id, nil
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// GenerateProgramID derives the id of a program created from code with a salt.
func GenerateProgramID(code CodeID, salt []byte) ProgramID {
	buf := make([]byte, 0, len(programSalt)+CodeIDSize+len(salt))
	buf = append(buf, programSalt...)
	buf = append(buf, code[:]...)
	buf = append(buf, salt...)
	return ProgramID(blake2b.Sum256(buf))
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the id is all zeros.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

// Bytes returns the id as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// CodeID identifies uploaded program code. It is the blake2b-256 hash of the code.
type CodeID [CodeIDSize]byte

// ComputeCodeID hashes WASM code into its CodeID.
func ComputeCodeID(code []byte) CodeID {
	return CodeID(blake2b.Sum256(code))
}

// String returns the base58-encoded representation.
func (c CodeID) String() string {
	return base58.Encode(c[:])
}

// Hash represents a 32-byte state hash, such as a storage state root.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	data, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hex decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// ComputeHash computes the blake2b-256 hash of data.
func ComputeHash(data []byte) Hash {
	return blake2b.Sum256(data)
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Hex returns the hex-encoded representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
