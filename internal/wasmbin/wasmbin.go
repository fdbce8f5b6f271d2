// Package wasmbin encodes the small WebAssembly modules the executor instantiates:
// one linear memory plus exported mutable i64 globals used for gas accounting.
package wasmbin

import (
	"bytes"
)

// Section ids.
const (
	sectionMemory = 0x05
	sectionGlobal = 0x06
	sectionExport = 0x07
)

// Export kinds.
const (
	exportMemory = 0x02
	exportGlobal = 0x03
)

const (
	valTypeI64   = 0x7e
	opI64Const   = 0x42
	opEnd        = 0x0b
	mutable      = 0x01
	limitsMinMax = 0x01
	limitsMin    = 0x00
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Global is an exported mutable i64 global.
type Global struct {
	Name string
	Init int64
}

// Module describes a module with an optional memory and exported globals.
type Module struct {
	// MemoryName is the export name of the memory. Empty means no memory.
	MemoryName string

	// MinPages is the initial memory size in WASM pages.
	MinPages uint32

	// MaxPages is the maximum memory size in WASM pages. Zero means unbounded.
	MaxPages uint32

	Globals []Global
}

// Encode returns the binary encoding of m.
func Encode(m Module) []byte {
	var out bytes.Buffer
	out.Write(header)

	if m.MemoryName != "" {
		var body bytes.Buffer
		body.Write(uleb(1))
		if m.MaxPages != 0 {
			body.WriteByte(limitsMinMax)
			body.Write(uleb(uint64(m.MinPages)))
			body.Write(uleb(uint64(m.MaxPages)))
		} else {
			body.WriteByte(limitsMin)
			body.Write(uleb(uint64(m.MinPages)))
		}
		writeSection(&out, sectionMemory, body.Bytes())
	}

	if len(m.Globals) > 0 {
		var body bytes.Buffer
		body.Write(uleb(uint64(len(m.Globals))))
		for _, g := range m.Globals {
			body.WriteByte(valTypeI64)
			body.WriteByte(mutable)
			body.WriteByte(opI64Const)
			body.Write(sleb(g.Init))
			body.WriteByte(opEnd)
		}
		writeSection(&out, sectionGlobal, body.Bytes())
	}

	exports := len(m.Globals)
	if m.MemoryName != "" {
		exports++
	}
	if exports > 0 {
		var body bytes.Buffer
		body.Write(uleb(uint64(exports)))
		if m.MemoryName != "" {
			writeName(&body, m.MemoryName)
			body.WriteByte(exportMemory)
			body.Write(uleb(0))
		}
		for i, g := range m.Globals {
			writeName(&body, g.Name)
			body.WriteByte(exportGlobal)
			body.Write(uleb(uint64(i)))
		}
		writeSection(&out, sectionExport, body.Bytes())
	}

	return out.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, body []byte) {
	out.WriteByte(id)
	out.Write(uleb(uint64(len(body))))
	out.Write(body)
}

func writeName(out *bytes.Buffer, name string) {
	out.Write(uleb(uint64(len(name))))
	out.WriteString(name)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
