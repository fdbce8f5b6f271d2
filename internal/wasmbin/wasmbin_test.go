package wasmbin

import (
	"bytes"
	"testing"
)

func TestEncodeGlobalsOnly(t *testing.T) {
	got := Encode(Module{Globals: []Global{{Name: "gear_gas"}, {Name: "gear_allowance"}}})
	want := append(append([]byte{}, header...),
		0x06, 0x0b, 0x02, 0x7e, 0x01, 0x42, 0x00, 0x0b, 0x7e, 0x01, 0x42, 0x00, 0x0b,
		0x07, 0x1d, 0x02,
		0x08, 'g', 'e', 'a', 'r', '_', 'g', 'a', 's', 0x03, 0x00,
		0x0e, 'g', 'e', 'a', 'r', '_', 'a', 'l', 'l', 'o', 'w', 'a', 'n', 'c', 'e', 0x03, 0x01,
	)
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = %x, want %x", got, want)
	}
}

func TestEncodeMemory(t *testing.T) {
	got := Encode(Module{MemoryName: "memory", MinPages: 1, MaxPages: 2})
	want := append(append([]byte{}, header...),
		0x05, 0x04, 0x01, 0x01, 0x01, 0x02,
		0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	)
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = %x, want %x", got, want)
	}
}

func TestLEB128(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"uleb 0", uleb(0), []byte{0x00}},
		{"uleb 127", uleb(127), []byte{0x7f}},
		{"uleb 128", uleb(128), []byte{0x80, 0x01}},
		{"uleb 65536", uleb(65536), []byte{0x80, 0x80, 0x04}},
		{"sleb 0", sleb(0), []byte{0x00}},
		{"sleb 63", sleb(63), []byte{0x3f}},
		{"sleb 64", sleb(64), []byte{0xc0, 0x00}},
		{"sleb -1", sleb(-1), []byte{0x7f}},
		{"sleb -65", sleb(-65), []byte{0xbf, 0x7f}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("got %x, want %x", tt.got, tt.want)
			}
		})
	}
}
