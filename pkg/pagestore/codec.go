package pagestore

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
)

// codecName is the content subtype used by the remote page store.
const codecName = "lazypages-binary"

// ErrMalformedMessage is returned when a remote message cannot be decoded.
var ErrMalformedMessage = errors.New("malformed page store message")

// binaryCodec is a grpc encoding.Codec for messages implementing
// encoding.BinaryMarshaler and encoding.BinaryUnmarshaler.
type binaryCodec struct{}

func (binaryCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a binary message", ErrMalformedMessage, v)
	}
	return m.MarshalBinary()
}

func (binaryCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("%w: %T is not a binary message", ErrMalformedMessage, v)
	}
	return m.UnmarshalBinary(data)
}

func (binaryCodec) Name() string {
	return codecName
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// reader decodes the uvarint framed fields written by appendBytes.
type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = ErrMalformedMessage
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.err = ErrMalformedMessage
		return nil
	}
	out := append([]byte{}, r.buf[:n]...)
	r.buf = r.buf[n:]
	return out
}

func (r *reader) readByte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) == 0 {
		r.err = ErrMalformedMessage
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

// count reads an element count, each element taking at least minSize bytes.
func (r *reader) count(minSize int) int {
	n := r.uvarint()
	if r.err == nil && n > uint64(len(r.buf)/minSize+1) {
		r.err = ErrMalformedMessage
		return 0
	}
	return int(n)
}

func (r *reader) done() error {
	if r.err == nil && len(r.buf) != 0 {
		r.err = ErrMalformedMessage
	}
	return r.err
}

type loadPagesRequest struct {
	Keys [][]byte
}

func (m *loadPagesRequest) MarshalBinary() ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(len(m.Keys)))
	for _, k := range m.Keys {
		buf = appendBytes(buf, k)
	}
	return buf, nil
}

func (m *loadPagesRequest) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	n := r.count(1)
	m.Keys = make([][]byte, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m.Keys = append(m.Keys, r.bytes())
	}
	return r.done()
}

type loadPagesResponse struct {
	Found []bool
	Data  [][]byte
}

func (m *loadPagesResponse) MarshalBinary() ([]byte, error) {
	if len(m.Found) != len(m.Data) {
		return nil, fmt.Errorf("%w: %d flags for %d pages", ErrMalformedMessage, len(m.Found), len(m.Data))
	}
	buf := binary.AppendUvarint(nil, uint64(len(m.Data)))
	for i, d := range m.Data {
		if m.Found[i] {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendBytes(buf, d)
	}
	return buf, nil
}

func (m *loadPagesResponse) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	n := r.count(2)
	m.Found = make([]bool, 0, n)
	m.Data = make([][]byte, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m.Found = append(m.Found, r.readByte() == 1)
		m.Data = append(m.Data, r.bytes())
	}
	return r.done()
}

type pagesMessage struct {
	Pages []Page
}

func (m *pagesMessage) MarshalBinary() ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(len(m.Pages)))
	for _, p := range m.Pages {
		buf = appendBytes(buf, p.Key)
		buf = appendBytes(buf, p.Data)
	}
	return buf, nil
}

func (m *pagesMessage) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	n := r.count(2)
	m.Pages = make([]Page, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m.Pages = append(m.Pages, Page{Key: r.bytes(), Data: r.bytes()})
	}
	return r.done()
}

type prefixRequest struct {
	Prefix []byte
}

func (m *prefixRequest) MarshalBinary() ([]byte, error) {
	return appendBytes(nil, m.Prefix), nil
}

func (m *prefixRequest) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	m.Prefix = r.bytes()
	return r.done()
}

// rootMessage carries a state root. Requests send it empty.
type rootMessage struct {
	Root []byte
}

func (m *rootMessage) MarshalBinary() ([]byte, error) {
	return appendBytes(nil, m.Root), nil
}

func (m *rootMessage) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	m.Root = r.bytes()
	return r.done()
}
