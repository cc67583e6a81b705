package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/sambigeara/lonip/pkg/types"
)

type writer struct {
	b []byte
}

func (w *writer) u8(v uint8) { w.b = append(w.b, v) }

func (w *writer) u16(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }

func (w *writer) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) raw(b []byte) { w.b = append(w.b, b...) }

func (w *writer) endpoint(ep types.Endpoint) {
	w.raw(ep.Addr[:])
	w.u16(ep.Port)
}

// str8 writes a length-prefixed string, truncated to 255 bytes.
func (w *writer) str8(s string) {
	if len(s) > 0xFF {
		s = s[:0xFF]
	}
	w.u8(uint8(len(s)))
	w.raw([]byte(s))
}

func (w *writer) bytes8(b []byte) {
	if len(b) > 0xFF {
		b = b[:0xFF]
	}
	w.u8(uint8(len(b)))
	w.raw(b)
}

func (w *writer) neuronIDs(ids []types.NeuronID) {
	if len(ids) > 0xFF {
		ids = ids[:0xFF]
	}
	w.u8(uint8(len(ids)))
	for _, id := range ids {
		w.raw(id[:])
	}
}

// reader is a sticky-error cursor: once a read runs past the end every
// subsequent read returns zero values and err stays set.
type reader struct {
	err error
	b   []byte
	off int
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPacket, n, r.off, len(r.b))
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2) //nolint:mnd
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4) //nolint:mnd
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) endpoint() types.Endpoint {
	b := r.take(6) //nolint:mnd
	if b == nil {
		return types.Endpoint{}
	}
	return getEndpoint(b)
}

func (r *reader) str8() string {
	n := int(r.u8())
	return string(r.take(n))
}

func (r *reader) bytes8() []byte {
	n := int(r.u8())
	if n == 0 {
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) neuronIDs() []types.NeuronID {
	n := int(r.u8())
	if n == 0 {
		return nil
	}
	ids := make([]types.NeuronID, 0, n)
	for range n {
		b := r.take(len(types.NeuronID{}))
		if b == nil {
			return nil
		}
		ids = append(ids, types.NeuronID(b))
	}
	return ids
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	out := r.b[r.off:]
	r.off = len(r.b)
	return out
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.b) {
		return fmt.Errorf("%w: %d", ErrTrailingData, len(r.b)-r.off)
	}
	return nil
}
