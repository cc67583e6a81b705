package wire

import (
	"crypto/md5" //nolint:gosec
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sambigeara/lonip/pkg/types"
)

const (
	Version = 1

	HeaderLen    = 20
	natExtLen    = 12
	natExtWords  = natExtLen / 4
	DigestLen    = md5.Size
	SegmentLen   = 4
	maxPacketLen = 0xFFFF

	// DefaultMaxDatagram is the largest datagram sent without segmentation.
	DefaultMaxDatagram = 548

	VendorStandard  uint16 = 0x0000
	VendorSupported uint16 = 0x0001
)

const (
	flagAuthenticated = 1 << iota
	flagNATExtension
)

var (
	ErrShortPacket  = errors.New("packet too short")
	ErrBadLength    = errors.New("packet length mismatch")
	ErrBadVersion   = errors.New("unsupported protocol version")
	ErrBadVendor    = errors.New("unsupported vendor code")
	ErrAuth         = errors.New("packet authentication failed")
	ErrUnknownType  = errors.New("unknown packet type")
	ErrTooLarge     = errors.New("packet too large")
	ErrTrailingData = errors.New("trailing bytes after payload")
	ErrBadDomainID  = errors.New("domain id longer than 6 bytes")
)

// NATExtension carries the addresses a device behind NAT is known by.
type NATExtension struct {
	NAT   types.Endpoint
	Local types.Endpoint
}

type Header struct {
	NAT      *NATExtension
	Type     types.MsgType
	Vendor   uint16
	Session  uint32
	Sequence uint32
	DateTime types.DateTime
}

// Packet is a decoded datagram. Payload aliases the input buffer.
type Packet struct {
	Header
	Payload       []byte
	Authenticated bool
	signed        []byte
	digest        [DigestLen]byte
}

func ValidVendor(v uint16) bool {
	return v == VendorStandard || v == VendorSupported
}

func (h *Header) size() int {
	if h.NAT != nil {
		return HeaderLen + natExtLen
	}
	return HeaderLen
}

// Overhead returns the bytes a datagram spends outside its payload.
func Overhead(nat bool, authenticated bool) int {
	n := HeaderLen
	if nat {
		n += natExtLen
	}
	if authenticated {
		n += DigestLen
	}
	return n
}

// EncodePacket serialises a header and payload. When secret is non-nil the
// packet is authenticated with a trailing keyed digest.
//
//nolint:mnd
func EncodePacket(h Header, payload []byte, secret []byte) ([]byte, error) {
	n := h.size() + len(payload)
	if secret != nil {
		n += DigestLen
	}
	if n > maxPacketLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}

	buf := make([]byte, n)
	binary.BigEndian.PutUint16(buf[0:2], uint16(n))
	buf[2] = Version
	buf[3] = byte(h.Type)

	var flags byte
	if secret != nil {
		flags |= flagAuthenticated
	}
	if h.NAT != nil {
		flags |= flagNATExtension
		buf[4] = natExtWords
	}
	buf[5] = flags
	binary.BigEndian.PutUint16(buf[6:8], h.Vendor)
	binary.BigEndian.PutUint32(buf[8:12], h.Session)
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.DateTime))

	off := HeaderLen
	if h.NAT != nil {
		putEndpoint(buf[off:], h.NAT.NAT)
		putEndpoint(buf[off+6:], h.NAT.Local)
		off += natExtLen
	}
	copy(buf[off:], payload)

	if secret != nil {
		d := digest(buf[:n-DigestLen], secret)
		copy(buf[n-DigestLen:], d[:])
	}

	return buf, nil
}

//nolint:mnd
func DecodePacket(buf []byte) (p Packet, _ error) {
	n := len(buf)
	if n < HeaderLen {
		return p, fmt.Errorf("%w: %d", ErrShortPacket, n)
	}
	if int(binary.BigEndian.Uint16(buf[0:2])) != n {
		return p, fmt.Errorf("%w: header says %d, got %d", ErrBadLength, binary.BigEndian.Uint16(buf[0:2]), n)
	}
	if buf[2] != Version {
		return p, fmt.Errorf("%w: %d", ErrBadVersion, buf[2])
	}

	extLen := int(buf[4]) * 4
	flags := buf[5]
	p.Type = types.MsgType(buf[3])
	p.Vendor = binary.BigEndian.Uint16(buf[6:8])
	p.Session = binary.BigEndian.Uint32(buf[8:12])
	p.Sequence = binary.BigEndian.Uint32(buf[12:16])
	p.DateTime = types.DateTime(binary.BigEndian.Uint32(buf[16:20]))

	end := n
	if flags&flagAuthenticated != 0 {
		if n < HeaderLen+extLen+DigestLen {
			return p, fmt.Errorf("%w: missing digest", ErrShortPacket)
		}
		end = n - DigestLen
		p.Authenticated = true
		p.signed = buf[:end]
		copy(p.digest[:], buf[end:])
	}
	if HeaderLen+extLen > end {
		return p, fmt.Errorf("%w: extension", ErrShortPacket)
	}

	if flags&flagNATExtension != 0 {
		if extLen < natExtLen {
			return p, fmt.Errorf("%w: nat extension", ErrShortPacket)
		}
		p.NAT = &NATExtension{
			NAT:   getEndpoint(buf[HeaderLen:]),
			Local: getEndpoint(buf[HeaderLen+6:]),
		}
	}

	p.Payload = buf[HeaderLen+extLen : end]
	return p, nil
}

// Verify checks the packet's keyed digest against secret. Unauthenticated
// packets never verify.
func (p *Packet) Verify(secret []byte) bool {
	if !p.Authenticated {
		return false
	}
	d := digest(p.signed, secret)
	return subtle.ConstantTimeCompare(d[:], p.digest[:]) == 1
}

func digest(signed, secret []byte) [DigestLen]byte {
	h := md5.New() //nolint:gosec
	h.Write(signed)
	h.Write(secret)
	var out [DigestLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

func putEndpoint(b []byte, ep types.Endpoint) {
	copy(b[0:4], ep.Addr[:])
	binary.BigEndian.PutUint16(b[4:6], ep.Port)
}

func getEndpoint(b []byte) types.Endpoint {
	var ep types.Endpoint
	copy(ep.Addr[:], b[0:4])
	ep.Port = binary.BigEndian.Uint16(b[4:6])
	return ep
}
