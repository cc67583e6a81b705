// Package persist holds the channel master's durable state: a versioned blob
// stored through the fail-safe store and a background writer that batches
// updates to it.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"go.uber.org/zap"

	"github.com/sambigeara/lonip/pkg/failsafe"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const (
	Magic uint32 = 0x4C4F4E43 // "LONC"

	Version1 uint16 = 1 // identity, session, members and routing
	Version2 uint16 = 2 // bandwidth, aggregation and escrow tunables
	Version3 uint16 = 3 // authentication, TOS and timezone

	CurrentVersion = Version3

	headerLen = 12

	// NoSlot marks the absence of this device from the member table.
	NoSlot = -1

	noSlotWire = 0xFFFF
)

const (
	DefaultAggregationMs = 16
	DefaultEscrowMs      = 0
	DefaultBandwidthKbps = 0
)

var (
	ErrBadMagic    = errors.New("bad magic")
	ErrBadVersion  = errors.New("unsupported blob version")
	ErrBadLength   = errors.New("blob length mismatch")
	ErrBadChecksum = errors.New("blob checksum mismatch")
)

// Member is one persisted slot of the member table.
type Member struct {
	Routing  *wire.ChannelRouting
	Endpoint types.Endpoint
	DateTime types.DateTime
	Shared   bool
}

// Blob is everything the channel master keeps across restarts.
type Blob struct {
	OwnRoute           *wire.ChannelRouting
	Secret             []byte
	Timezone           string
	Members            []Member
	Device             wire.DeviceInfo
	OwnSlot            int
	Session            uint32
	RegDateTime        types.DateTime
	MembersDateTime    types.DateTime
	BandwidthKbps      uint32
	AggregationMs      uint16
	EscrowMs           uint16
	BackwardCompatible bool
	AuthEnabled        bool
	TOS                uint8
}

// Defaults is the state of a device that has never been configured.
func Defaults() *Blob {
	return &Blob{
		OwnSlot:       NoSlot,
		AggregationMs: DefaultAggregationMs,
		EscrowMs:      DefaultEscrowMs,
		BandwidthKbps: DefaultBandwidthKbps,
	}
}

// Encode serialises b at the current version, header included.
func Encode(b *Blob) []byte {
	return encode(b, CurrentVersion)
}

func encode(b *Blob, version uint16) []byte {
	body := encodeBody(b, version)
	out := make([]byte, headerLen, headerLen+len(body))
	binary.BigEndian.PutUint32(out[0:4], Magic)
	binary.BigEndian.PutUint16(out[4:6], version)
	binary.BigEndian.PutUint32(out[6:10], uint32(len(body)))
	binary.BigEndian.PutUint16(out[10:12], checksum(body))
	return append(out, body...)
}

func checksum(body []byte) uint16 {
	c := crc32.ChecksumIEEE(body)
	return uint16(c ^ c>>16) //nolint:mnd
}

func encodeBody(b *Blob, version uint16) []byte {
	var e encoder

	e.u32(b.Session)
	e.u32(uint32(b.RegDateTime))
	if b.OwnSlot < 0 {
		e.u16(noSlotWire)
	} else {
		e.u16(uint16(b.OwnSlot))
	}
	e.block(wire.AppendPayload(nil, &wire.DeviceRegister{DeviceInfo: b.Device}))

	e.u32(uint32(b.MembersDateTime))
	e.bool(b.BackwardCompatible)
	e.u16(uint16(len(b.Members)))
	for _, m := range b.Members {
		e.raw(m.Endpoint.Addr[:])
		e.u16(m.Endpoint.Port)
		e.u32(uint32(m.DateTime))
		e.bool(m.Shared)
		e.route(m.Routing)
	}
	e.route(b.OwnRoute)

	if version >= Version2 {
		e.u32(b.BandwidthKbps)
		e.u16(b.AggregationMs)
		e.u16(b.EscrowMs)
	}
	if version >= Version3 {
		e.bool(b.AuthEnabled)
		e.bytes8(b.Secret)
		e.u8(b.TOS)
		e.bytes8([]byte(b.Timezone))
	}
	return e.b
}

// Decode parses a blob written by any version up to CurrentVersion. Fields
// introduced after the blob's version take their defaults and bytes past
// the fields its version defines are ignored.
func Decode(data []byte) (*Blob, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %d byte header", ErrBadLength, len(data))
	}
	if m := binary.BigEndian.Uint32(data[0:4]); m != Magic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, m)
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version == 0 || version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	n := binary.BigEndian.Uint32(data[6:10])
	body := data[headerLen:]
	if uint32(len(body)) != n {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrBadLength, n, len(body))
	}
	if sum := binary.BigEndian.Uint16(data[10:12]); sum != checksum(body) {
		return nil, ErrBadChecksum
	}
	return decodeBody(body, version)
}

func decodeBody(body []byte, version uint16) (*Blob, error) {
	b := Defaults()
	d := decoder{b: body}

	b.Session = d.u32()
	b.RegDateTime = types.DateTime(d.u32())
	if slot := d.u16(); slot != noSlotWire {
		b.OwnSlot = int(slot)
	}
	if dev := d.block(); d.err == nil {
		m, err := wire.ParseMessage(types.MsgTypeDeviceRegister, dev)
		if err != nil {
			return nil, fmt.Errorf("device record: %w", err)
		}
		b.Device = m.(*wire.DeviceRegister).DeviceInfo //nolint:forcetypeassert
	}

	b.MembersDateTime = types.DateTime(d.u32())
	b.BackwardCompatible = d.bool()
	count := int(d.u16())
	for range count {
		var m Member
		copy(m.Endpoint.Addr[:], d.take(4)) //nolint:mnd
		m.Endpoint.Port = d.u16()
		m.DateTime = types.DateTime(d.u32())
		m.Shared = d.bool()
		m.Routing = d.route()
		if d.err != nil {
			break
		}
		b.Members = append(b.Members, m)
	}
	b.OwnRoute = d.route()

	if version >= Version2 {
		b.BandwidthKbps = d.u32()
		b.AggregationMs = d.u16()
		b.EscrowMs = d.u16()
	}
	if version >= Version3 {
		b.AuthEnabled = d.bool()
		b.Secret = d.bytes8()
		b.TOS = d.u8()
		b.Timezone = string(d.bytes8())
	}

	if d.err != nil {
		return nil, d.err
	}
	if b.OwnSlot != NoSlot && b.OwnSlot >= len(b.Members) {
		return nil, fmt.Errorf("%w: own slot %d of %d members", ErrBadLength, b.OwnSlot, len(b.Members))
	}
	return b, nil
}

// Load reads the blob at path. A missing or invalid blob yields Defaults and
// false; neither is an error the caller has to handle.
func Load(store *failsafe.Store, path string) (*Blob, bool) {
	log := zap.S().Named("persist")

	data, err := store.Get(path)
	if err != nil {
		if errors.Is(err, failsafe.ErrNotExist) {
			log.Infow("no stored configuration, using defaults", "path", path)
		} else {
			log.Errorw("failed reading stored configuration, using defaults", "path", path, "err", err)
		}
		return Defaults(), false
	}

	b, err := Decode(data)
	if err != nil {
		log.Warnw("stored configuration invalid, using defaults", "path", path, "err", err)
		return Defaults(), false
	}
	return b, true
}

type encoder struct {
	b []byte
}

func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) u16(v uint16) { e.b = binary.BigEndian.AppendUint16(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *encoder) raw(p []byte) { e.b = append(e.b, p...) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) bytes8(p []byte) {
	e.u8(uint8(len(p)))
	e.raw(p)
}

func (e *encoder) block(p []byte) {
	e.u16(uint16(len(p)))
	e.raw(p)
}

func (e *encoder) route(r *wire.ChannelRouting) {
	if r == nil {
		e.bool(false)
		return
	}
	e.bool(true)
	e.block(wire.AppendPayload(nil, r))
}

// decoder is a cursor with a sticky error: once a read runs past the end
// every later read returns zero.
type decoder struct {
	err error
	b   []byte
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = fmt.Errorf("%w: body truncated", ErrBadLength)
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() uint8 {
	if p := d.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if p := d.take(2); p != nil { //nolint:mnd
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if p := d.take(4); p != nil { //nolint:mnd
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) bytes8() []byte {
	n := int(d.u8())
	if n == 0 {
		return nil
	}
	return append([]byte(nil), d.take(n)...)
}

func (d *decoder) block() []byte {
	return d.take(int(d.u16()))
}

func (d *decoder) route() *wire.ChannelRouting {
	if !d.bool() {
		return nil
	}
	p := d.block()
	if d.err != nil {
		return nil
	}
	m, err := wire.ParseMessage(types.MsgTypeChannelRouting, p)
	if err != nil {
		d.err = fmt.Errorf("routing record: %w", err)
		return nil
	}
	return m.(*wire.ChannelRouting) //nolint:forcetypeassert
}
