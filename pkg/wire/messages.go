package wire

import (
	"fmt"

	"github.com/sambigeara/lonip/pkg/types"
)

// Message is the typed payload of a packet.
type Message interface {
	Type() types.MsgType
	appendTo(w *writer)
}

// DeviceFlags describes how a device and its channel treat addressing.
type DeviceFlags uint8

const (
	DeviceSharedIP DeviceFlags = 1 << iota
	DeviceBackwardCompatible
	DeviceNATAware
)

func (f DeviceFlags) Has(o DeviceFlags) bool { return f&o != 0 }

// DeviceInfo is the identity block shared by DeviceRegister and DeviceConfigure.
type DeviceInfo struct {
	Name            string
	NeuronIDs       []types.NeuronID
	Addr            types.Endpoint
	NAT             types.Endpoint
	Server          types.Endpoint
	TimeServer1     types.Endpoint
	TimeServer2     types.Endpoint
	MembersDateTime types.DateTime
	ChannelTimeout  uint16
	Flags           DeviceFlags
}

func (d *DeviceInfo) appendTo(w *writer) {
	w.u8(uint8(d.Flags))
	w.endpoint(d.Addr)
	w.endpoint(d.NAT)
	w.endpoint(d.Server)
	w.endpoint(d.TimeServer1)
	w.endpoint(d.TimeServer2)
	w.u16(d.ChannelTimeout)
	w.u32(uint32(d.MembersDateTime))
	w.str8(d.Name)
	w.neuronIDs(d.NeuronIDs)
}

func (d *DeviceInfo) readFrom(r *reader) {
	d.Flags = DeviceFlags(r.u8())
	d.Addr = r.endpoint()
	d.NAT = r.endpoint()
	d.Server = r.endpoint()
	d.TimeServer1 = r.endpoint()
	d.TimeServer2 = r.endpoint()
	d.ChannelTimeout = r.u16()
	d.MembersDateTime = types.DateTime(r.u32())
	d.Name = r.str8()
	d.NeuronIDs = r.neuronIDs()
}

// DeviceRegister is sent by a device to announce its identity.
type DeviceRegister struct{ DeviceInfo }

func (*DeviceRegister) Type() types.MsgType { return types.MsgTypeDeviceRegister }

// DeviceConfigure is sent by the configuration server to (re)configure a device.
type DeviceConfigure struct{ DeviceInfo }

func (*DeviceConfigure) Type() types.MsgType { return types.MsgTypeDeviceConfigure }

type MemberEntry struct {
	Endpoint types.Endpoint
	DateTime types.DateTime
}

type ChannelMembers struct {
	Members            []MemberEntry
	DateTime           types.DateTime
	BackwardCompatible bool
}

func (*ChannelMembers) Type() types.MsgType { return types.MsgTypeChannelMembers }

func (m *ChannelMembers) appendTo(w *writer) {
	w.u32(uint32(m.DateTime))
	var flags uint8
	if m.BackwardCompatible {
		flags |= 1
	}
	w.u8(flags)
	w.u16(uint16(len(m.Members)))
	for _, e := range m.Members {
		w.endpoint(e.Endpoint)
		w.u32(uint32(e.DateTime))
	}
}

// Domain is a LonTalk domain a member routes for. ID is 0, 1, 3 or 6 bytes;
// a zero-length ID parses back as nil.
type Domain struct {
	ID         []byte
	SubnetMask [32]byte
	GroupMask  [32]byte
}

type SubnetNode struct {
	DomainIndex uint8
	Subnet      uint8
	Node        uint8
}

// ChannelRouting is one member's route advertisement.
type ChannelRouting struct {
	Domains       []Domain
	SubnetNodes   []SubnetNode
	NeuronIDs     []types.NeuronID
	Endpoint      types.Endpoint
	Multicast     types.Endpoint
	DateTime      types.DateTime
	RouterType    uint8
	AllBroadcasts bool
}

func (*ChannelRouting) Type() types.MsgType { return types.MsgTypeChannelRouting }

func (m *ChannelRouting) validate() error {
	for i, d := range m.Domains {
		if len(d.ID) > maxDomainIDLen {
			return fmt.Errorf("%w: domain %d id is %d bytes", ErrBadDomainID, i, len(d.ID))
		}
	}
	return nil
}

const (
	maxDomainIDLen     = 6
	maxPreallocMembers = 256
)

func (m *ChannelRouting) appendTo(w *writer) {
	w.u32(uint32(m.DateTime))
	var flags uint8
	if m.AllBroadcasts {
		flags |= 1
	}
	w.u8(flags)
	w.u8(m.RouterType)
	w.endpoint(m.Endpoint)
	w.endpoint(m.Multicast)

	w.u8(uint8(len(m.Domains)))
	for _, d := range m.Domains {
		var id [maxDomainIDLen]byte
		n := copy(id[:], d.ID)
		w.u8(uint8(n))
		w.raw(id[:])
		w.raw(d.SubnetMask[:])
		w.raw(d.GroupMask[:])
	}

	w.u8(uint8(len(m.SubnetNodes)))
	for _, sn := range m.SubnetNodes {
		w.u8(sn.DomainIndex)
		w.u8(sn.Subnet)
		w.u8(sn.Node)
	}

	w.neuronIDs(m.NeuronIDs)
}

func (m *ChannelRouting) readFrom(r *reader) {
	m.DateTime = types.DateTime(r.u32())
	m.AllBroadcasts = r.u8()&1 != 0
	m.RouterType = r.u8()
	m.Endpoint = r.endpoint()
	m.Multicast = r.endpoint()

	if n := int(r.u8()); n > 0 {
		m.Domains = make([]Domain, 0, n)
		for range n {
			var d Domain
			idLen := int(r.u8())
			id := r.take(maxDomainIDLen)
			if idLen > maxDomainIDLen {
				r.err = fmt.Errorf("%w: domain id length %d", ErrShortPacket, idLen)
				return
			}
			if idLen > 0 && id != nil {
				d.ID = append([]byte(nil), id[:idLen]...)
			}
			copy(d.SubnetMask[:], r.take(len(d.SubnetMask)))
			copy(d.GroupMask[:], r.take(len(d.GroupMask)))
			m.Domains = append(m.Domains, d)
		}
	}

	if n := int(r.u8()); n > 0 {
		m.SubnetNodes = make([]SubnetNode, 0, n)
		for range n {
			m.SubnetNodes = append(m.SubnetNodes, SubnetNode{DomainIndex: r.u8(), Subnet: r.u8(), Node: r.u8()})
		}
	}

	m.NeuronIDs = r.neuronIDs()
}

// Clone returns a deep copy.
func (m *ChannelRouting) Clone() *ChannelRouting {
	if m == nil {
		return nil
	}
	out := *m
	if m.Domains != nil {
		out.Domains = make([]Domain, len(m.Domains))
		for i, d := range m.Domains {
			out.Domains[i] = d
			out.Domains[i].ID = append([]byte(nil), d.ID...)
		}
	}
	if m.SubnetNodes != nil {
		out.SubnetNodes = append([]SubnetNode(nil), m.SubnetNodes...)
	}
	if m.NeuronIDs != nil {
		out.NeuronIDs = append([]types.NeuronID(nil), m.NeuronIDs...)
	}
	return &out
}

// Request is a pull request. Target is zero when the request is about the
// receiver itself; routing requests name a member and, for shared-IP
// members, its port.
type Request struct {
	Kind      types.MsgType
	RequestID uint32
	Target    types.Endpoint
}

func (m *Request) Type() types.MsgType { return m.Kind }

func (m *Request) appendTo(w *writer) {
	w.u32(m.RequestID)
	w.endpoint(m.Target)
}

type ResponseCode uint8

const (
	ResponseAck ResponseCode = iota
	ResponseNak
)

type ResponseReason uint8

const (
	ReasonNone ResponseReason = iota
	ReasonNotAuthoritative
	ReasonUnknownMember
	ReasonNotSupported
	ReasonRejected
)

type Response struct {
	RequestID    uint32
	InResponseTo types.MsgType
	Code         ResponseCode
	Reason       ResponseReason
}

func (*Response) Type() types.MsgType { return types.MsgTypeResponse }

func (m *Response) appendTo(w *writer) {
	w.u32(m.RequestID)
	w.u8(uint8(m.InResponseTo))
	w.u8(uint8(m.Code))
	w.u8(uint8(m.Reason))
}

type TimeSyncRequest struct{}

func (*TimeSyncRequest) Type() types.MsgType { return types.MsgTypeTimeSyncRequest }
func (*TimeSyncRequest) appendTo(*writer)    {}

type TimeSyncResponse struct {
	DateTime types.DateTime
}

func (*TimeSyncResponse) Type() types.MsgType  { return types.MsgTypeTimeSyncResponse }
func (m *TimeSyncResponse) appendTo(w *writer) { w.u32(uint32(m.DateTime)) }

// Statistics is the counter block a device reports to its server.
type Statistics struct {
	Since            types.DateTime
	PacketsSent      uint32
	PacketsReceived  uint32
	AuthFailures     uint32
	Malformed        uint32
	NonAuthoritative uint32
	StaleRouting     uint32
	DuplicateMembers uint32
	SegmentsDropped  uint32
	PersistWrites    uint32
	PersistFailures  uint32
}

func (*Statistics) Type() types.MsgType { return types.MsgTypeStatistics }

func (m *Statistics) fields() []*uint32 {
	return []*uint32{
		(*uint32)(&m.Since), &m.PacketsSent, &m.PacketsReceived, &m.AuthFailures, &m.Malformed,
		&m.NonAuthoritative, &m.StaleRouting, &m.DuplicateMembers, &m.SegmentsDropped,
		&m.PersistWrites, &m.PersistFailures,
	}
}

func (m *Statistics) appendTo(w *writer) {
	for _, f := range m.fields() {
		w.u32(*f)
	}
}

type VendorConfig struct {
	Secret        []byte
	Timezone      string
	BandwidthKbps uint32
	AggregationMs uint16
	EscrowMs      uint16
	TOS           uint8
	AuthEnabled   bool
}

func (*VendorConfig) Type() types.MsgType { return types.MsgTypeVendorConfig }

func (m *VendorConfig) appendTo(w *writer) {
	w.u16(m.AggregationMs)
	w.u32(m.BandwidthKbps)
	w.u16(m.EscrowMs)
	w.u8(m.TOS)
	w.bool(m.AuthEnabled)
	w.bytes8(m.Secret)
	w.str8(m.Timezone)
}

type ControlOp uint8

const (
	ControlReboot ControlOp = iota + 1
	ControlWebServerStart
	ControlWebServerStop
)

type VendorControl struct {
	Op ControlOp
}

func (*VendorControl) Type() types.MsgType  { return types.MsgTypeVendorControl }
func (m *VendorControl) appendTo(w *writer) { w.u8(uint8(m.Op)) }

type VendorMode struct {
	Flags DeviceFlags
}

func (*VendorMode) Type() types.MsgType  { return types.MsgTypeVendorMode }
func (m *VendorMode) appendTo(w *writer) { w.u8(uint8(m.Flags)) }

type VendorVersion struct {
	Build string
	Major uint8
	Minor uint8
}

func (*VendorVersion) Type() types.MsgType { return types.MsgTypeVendorVersion }

func (m *VendorVersion) appendTo(w *writer) {
	w.u8(m.Major)
	w.u8(m.Minor)
	w.str8(m.Build)
}

type VendorDeviceID struct {
	Name      string
	NeuronIDs []types.NeuronID
}

func (*VendorDeviceID) Type() types.MsgType { return types.MsgTypeVendorDeviceID }

func (m *VendorDeviceID) appendTo(w *writer) {
	w.neuronIDs(m.NeuronIDs)
	w.str8(m.Name)
}

// Data carries one or more aggregated LonTalk packets.
type Data struct {
	Packets [][]byte
}

func (*Data) Type() types.MsgType { return types.MsgTypeData }

func (m *Data) appendTo(w *writer) {
	for _, p := range m.Packets {
		w.u16(uint16(len(p)))
		w.raw(p)
	}
}

// DataSize is the payload size of a Data message carrying packets.
func DataSize(packets ...[]byte) int {
	n := 0
	for _, p := range packets {
		n += 2 + len(p)
	}
	return n
}

// Segment frames one piece of a logical message too large for a datagram.
type Segment struct {
	Chunk     []byte
	RequestID uint16
	SegmentID uint8
	Final     bool
}

func (*Segment) Type() types.MsgType { return types.MsgTypeSegment }

func (m *Segment) appendTo(w *writer) {
	w.u16(m.RequestID)
	w.u8(m.SegmentID)
	var flags uint8
	if m.Final {
		flags |= 1
	}
	w.u8(flags)
	w.raw(m.Chunk)
}

// AppendPayload serialises m's payload onto b.
func AppendPayload(b []byte, m Message) []byte {
	w := writer{b: b}
	m.appendTo(&w)
	return w.b
}

// Build serialises m into a complete datagram. h.Type is taken from m.
func Build(h Header, m Message, secret []byte) ([]byte, error) {
	if v, ok := m.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	h.Type = m.Type()
	return EncodePacket(h, AppendPayload(nil, m), secret)
}

// ParseMessage decodes the payload of a packet of type t.
//
//nolint:cyclop
func ParseMessage(t types.MsgType, payload []byte) (Message, error) {
	r := &reader{b: payload}
	var m Message

	switch {
	case t == types.MsgTypeDeviceRegister:
		d := &DeviceRegister{}
		d.readFrom(r)
		m = d
	case t == types.MsgTypeDeviceConfigure:
		d := &DeviceConfigure{}
		d.readFrom(r)
		m = d
	case t == types.MsgTypeChannelMembers:
		cm := &ChannelMembers{DateTime: types.DateTime(r.u32())}
		cm.BackwardCompatible = r.u8()&1 != 0
		if n := int(r.u16()); n > 0 && r.err == nil {
			cm.Members = make([]MemberEntry, 0, min(n, maxPreallocMembers))
			for range n {
				cm.Members = append(cm.Members, MemberEntry{Endpoint: r.endpoint(), DateTime: types.DateTime(r.u32())})
			}
		}
		m = cm
	case t == types.MsgTypeChannelRouting:
		cr := &ChannelRouting{}
		cr.readFrom(r)
		m = cr
	case t.IsRequest():
		m = &Request{Kind: t, RequestID: r.u32(), Target: r.endpoint()}
	case t == types.MsgTypeResponse:
		m = &Response{
			RequestID:    r.u32(),
			InResponseTo: types.MsgType(r.u8()),
			Code:         ResponseCode(r.u8()),
			Reason:       ResponseReason(r.u8()),
		}
	case t == types.MsgTypeTimeSyncRequest:
		m = &TimeSyncRequest{}
	case t == types.MsgTypeTimeSyncResponse:
		m = &TimeSyncResponse{DateTime: types.DateTime(r.u32())}
	case t == types.MsgTypeStatistics:
		s := &Statistics{}
		for _, f := range s.fields() {
			*f = r.u32()
		}
		m = s
	case t == types.MsgTypeVendorConfig:
		m = &VendorConfig{
			AggregationMs: r.u16(),
			BandwidthKbps: r.u32(),
			EscrowMs:      r.u16(),
			TOS:           r.u8(),
			AuthEnabled:   r.bool(),
			Secret:        r.bytes8(),
			Timezone:      r.str8(),
		}
	case t == types.MsgTypeVendorControl:
		m = &VendorControl{Op: ControlOp(r.u8())}
	case t == types.MsgTypeVendorMode:
		m = &VendorMode{Flags: DeviceFlags(r.u8())}
	case t == types.MsgTypeVendorVersion:
		m = &VendorVersion{Major: r.u8(), Minor: r.u8(), Build: r.str8()}
	case t == types.MsgTypeVendorDeviceID:
		m = &VendorDeviceID{NeuronIDs: r.neuronIDs(), Name: r.str8()}
	case t == types.MsgTypeData:
		d := &Data{}
		for r.err == nil && r.off < len(r.b) {
			n := int(r.u16())
			if p := r.take(n); p != nil {
				d.Packets = append(d.Packets, append([]byte(nil), p...))
			}
		}
		m = d
	case t == types.MsgTypeSegment:
		s := &Segment{RequestID: r.u16(), SegmentID: r.u8()}
		s.Final = r.u8()&1 != 0
		if rest := r.rest(); len(rest) > 0 {
			s.Chunk = append([]byte(nil), rest...)
		}
		m = s
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	if err := r.done(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	return m, nil
}
