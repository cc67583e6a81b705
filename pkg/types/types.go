package types

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

type MsgType uint8

const (
	MsgTypeData            MsgType = 0x01
	MsgTypeDeviceRegister  MsgType = 0x03
	MsgTypeChannelMembers  MsgType = 0x04
	MsgTypeChannelRouting  MsgType = 0x05
	MsgTypeRequestMembers  MsgType = 0x06
	MsgTypeRequestRouting  MsgType = 0x07
	MsgTypeRequestDevice   MsgType = 0x08
	MsgTypeRequestStats    MsgType = 0x09
	MsgTypeRequestVendor   MsgType = 0x0A
	MsgTypeRequestVersion  MsgType = 0x0B
	MsgTypeRequestMode     MsgType = 0x0C
	MsgTypeRequestDeviceID MsgType = 0x0D

	MsgTypeTimeSyncRequest  MsgType = 0x10
	MsgTypeTimeSyncResponse MsgType = 0x11
	MsgTypeStatistics       MsgType = 0x12

	MsgTypeVendorConfig   MsgType = 0x20
	MsgTypeVendorControl  MsgType = 0x21
	MsgTypeVendorMode     MsgType = 0x22
	MsgTypeVendorVersion  MsgType = 0x23
	MsgTypeVendorDeviceID MsgType = 0x24

	MsgTypeDeviceConfigure MsgType = 0x71
	MsgTypeSegment         MsgType = 0x7E
	MsgTypeResponse        MsgType = 0x7F
)

var msgTypeNames = map[MsgType]string{
	MsgTypeData:             "data",
	MsgTypeDeviceRegister:   "device_register",
	MsgTypeChannelMembers:   "channel_members",
	MsgTypeChannelRouting:   "channel_routing",
	MsgTypeRequestMembers:   "request_members",
	MsgTypeRequestRouting:   "request_routing",
	MsgTypeRequestDevice:    "request_device_config",
	MsgTypeRequestStats:     "request_statistics",
	MsgTypeRequestVendor:    "request_vendor_config",
	MsgTypeRequestVersion:   "request_version",
	MsgTypeRequestMode:      "request_mode",
	MsgTypeRequestDeviceID:  "request_device_id",
	MsgTypeTimeSyncRequest:  "time_sync_request",
	MsgTypeTimeSyncResponse: "time_sync_response",
	MsgTypeStatistics:       "statistics",
	MsgTypeVendorConfig:     "vendor_config",
	MsgTypeVendorControl:    "vendor_control",
	MsgTypeVendorMode:       "vendor_mode",
	MsgTypeVendorVersion:    "vendor_version",
	MsgTypeVendorDeviceID:   "vendor_device_id",
	MsgTypeDeviceConfigure:  "device_configure",
	MsgTypeSegment:          "segment",
	MsgTypeResponse:         "response",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return "unknown(0x" + strconv.FormatUint(uint64(t), 16) + ")"
}

func (t MsgType) Known() bool {
	_, ok := msgTypeNames[t]
	return ok
}

// IsRequest reports whether t is one of the pull-request types.
func (t MsgType) IsRequest() bool {
	return t >= MsgTypeRequestMembers && t <= MsgTypeRequestDeviceID
}

// Endpoint is an IPv4 address and UDP port. The zero value means "unset".
type Endpoint struct {
	Addr [4]byte
	Port uint16
}

func EndpointFrom(ap netip.AddrPort) Endpoint {
	a := ap.Addr().Unmap()
	if !a.Is4() {
		return Endpoint{}
	}
	return Endpoint{Addr: a.As4(), Port: ap.Port()}
}

func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	if !ap.Addr().Unmap().Is4() {
		return Endpoint{}, fmt.Errorf("not an IPv4 endpoint: %s", s)
	}
	return EndpointFrom(ap), nil
}

func MustEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(e.Addr), e.Port)
}

func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

func (e Endpoint) SameIP(o Endpoint) bool {
	return e.Addr == o.Addr
}

func (e Endpoint) String() string {
	return e.AddrPort().String()
}

// NeuronID is the 48-bit unique id of a LonTalk node.
type NeuronID [6]byte

func (n NeuronID) String() string {
	return hex.EncodeToString(n[:])
}

func ParseNeuronID(s string) (NeuronID, error) {
	var id NeuronID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("neuron id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// DateTime is a seconds counter carried on the wire. It is only ever compared
// for freshness, never interpreted as wall-clock order between devices.
type DateTime uint32

func DateTimeAt(t time.Time) DateTime {
	return DateTime(t.Unix())
}

func (d DateTime) Time() time.Time {
	return time.Unix(int64(d), 0).UTC()
}

// Next returns a datetime strictly after d, preferring now when it is later.
func (d DateTime) Next(now time.Time) DateTime {
	n := DateTimeAt(now)
	if n <= d {
		return d + 1
	}
	return n
}

type ConnectState int

const (
	ConnectStateNotActiveMember ConnectState = iota
	ConnectStateConfigOutOfDate
	ConnectStateActiveMember
)

func (s ConnectState) String() string {
	switch s {
	case ConnectStateConfigOutOfDate:
		return "CONFIG_OUT_OF_DATE"
	case ConnectStateActiveMember:
		return "ACTIVE_MEMBER"
	default:
		return "NOT_ACTIVE_MEMBER"
	}
}
