package types

import "strings"

// RequestKind is one outstanding request the channel master keeps asking
// the configuration server for until it is answered.
type RequestKind uint8

const (
	RequestDeviceResponse RequestKind = iota
	RequestMembers
	RequestRouting
	RequestSendOwnRouting
	RequestServerType

	numRequestKinds
)

func (k RequestKind) String() string {
	switch k {
	case RequestDeviceResponse:
		return "device_response"
	case RequestMembers:
		return "members"
	case RequestRouting:
		return "routing"
	case RequestSendOwnRouting:
		return "send_own_routing"
	case RequestServerType:
		return "server_type"
	default:
		return "unknown"
	}
}

// RequestSet is a set over RequestKind.
type RequestSet uint8

func Requests(kinds ...RequestKind) RequestSet {
	var s RequestSet
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

func (s RequestSet) With(k RequestKind) RequestSet    { return s | 1<<k }
func (s RequestSet) Without(k RequestKind) RequestSet { return s &^ (1 << k) }
func (s RequestSet) Has(k RequestKind) bool           { return s&(1<<k) != 0 }
func (s RequestSet) Union(o RequestSet) RequestSet    { return s | o }
func (s RequestSet) Empty() bool                      { return s == 0 }

func (s RequestSet) Kinds() []RequestKind {
	var out []RequestKind
	for k := range numRequestKinds {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s RequestSet) String() string {
	kinds := s.Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}
