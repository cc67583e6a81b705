// Package segment carries messages larger than one datagram as a run of
// numbered segments, and reassembles them on receipt.
package segment

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const (
	maxSegments = 256

	// DefaultRecentTTL bounds how long an outbound transfer stays available
	// to answer a repeated request without rebuilding it.
	DefaultRecentTTL = 5 * time.Second
)

var ErrTooManySegments = errors.New("message needs more segments than the framing allows")

// Splitter frames outbound messages, segmenting those that do not fit in
// one datagram.
type Splitter struct {
	recent      *cache.Cache
	maxDatagram int
	nextID      atomic.Uint32
}

func NewSplitter(maxDatagram int) *Splitter {
	if maxDatagram <= 0 {
		maxDatagram = wire.DefaultMaxDatagram
	}
	return &Splitter{
		maxDatagram: maxDatagram,
		recent:      cache.New(DefaultRecentTTL, 0),
	}
}

func (s *Splitter) MaxDatagram() int {
	return s.maxDatagram
}

// Frame serialises m into one or more datagrams. Each datagram is
// authenticated on its own when secret is non-nil.
func (s *Splitter) Frame(h wire.Header, m wire.Message, secret []byte) ([][]byte, error) {
	whole, err := wire.Build(h, m, secret)
	if err == nil && len(whole) <= s.maxDatagram {
		return [][]byte{whole}, nil
	}
	if err != nil && !errors.Is(err, wire.ErrTooLarge) {
		return nil, err
	}

	h.Type = m.Type()
	logical, err := wire.EncodePacket(h, wire.AppendPayload(nil, m), nil)
	if err != nil {
		return nil, err
	}

	chunk := s.maxDatagram - wire.Overhead(h.NAT != nil, secret != nil) - wire.SegmentLen
	if chunk <= 0 {
		return nil, fmt.Errorf("datagram ceiling %d leaves no room for segment data", s.maxDatagram)
	}

	pieces := Split(logical, chunk)
	if len(pieces) > maxSegments {
		return nil, fmt.Errorf("%w: %d", ErrTooManySegments, len(pieces))
	}

	reqID := uint16(s.nextID.Add(1))
	out := make([][]byte, 0, len(pieces))
	for i, p := range pieces {
		seg := &wire.Segment{
			RequestID: reqID,
			SegmentID: uint8(i),
			Final:     i == len(pieces)-1,
			Chunk:     p,
		}
		b, err := wire.Build(h, seg, secret)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Split cuts payload into pieces of at most size bytes. An empty payload
// yields a single empty piece so that the receiver still sees a final
// segment.
func Split(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{nil}
	}
	out := make([][]byte, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		out = append(out, payload[off:end])
	}
	return out
}

func recentKey(dst types.Endpoint, t types.MsgType) string {
	return dst.String() + "/" + t.String()
}

// Remember records the datagrams of a segmented transfer to dst so a
// repeated request for the same message can be served from them.
func (s *Splitter) Remember(dst types.Endpoint, t types.MsgType, datagrams [][]byte) {
	if len(datagrams) < 2 { //nolint:mnd
		return
	}
	s.recent.SetDefault(recentKey(dst, t), datagrams)
}

// Forget drops any remembered transfers of type t, typically because the
// message they carry has been rebuilt.
func (s *Splitter) Forget(t types.MsgType) {
	suffix := "/" + t.String()
	for k := range s.recent.Items() {
		if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
			s.recent.Delete(k)
		}
	}
}

// Service resends a remembered transfer of type t to dst. It reports
// whether the request was handled, in which case the caller must not build
// a duplicate reply.
func (s *Splitter) Service(dst types.Endpoint, t types.MsgType, send func([]byte) error) (bool, error) {
	v, ok := s.recent.Get(recentKey(dst, t))
	if !ok {
		return false, nil
	}
	for _, b := range v.([][]byte) { //nolint:forcetypeassert
		if err := send(b); err != nil {
			return true, err
		}
	}
	return true, nil
}
