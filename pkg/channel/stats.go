package channel

import (
	"sync/atomic"
	"time"

	"github.com/sambigeara/lonip/pkg/metrics"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

// Stats are the engine's counters since the last reset.
type Stats struct {
	Since            time.Time
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

type counters struct {
	since            atomic.Int64
	sent             atomic.Uint32
	received         atomic.Uint32
	authFailures     atomic.Uint32
	malformed        atomic.Uint32
	nonAuthoritative atomic.Uint32
	staleRouting     atomic.Uint32
	duplicateMembers atomic.Uint32
	segmentsDropped  atomic.Uint32
	persistWrites    atomic.Uint32
	persistFailures  atomic.Uint32
}

func (c *counters) reset(now time.Time) {
	for _, v := range []*atomic.Uint32{
		&c.sent, &c.received, &c.authFailures, &c.malformed, &c.nonAuthoritative,
		&c.staleRouting, &c.duplicateMembers, &c.segmentsDropped, &c.persistWrites, &c.persistFailures,
	} {
		v.Store(0)
	}
	c.since.Store(now.Unix())
}

func (c *counters) snapshot() Stats {
	return Stats{
		Since:            time.Unix(c.since.Load(), 0).UTC(),
		PacketsSent:      c.sent.Load(),
		PacketsReceived:  c.received.Load(),
		AuthFailures:     c.authFailures.Load(),
		Malformed:        c.malformed.Load(),
		NonAuthoritative: c.nonAuthoritative.Load(),
		StaleRouting:     c.staleRouting.Load(),
		DuplicateMembers: c.duplicateMembers.Load(),
		SegmentsDropped:  c.segmentsDropped.Load(),
		PersistWrites:    c.persistWrites.Load(),
		PersistFailures:  c.persistFailures.Load(),
	}
}

func (s Stats) message() *wire.Statistics {
	return &wire.Statistics{
		Since:            types.DateTimeAt(s.Since),
		PacketsSent:      s.PacketsSent,
		PacketsReceived:  s.PacketsReceived,
		AuthFailures:     s.AuthFailures,
		Malformed:        s.Malformed,
		NonAuthoritative: s.NonAuthoritative,
		StaleRouting:     s.StaleRouting,
		DuplicateMembers: s.DuplicateMembers,
		SegmentsDropped:  s.SegmentsDropped,
		PersistWrites:    s.PersistWrites,
		PersistFailures:  s.PersistFailures,
	}
}

func (e *Engine) Stats() Stats {
	return e.counters.snapshot()
}

// drop counts a discarded inbound message.
func (e *Engine) drop(reason string, src types.Endpoint, err error) {
	switch reason {
	case metrics.DropAuth:
		e.counters.authFailures.Add(1)
	case metrics.DropMalformed:
		e.counters.malformed.Add(1)
	case metrics.DropNonAuthoritative, metrics.DropUnknownSource:
		e.counters.nonAuthoritative.Add(1)
	case metrics.DropStaleRouting:
		e.counters.staleRouting.Add(1)
	case metrics.DropDuplicateMembers:
		e.counters.duplicateMembers.Add(1)
	}
	e.metrics.Drop(reason)
	e.log.Debugw("dropped inbound message", "reason", reason, "src", src, "err", err)
}
