package channel

import (
	"fmt"

	"github.com/sambigeara/lonip/pkg/client"
	"github.com/sambigeara/lonip/pkg/lre"
	"github.com/sambigeara/lonip/pkg/persist"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

// slot is one entry of the member table. The own slot carries the local
// route and no client.
type slot struct {
	routing *wire.ChannelRouting
	client  *client.Client
	entry   wire.MemberEntry
	handle  lre.ClientHandle
	rejects int
	shared  bool
	needed  bool
}

// MemberInfo is a read-only view of one slot.
type MemberInfo struct {
	Routing  *wire.ChannelRouting
	Endpoint types.Endpoint
	DateTime types.DateTime
	Own      bool
	Shared   bool
	Needed   bool
}

// Members returns the member table in slot order.
func (e *Engine) Members() []MemberInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MemberInfo, 0, len(e.members))
	for i, s := range e.members {
		out = append(out, MemberInfo{
			Routing:  s.routing.Clone(),
			Endpoint: s.entry.Endpoint,
			DateTime: s.entry.DateTime,
			Own:      i == e.ownSlot,
			Shared:   s.shared,
			Needed:   s.needed,
		})
	}
	return out
}

type reconcileResult struct {
	added    int
	removed  int
	ownMoved bool
}

// checkDuplicates flags members that share an IP address. Two entries with
// the same address and port always reject the list. A backward compatible
// channel distinguishes members by address alone, so there a shared address
// rejects it too.
func checkDuplicates(entries []wire.MemberEntry, backwardCompatible bool) ([]bool, error) {
	byIP := make(map[[4]byte]int, len(entries))
	seen := make(map[types.Endpoint]struct{}, len(entries))
	for _, en := range entries {
		if _, ok := seen[en.Endpoint]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, en.Endpoint)
		}
		seen[en.Endpoint] = struct{}{}
		byIP[en.Endpoint.Addr]++
	}
	shared := make([]bool, len(entries))
	for i, en := range entries {
		if byIP[en.Endpoint.Addr] < 2 { //nolint:mnd
			continue
		}
		if backwardCompatible {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, en.Endpoint.AddrPort().Addr())
		}
		shared[i] = true
	}
	return shared, nil
}

// reconcileLocked replaces the member table with entries. Slots are matched
// by endpoint: matches keep their routing record and client, unmatched old
// slots are torn down, new ones start with routing needed.
func (e *Engine) reconcileLocked(entries []wire.MemberEntry, shared []bool) reconcileResult {
	var res reconcileResult

	old := e.members
	oldOwn := e.ownSlot
	used := make([]bool, len(old))
	next := make([]*slot, len(entries))
	newOwn := persist.NoSlot

	for i, entry := range entries {
		if newOwn == persist.NoSlot && e.isOwnEndpointLocked(entry.Endpoint) {
			newOwn = i
			if oldOwn != persist.NoSlot {
				used[oldOwn] = true
			}
			next[i] = &slot{entry: entry, routing: e.ownRoute, shared: shared[i]}
			continue
		}

		k := -1
		for j, s := range old {
			if !used[j] && j != oldOwn && s.entry.Endpoint == entry.Endpoint {
				k = j
				break
			}
		}

		var s *slot
		if k >= 0 {
			used[k] = true
			s = old[k]
			if s.routing == nil || s.routing.DateTime != entry.DateTime {
				s.needed = true
			}
		} else {
			s = e.newSlotLocked(entry)
			res.added++
		}
		s.entry = entry
		s.shared = shared[i]
		next[i] = s
	}

	for j, s := range old {
		if used[j] || j == oldOwn {
			continue
		}
		e.teardownSlotLocked(s)
		res.removed++
	}

	if newOwn != persist.NoSlot && e.ownRoute != nil &&
		(newOwn != oldOwn || entries[newOwn].DateTime != e.ownRoute.DateTime) {
		res.ownMoved = true
	}
	if newOwn == persist.NoSlot && oldOwn != persist.NoSlot {
		e.log.Warnw("this device is no longer listed as a channel member")
	}

	e.members = next
	e.ownSlot = newOwn
	e.metrics.Members.Set(float64(len(next)))

	if res.ownMoved {
		e.sched.Arm(types.Requests(types.RequestSendOwnRouting), true)
		e.signal(workSendRouting)
	}
	if res.added > 0 {
		e.bumpSessionLocked("members added")
	}
	if e.anyNeededLocked() {
		reqs := types.Requests(types.RequestRouting)
		e.sched.Arm(reqs, true)
		e.sendRequestsLocked(reqs)
	}
	e.markDirtyLocked()
	return res
}

func (e *Engine) newSlotLocked(entry wire.MemberEntry) *slot {
	s := &slot{entry: entry, needed: true}
	s.client = client.New(entry.Endpoint, e, e.lre.Deliver, e.clientConfigLocked())
	s.handle = e.lre.RegisterClient(entry.Endpoint)
	e.pool.Add(s.client)
	return s
}

func (e *Engine) teardownSlotLocked(s *slot) {
	if s.client != nil {
		e.pool.Remove(s.client)
		e.lre.DeregisterClient(s.handle)
		s.client = nil
	}
	s.routing = nil
	s.needed = false
}

func (e *Engine) anyNeededLocked() bool {
	for i, s := range e.members {
		if i != e.ownSlot && s.needed {
			return true
		}
	}
	return false
}

// memberLocked returns the non-own slot for ep.
func (e *Engine) memberLocked(ep types.Endpoint) (*slot, bool) {
	for i, s := range e.members {
		if i != e.ownSlot && s.entry.Endpoint == ep {
			return s, true
		}
	}
	return nil, false
}

func (e *Engine) isOwnEndpointLocked(ep types.Endpoint) bool {
	if ep.IsZero() {
		return false
	}
	return ep == e.device.Addr || (!e.device.NAT.IsZero() && ep == e.device.NAT)
}

// advertisedEndpointLocked is the address members reach this device on.
func (e *Engine) advertisedEndpointLocked() types.Endpoint {
	if e.device.Flags.Has(wire.DeviceNATAware) && !e.device.NAT.IsZero() {
		return e.device.NAT
	}
	return e.device.Addr
}
