package channel

import (
	"context"
	"strconv"

	"github.com/sambigeara/lonip/pkg/persist"
	"github.com/sambigeara/lonip/pkg/scheduler"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

// work is the set of deferred jobs for the protocol worker. Timers and API
// calls only set bits and wake the worker.
type work uint32

const (
	workSendRegistration work = 1 << iota
	workSendRouting
	workWritePersist
	workRunScheduler
	workSweepLocal
)

func (e *Engine) signal(w work) {
	e.work.Or(uint32(w))
	e.kick()
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) workLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
			e.drain()
		}
	}
}

// drain processes queued messages, then pending work, until both are empty.
func (e *Engine) drain() {
	for !e.stopping.Load() {
		select {
		case in := <-e.inbound:
			e.handle(in)
			continue
		default:
		}

		w := work(e.work.Swap(0))
		if w == 0 {
			return
		}
		e.doWork(w)
	}
}

func (e *Engine) doWork(w work) {
	e.mu.Lock()
	if w&workSweepLocal != 0 {
		e.sweepLocalClientsLocked()
	}
	if w&workRunScheduler != 0 {
		e.correlate.DeleteExpired()
		e.sendRequestsLocked(e.sched.Due())
	}
	if w&workSendRegistration != 0 {
		e.sendRequestsLocked(types.Requests(types.RequestDeviceResponse))
	}
	if w&workSendRouting != 0 {
		e.sendRequestsLocked(types.Requests(types.RequestSendOwnRouting))
	}
	var blob []byte
	if w&workWritePersist != 0 && e.dirty {
		blob = persist.Encode(e.snapshotLocked())
		e.dirty = false
	}
	e.metrics.ConnectState.Set(float64(e.connectStateLocked()))
	e.metrics.Members.Set(float64(len(e.members)))
	e.mu.Unlock()

	if blob != nil {
		e.writer.Submit(blob)
	}
}

// outstanding is what a sent request or push is waiting to be answered for.
type outstanding struct {
	member types.Endpoint
	kind   types.RequestKind
}

func (e *Engine) track(seq uint32, o outstanding) {
	e.correlate.SetDefault(strconv.FormatUint(uint64(seq), 10), o)
}

func (e *Engine) takeOutstanding(id uint32) (outstanding, bool) {
	key := strconv.FormatUint(uint64(id), 10)
	v, ok := e.correlate.Get(key)
	if !ok {
		return outstanding{}, false
	}
	e.correlate.Delete(key)
	return v.(outstanding), true //nolint:forcetypeassert
}

// sendRequestsLocked sends one round of the given requests to the server.
func (e *Engine) sendRequestsLocked(reqs types.RequestSet) {
	srv := e.device.Server
	if srv.IsZero() || reqs.Empty() {
		return
	}

	if reqs.Has(types.RequestDeviceResponse) {
		seq := e.sendLogged(srv, &wire.DeviceRegister{DeviceInfo: e.deviceInfoLocked()})
		e.track(seq, outstanding{kind: types.RequestDeviceResponse})
	}
	if reqs.Has(types.RequestMembers) {
		seq := e.sendLogged(srv, &wire.Request{Kind: types.MsgTypeRequestMembers})
		e.track(seq, outstanding{kind: types.RequestMembers})
	}
	if reqs.Has(types.RequestRouting) {
		e.requestRoutingLocked(srv)
	}
	if reqs.Has(types.RequestSendOwnRouting) {
		if e.ownRoute == nil {
			e.sched.Clear(types.RequestSendOwnRouting)
		} else {
			seq := e.sendLogged(srv, e.ownRoute)
			e.track(seq, outstanding{kind: types.RequestSendOwnRouting})
		}
	}
	if reqs.Has(types.RequestServerType) {
		seq := e.sendLogged(srv, &wire.Request{Kind: types.MsgTypeRequestVersion})
		e.track(seq, outstanding{kind: types.RequestServerType})
	}
}

// requestRoutingLocked asks for the routing records still needed, capped per
// cycle. Shared-IP members are named by port as well as address.
func (e *Engine) requestRoutingLocked(srv types.Endpoint) {
	n := 0
	for i, s := range e.members {
		if i == e.ownSlot || !s.needed {
			continue
		}
		if n == scheduler.MaxRoutingRequestsPerCycle {
			return
		}
		target := s.entry.Endpoint
		if !s.shared {
			target.Port = 0
		}
		seq := e.sendLogged(srv, &wire.Request{Kind: types.MsgTypeRequestRouting, Target: target})
		e.track(seq, outstanding{kind: types.RequestRouting, member: s.entry.Endpoint})
		n++
	}
	if n == 0 {
		e.sched.Clear(types.RequestRouting)
	}
}
