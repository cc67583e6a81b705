package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/sambigeara/lonip/pkg/client"
	"github.com/sambigeara/lonip/pkg/metrics"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const (
	versionMajor = 1
	versionMinor = 0

	clockSkewWarn = 2 * time.Second
)

var errNestedSegment = errors.New("segment inside segmented message")

// inbound is a parsed message waiting for the protocol worker.
type inbound struct {
	msg wire.Message
	hdr wire.Header
	src types.Endpoint
}

// authExempt lists the queries a device must answer before it has been
// given a secret.
func authExempt(t types.MsgType) bool {
	switch t {
	case types.MsgTypeRequestDevice, types.MsgTypeRequestVersion, types.MsgTypeRequestMode, types.MsgTypeRequestDeviceID:
		return true
	default:
		return false
	}
}

// receive runs on the read loop. It validates and parses one datagram,
// reassembles segments and hands data straight to the member's link;
// everything else is queued for the protocol worker.
func (e *Engine) receive(src types.Endpoint, raw []byte) {
	pkt, err := wire.DecodePacket(raw)
	if err != nil {
		e.drop(metrics.DropMalformed, src, err)
		return
	}
	if !wire.ValidVendor(pkt.Vendor) {
		e.drop(metrics.DropVendor, src, fmt.Errorf("%w: %#x", wire.ErrBadVendor, pkt.Vendor))
		return
	}
	e.counters.received.Add(1)
	e.metrics.Packet(metrics.DirectionIn, pkt.Type)

	if f := e.frame.Load(); f.secret != nil && !authExempt(pkt.Type) && !pkt.Verify(f.secret) {
		e.drop(metrics.DropAuth, src, fmt.Errorf("%w: %s", wire.ErrAuth, pkt.Type))
		return
	}

	msg, err := wire.ParseMessage(pkt.Type, pkt.Payload)
	if err != nil {
		e.drop(metrics.DropMalformed, src, err)
		return
	}

	switch m := msg.(type) {
	case *wire.Segment:
		e.receiveSegment(src, pkt.Session, m)
	case *wire.Data:
		e.receiveData(src, pkt.Header, m)
	default:
		e.enqueue(inbound{src: src, hdr: pkt.Header, msg: msg})
	}
}

func (e *Engine) receiveSegment(src types.Endpoint, session uint32, seg *wire.Segment) {
	whole, complete, err := e.reasm.Add(src, session, seg)
	if err != nil {
		e.drop(metrics.DropMalformed, src, err)
		return
	}
	if !complete {
		return
	}

	inner, err := wire.DecodePacket(whole.Bytes)
	if err != nil {
		e.drop(metrics.DropMalformed, src, fmt.Errorf("reassembled: %w", err))
		return
	}
	if inner.Type == types.MsgTypeSegment {
		e.drop(metrics.DropMalformed, src, errNestedSegment)
		return
	}
	msg, err := wire.ParseMessage(inner.Type, inner.Payload)
	if err != nil {
		e.drop(metrics.DropMalformed, src, err)
		return
	}
	if d, ok := msg.(*wire.Data); ok {
		e.receiveData(whole.Source, inner.Header, d)
		return
	}
	e.enqueue(inbound{src: whole.Source, hdr: inner.Header, msg: msg})
}

func (e *Engine) receiveData(src types.Endpoint, hdr wire.Header, m *wire.Data) {
	e.mu.Lock()
	var c *client.Client
	if s, ok := e.memberLocked(src); ok {
		c = s.client
	}
	e.mu.Unlock()

	if c == nil {
		e.drop(metrics.DropUnknownSource, src, nil)
		return
	}
	c.Receive(e.now(), hdr.Session, hdr.Sequence, m.Packets)
}

func (e *Engine) enqueue(in inbound) {
	select {
	case e.inbound <- in:
		e.kick()
	default:
		e.drop(metrics.DropQueueFull, in.src, nil)
	}
}

// handle dispatches one message under the lock. Collaborator calls that
// must not run under the lock are deferred to after it is released.
func (e *Engine) handle(in inbound) {
	e.mu.Lock()
	e.dispatchLocked(in)
	post := e.post
	e.post = nil
	e.mu.Unlock()

	for _, fn := range post {
		fn()
	}
}

// authoritativeLocked reports whether in came from the configuration
// server, directly or via the NAT or local address it names.
func (e *Engine) authoritativeLocked(in inbound) bool {
	srv := e.device.Server
	if srv.IsZero() {
		return false
	}
	if in.src == srv {
		return true
	}
	return in.hdr.NAT != nil && (in.hdr.NAT.NAT == srv || in.hdr.NAT.Local == srv)
}

//nolint:cyclop
func (e *Engine) dispatchLocked(in inbound) {
	switch m := in.msg.(type) {
	case *wire.DeviceConfigure:
		e.handleDeviceConfigureLocked(in, m)
		return
	case *wire.Request:
		e.handleRequestLocked(in, m)
		return
	case *wire.DeviceRegister:
		e.log.Debugw("ignoring device registration, not a configuration server", "src", in.src)
		return
	}

	if !e.authoritativeLocked(in) {
		e.drop(metrics.DropNonAuthoritative, in.src, fmt.Errorf("unexpected %s", in.msg.Type()))
		return
	}

	switch m := in.msg.(type) {
	case *wire.ChannelMembers:
		e.handleMembersLocked(in, m)
	case *wire.ChannelRouting:
		e.handleRoutingLocked(in, m)
	case *wire.Response:
		e.handleResponseLocked(m)
	case *wire.TimeSyncRequest:
		e.sendLogged(in.src, &wire.TimeSyncResponse{DateTime: e.dateTime()})
	case *wire.TimeSyncResponse:
		e.handleTimeSyncLocked(m)
	case *wire.Statistics:
		e.counters.reset(e.now())
		e.respondLocked(in, wire.ResponseAck, wire.ReasonNone)
	case *wire.VendorConfig:
		e.handleVendorConfigLocked(in, m)
	case *wire.VendorControl:
		e.handleVendorControlLocked(in, m)
	case *wire.VendorMode:
		e.handleVendorModeLocked(in, m)
	case *wire.VendorVersion:
		e.serverVersion = fmt.Sprintf("%d.%d %s", m.Major, m.Minor, m.Build)
		e.log.Infow("configuration server version", "version", e.serverVersion)
		e.sched.Clear(types.RequestServerType)
	case *wire.VendorDeviceID:
		e.handleVendorDeviceIDLocked(in, m)
	}

	// The server was just heard from, so retry what is left without backoff.
	e.sched.Arm(0, true)
}

func (e *Engine) respondLocked(in inbound, code wire.ResponseCode, reason wire.ResponseReason) {
	id := in.hdr.Sequence
	if r, ok := in.msg.(*wire.Request); ok {
		id = r.RequestID
	}
	e.sendLogged(in.src, &wire.Response{
		RequestID:    id,
		InResponseTo: in.msg.Type(),
		Code:         code,
		Reason:       reason,
	})
}

func (e *Engine) handleDeviceConfigureLocked(in inbound, m *wire.DeviceConfigure) {
	// This is the server's answer to our registration, even when it then
	// changes what we register.
	e.sched.Clear(types.RequestDeviceResponse)

	d := m.DeviceInfo
	serverChanged := d.Server != e.device.Server
	natChanged := d.NAT != e.device.NAT
	changed := serverChanged || natChanged ||
		d.TimeServer1 != e.device.TimeServer1 ||
		d.TimeServer2 != e.device.TimeServer2 ||
		d.ChannelTimeout != e.device.ChannelTimeout ||
		(d.Name != "" && d.Name != e.device.Name)

	e.device.Server = d.Server
	e.device.TimeServer1 = d.TimeServer1
	e.device.TimeServer2 = d.TimeServer2
	e.device.ChannelTimeout = d.ChannelTimeout
	e.device.NAT = d.NAT
	if natChanged {
		e.refreshFramingLocked()
		e.reconfigureClientsLocked()
		e.signal(workSweepLocal)
	}
	if d.Name != "" {
		e.device.Name = d.Name
	}

	if changed {
		e.log.Infow("device configured", "src", in.src, "server", d.Server, "channelTimeout", d.ChannelTimeout)
		e.rebuildRegistrationLocked()
	}
	if serverChanged {
		e.serverChangedLocked()
	}
	e.respondLocked(in, wire.ResponseAck, wire.ReasonNone)

	// A new server was already asked for everything.
	if e.device.Server.IsZero() || serverChanged {
		return
	}
	switch {
	case d.MembersDateTime < e.membersDateTime:
		// The server holds an older list than ours: push our route and ask
		// for the list again.
		reqs := types.Requests(types.RequestMembers, types.RequestSendOwnRouting)
		e.sched.Arm(reqs, true)
		e.sendRequestsLocked(reqs)
	case d.MembersDateTime != e.membersDateTime:
		e.sched.Arm(types.Requests(types.RequestMembers), true)
	}
}

// serverChangedLocked restarts the conversation with a new (or no)
// configuration server.
func (e *Engine) serverChangedLocked() {
	e.log.Infow("configuration server changed", "server", e.device.Server)
	e.sched.SetServer(!e.device.Server.IsZero())
	e.correlate.Flush()
	e.bumpSessionLocked("server changed")
	if e.device.Server.IsZero() {
		return
	}

	reqs := types.Requests(types.RequestMembers, types.RequestServerType)
	if e.ownRoute != nil {
		reqs = reqs.With(types.RequestSendOwnRouting)
	}
	e.sched.Arm(reqs, true)
	e.sendRequestsLocked(reqs)
}

func (e *Engine) handleMembersLocked(in inbound, m *wire.ChannelMembers) {
	if len(m.Members) > MaxMembers {
		e.drop(metrics.DropMalformed, in.src, fmt.Errorf("%d members exceeds %d", len(m.Members), MaxMembers))
		return
	}
	shared, err := checkDuplicates(m.Members, m.BackwardCompatible)
	if err != nil {
		e.log.Warnw("rejecting membership list", "datetime", m.DateTime, "err", err)
		e.drop(metrics.DropDuplicateMembers, in.src, err)
		e.sched.Arm(types.Requests(types.RequestMembers), false)
		return
	}

	switch {
	case m.DateTime > e.membersDateTime:
		res := e.reconcileLocked(m.Members, shared)
		e.membersDateTime = m.DateTime
		e.backwardCompatible = m.BackwardCompatible
		e.sched.Clear(types.RequestMembers)
		e.markDirtyLocked()
		e.log.Infow("membership updated", "datetime", m.DateTime, "members", len(m.Members),
			"added", res.added, "removed", res.removed, "ownSlot", e.ownSlot)
	case m.DateTime == e.membersDateTime:
		e.sched.Clear(types.RequestMembers)
		if e.anyNeededLocked() {
			reqs := types.Requests(types.RequestRouting)
			e.sched.Arm(reqs, true)
			e.sendRequestsLocked(reqs)
		}
	default:
		e.log.Debugw("discarding stale membership list", "datetime", m.DateTime, "have", e.membersDateTime)
		e.sched.Arm(types.Requests(types.RequestMembers), true)
	}
}

func (e *Engine) handleRoutingLocked(in inbound, r *wire.ChannelRouting) {
	if e.isOwnRouteLocked(r) {
		if e.ownRoute != nil && r.DateTime == e.ownRoute.DateTime {
			e.sched.Clear(types.RequestSendOwnRouting)
		}
		e.log.Debugw("discarding own route echo", "endpoint", r.Endpoint)
		return
	}

	s, ok := e.memberLocked(r.Endpoint)
	if !ok {
		e.drop(metrics.DropStaleRouting, in.src, fmt.Errorf("route for unknown member %s", r.Endpoint))
		return
	}
	if r.DateTime != s.entry.DateTime {
		s.needed = true
		s.rejects++
		e.drop(metrics.DropStaleRouting, in.src,
			fmt.Errorf("route for %s dated %d, member list says %d", r.Endpoint, r.DateTime, s.entry.DateTime))
		if s.rejects >= maxRoutingRejects {
			s.rejects = 0
			e.log.Warnw("routing keeps disagreeing with member list, re-requesting members", "member", r.Endpoint)
			e.sched.Arm(types.Requests(types.RequestMembers), true)
		} else {
			e.sched.Arm(types.Requests(types.RequestRouting), false)
		}
		return
	}

	s.routing = r
	s.needed = false
	s.rejects = 0
	e.markDirtyLocked()
	if !e.anyNeededLocked() {
		e.sched.Clear(types.RequestRouting)
	}
}

func (e *Engine) handleResponseLocked(m *wire.Response) {
	o, ok := e.takeOutstanding(m.RequestID)
	if !ok {
		e.log.Debugw("uncorrelated response", "requestID", m.RequestID, "to", m.InResponseTo)
		return
	}
	ack := m.Code == wire.ResponseAck

	switch o.kind {
	case types.RequestRouting:
		if s, ok := e.memberLocked(o.member); ok {
			s.needed = false
		}
		if !ack && m.Reason == wire.ReasonUnknownMember {
			e.sched.Arm(types.Requests(types.RequestMembers), true)
		}
		if !e.anyNeededLocked() {
			e.sched.Clear(types.RequestRouting)
		}
	case types.RequestSendOwnRouting:
		if ack {
			e.sched.Clear(types.RequestSendOwnRouting)
		} else {
			e.log.Warnw("server rejected local route", "reason", m.Reason)
		}
	case types.RequestDeviceResponse:
		if ack {
			e.sched.Clear(types.RequestDeviceResponse)
		}
	case types.RequestServerType:
		e.sched.Clear(types.RequestServerType)
	case types.RequestMembers:
		if !ack {
			e.log.Debugw("server refused membership request", "reason", m.Reason)
		}
	}
}

func (e *Engine) handleTimeSyncLocked(m *wire.TimeSyncResponse) {
	offset := m.DateTime.Time().Sub(e.now().Truncate(time.Second))
	e.clockOffset.Store(int64(offset))
	if offset > clockSkewWarn || offset < -clockSkewWarn {
		e.log.Infow("clock adjusted from server", "offset", offset)
	}
}

func (e *Engine) handleVendorConfigLocked(in inbound, m *wire.VendorConfig) {
	if m.AuthEnabled && len(m.Secret) == 0 && len(e.secret) == 0 {
		e.respondLocked(in, wire.ResponseNak, wire.ReasonRejected)
		return
	}

	e.aggregationMs = m.AggregationMs
	e.bandwidthKbps = m.BandwidthKbps
	e.escrowMs = m.EscrowMs
	e.authEnabled = m.AuthEnabled
	if len(m.Secret) > 0 {
		e.secret = append([]byte(nil), m.Secret...)
	}
	if m.Timezone != "" {
		e.timezone = m.Timezone
	}
	if m.TOS != e.tos {
		e.tos = m.TOS
		e.applyTOSLocked()
	}
	e.log.Infow("vendor configuration applied", "aggregationMs", m.AggregationMs,
		"bandwidthKbps", m.BandwidthKbps, "escrowMs", m.EscrowMs, "auth", m.AuthEnabled, "tos", m.TOS)

	e.refreshFramingLocked()
	e.reconfigureClientsLocked()
	e.markDirtyLocked()
	e.respondLocked(in, wire.ResponseAck, wire.ReasonNone)
}

func (e *Engine) handleVendorControlLocked(in inbound, m *wire.VendorControl) {
	if e.ctrl == nil {
		e.respondLocked(in, wire.ResponseNak, wire.ReasonNotSupported)
		return
	}
	var op func() error
	switch m.Op {
	case wire.ControlReboot:
		op = e.ctrl.Reboot
	case wire.ControlWebServerStart:
		op = e.ctrl.StartWebServer
	case wire.ControlWebServerStop:
		op = e.ctrl.StopWebServer
	default:
		e.respondLocked(in, wire.ResponseNak, wire.ReasonNotSupported)
		return
	}
	e.respondLocked(in, wire.ResponseAck, wire.ReasonNone)
	e.post = append(e.post, func() {
		if err := op(); err != nil {
			e.log.Warnw("vendor control failed", "op", m.Op, "err", err)
		}
	})
}

func (e *Engine) handleVendorModeLocked(in inbound, m *wire.VendorMode) {
	if m.Flags != e.device.Flags {
		e.device.Flags = m.Flags
		e.backwardCompatible = m.Flags.Has(wire.DeviceBackwardCompatible)
		e.refreshFramingLocked()
		e.rebuildRegistrationLocked()
		e.signal(workSweepLocal)
	}
	e.respondLocked(in, wire.ResponseAck, wire.ReasonNone)
}

func (e *Engine) handleVendorDeviceIDLocked(in inbound, m *wire.VendorDeviceID) {
	if m.Name != e.device.Name {
		e.device.Name = m.Name
		e.rebuildRegistrationLocked()
	}
	e.respondLocked(in, wire.ResponseAck, wire.ReasonNone)
}

// handleRequestLocked answers a query about this device. Only a member's own
// stored route is ever handed back to it; nothing is relayed to third
// parties.
func (e *Engine) handleRequestLocked(in inbound, m *wire.Request) {
	switch m.Kind {
	case types.MsgTypeRequestMembers:
		e.respondLocked(in, wire.ResponseNak, wire.ReasonNotAuthoritative)
	case types.MsgTypeRequestRouting:
		e.answerRoutingLocked(in, m)
	case types.MsgTypeRequestDevice:
		e.sendLogged(in.src, &wire.DeviceRegister{DeviceInfo: e.deviceInfoLocked()})
	case types.MsgTypeRequestStats:
		e.sendLogged(in.src, e.counters.snapshot().message())
	case types.MsgTypeRequestVendor:
		e.sendLogged(in.src, &wire.VendorConfig{
			Timezone:      e.timezone,
			BandwidthKbps: e.bandwidthKbps,
			AggregationMs: e.aggregationMs,
			EscrowMs:      e.escrowMs,
			TOS:           e.tos,
			AuthEnabled:   e.authEnabled,
		})
	case types.MsgTypeRequestVersion:
		e.sendLogged(in.src, &wire.VendorVersion{Major: versionMajor, Minor: versionMinor, Build: e.version})
	case types.MsgTypeRequestMode:
		e.sendLogged(in.src, &wire.VendorMode{Flags: e.deviceInfoLocked().Flags})
	case types.MsgTypeRequestDeviceID:
		e.sendLogged(in.src, &wire.VendorDeviceID{Name: e.device.Name, NeuronIDs: e.localNeuronIDsLocked()})
	}
}

func (e *Engine) answerRoutingLocked(in inbound, m *wire.Request) {
	if !m.Target.IsZero() && !e.isOwnEndpointLocked(m.Target) {
		if m.Target == in.src {
			if s, ok := e.memberLocked(m.Target); ok && s.routing != nil {
				e.sendLogged(in.src, s.routing)
				return
			}
		}
		e.respondLocked(in, wire.ResponseNak, wire.ReasonUnknownMember)
		return
	}
	if e.ownRoute == nil {
		e.respondLocked(in, wire.ResponseNak, wire.ReasonUnknownMember)
		return
	}

	handled, err := e.splitter.Service(in.src, types.MsgTypeChannelRouting, func(b []byte) error {
		return e.tr.Send(in.src, b)
	})
	if err != nil {
		e.log.Debugw("resending route failed", "dst", in.src, "err", err)
	}
	if handled {
		return
	}
	e.sendLogged(in.src, e.ownRoute)
}
