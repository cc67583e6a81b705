package channel

import (
	"fmt"
	"time"

	"github.com/sambigeara/lonip/pkg/client"
	"github.com/sambigeara/lonip/pkg/metrics"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

var _ client.Sender = (*Engine)(nil)

// framing is what every outbound header needs. It is swapped atomically so
// data links can send without taking the engine lock.
type framing struct {
	nat     *wire.NATExtension
	secret  []byte
	session uint32
}

func (e *Engine) refreshFramingLocked() {
	f := &framing{session: e.session}
	if e.authEnabled && len(e.secret) > 0 {
		f.secret = append([]byte(nil), e.secret...)
	}
	if e.device.Flags.Has(wire.DeviceNATAware) && !e.device.NAT.IsZero() {
		f.nat = &wire.NATExtension{NAT: e.device.NAT, Local: e.device.Addr}
	}
	e.frame.Store(f)
}

func (e *Engine) dateTime() types.DateTime {
	return types.DateTimeAt(e.now().Add(time.Duration(e.clockOffset.Load())))
}

func (e *Engine) header(f *framing, seq uint32) wire.Header {
	return wire.Header{
		NAT:      f.nat,
		Vendor:   wire.VendorStandard,
		Session:  f.session,
		Sequence: seq,
		DateTime: e.dateTime(),
	}
}

// send frames m, segmenting it if needed, and transmits it to dst. Requests
// get the packet sequence as their id. It returns the sequence used.
func (e *Engine) send(dst types.Endpoint, m wire.Message) (uint32, error) {
	f := e.frame.Load()
	seq := e.seq.Add(1)
	if r, ok := m.(*wire.Request); ok {
		r.RequestID = seq
	}

	datagrams, err := e.splitter.Frame(e.header(f, seq), m, f.secret)
	if err != nil {
		return seq, fmt.Errorf("frame %s: %w", m.Type(), err)
	}
	for _, b := range datagrams {
		if err := e.tr.Send(dst, b); err != nil {
			return seq, fmt.Errorf("send %s to %s: %w", m.Type(), dst, err)
		}
	}
	e.counters.sent.Add(1)
	e.metrics.Packet(metrics.DirectionOut, m.Type())
	if m.Type() == types.MsgTypeChannelRouting {
		e.splitter.Remember(dst, m.Type(), datagrams)
	}
	return seq, nil
}

// sendLogged is send for callers with nothing to do on failure.
func (e *Engine) sendLogged(dst types.Endpoint, m wire.Message) uint32 {
	seq, err := e.send(dst, m)
	if err != nil {
		e.log.Debugw("send failed", "type", m.Type(), "dst", dst, "err", err)
	}
	return seq
}

// SendData transmits one aggregated Data message for a member's link. It
// never takes the engine lock.
func (e *Engine) SendData(dst types.Endpoint, seq uint32, packets [][]byte) error {
	f := e.frame.Load()
	b, err := wire.Build(e.header(f, seq), &wire.Data{Packets: packets}, f.secret)
	if err != nil {
		return fmt.Errorf("build data: %w", err)
	}
	if err := e.tr.Send(dst, b); err != nil {
		return err
	}
	e.counters.sent.Add(1)
	e.metrics.Packet(metrics.DirectionOut, types.MsgTypeData)
	return nil
}
