package channel

import (
	"bytes"
	"iter"
	"slices"

	"github.com/sambigeara/lonip/pkg/lre"
	"github.com/sambigeara/lonip/pkg/persist"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const (
	// routerTypeConfigured is the router type a channel master advertises.
	routerTypeConfigured = 0

	maxRouteEntries = 255
	bitsPerByte     = 8
)

// buildRoute collects the union of the local entities into a route
// advertisement for ep.
func buildRoute(entities iter.Seq[lre.Entity], ep types.Endpoint) *wire.ChannelRouting {
	r := &wire.ChannelRouting{Endpoint: ep, RouterType: routerTypeConfigured}
	domainIdx := make(map[string]int)

	for ent := range entities {
		r.AllBroadcasts = r.AllBroadcasts || ent.AllBroadcasts
		if !slices.Contains(r.NeuronIDs, ent.NeuronID) && len(r.NeuronIDs) < maxRouteEntries {
			r.NeuronIDs = append(r.NeuronIDs, ent.NeuronID)
		}

		i, ok := domainIdx[string(ent.DomainID)]
		if !ok {
			if len(r.Domains) == maxRouteEntries {
				continue
			}
			i = len(r.Domains)
			domainIdx[string(ent.DomainID)] = i
			r.Domains = append(r.Domains, wire.Domain{ID: bytes.Clone(ent.DomainID)})
		}
		d := &r.Domains[i]
		setBit(&d.SubnetMask, ent.Subnet)
		for _, g := range ent.Groups {
			setBit(&d.GroupMask, g)
		}

		sn := wire.SubnetNode{DomainIndex: uint8(i), Subnet: ent.Subnet, Node: ent.Node} //nolint:gosec
		if !slices.Contains(r.SubnetNodes, sn) && len(r.SubnetNodes) < maxRouteEntries {
			r.SubnetNodes = append(r.SubnetNodes, sn)
		}
	}
	return r
}

func setBit(mask *[32]byte, n uint8) {
	mask[n/bitsPerByte] |= 1 << (n % bitsPerByte)
}

func routeEmpty(r *wire.ChannelRouting) bool {
	return len(r.Domains) == 0 && len(r.SubnetNodes) == 0 && len(r.NeuronIDs) == 0 && !r.AllBroadcasts
}

// sameRoute compares two routes ignoring their datetimes and the order of
// their domains, subnet/node pairs and neuron ids.
func sameRoute(a, b *wire.ChannelRouting) bool {
	if a.AllBroadcasts != b.AllBroadcasts || a.RouterType != b.RouterType ||
		a.Endpoint != b.Endpoint || a.Multicast != b.Multicast {
		return false
	}
	if len(a.Domains) != len(b.Domains) || len(a.SubnetNodes) != len(b.SubnetNodes) ||
		len(a.NeuronIDs) != len(b.NeuronIDs) {
		return false
	}

	for _, id := range a.NeuronIDs {
		if !slices.Contains(b.NeuronIDs, id) {
			return false
		}
	}
	for _, da := range a.Domains {
		if !slices.ContainsFunc(b.Domains, func(db wire.Domain) bool {
			return bytes.Equal(da.ID, db.ID) && da.SubnetMask == db.SubnetMask && da.GroupMask == db.GroupMask
		}) {
			return false
		}
	}

	bNodes := subnetNodeKeys(b)
	for k := range subnetNodeKeys(a) {
		if _, ok := bNodes[k]; !ok {
			return false
		}
	}
	return true
}

// subnetNodeKeys keys each subnet/node pair by its domain id rather than
// its index, so reordered domains compare equal.
func subnetNodeKeys(r *wire.ChannelRouting) map[string]struct{} {
	out := make(map[string]struct{}, len(r.SubnetNodes))
	for _, sn := range r.SubnetNodes {
		var id []byte
		if int(sn.DomainIndex) < len(r.Domains) {
			id = r.Domains[sn.DomainIndex].ID
		}
		out[string(id)+string([]byte{0xff, sn.Subnet, sn.Node})] = struct{}{}
	}
	return out
}

// sweepLocalClientsLocked recomputes the local route. A new record is only
// built when something changed; an empty result never replaces an existing
// route. It reports whether a new record was built.
func (e *Engine) sweepLocalClientsLocked() bool {
	built := buildRoute(e.lre.LocalEntities(), e.advertisedEndpointLocked())
	if e.ownRoute != nil && (routeEmpty(built) || sameRoute(built, e.ownRoute)) {
		return false
	}

	var prev types.DateTime
	if e.ownRoute != nil {
		prev = e.ownRoute.DateTime
	}
	built.DateTime = prev.Next(e.now())
	e.ownRoute = built
	if e.ownSlot != persist.NoSlot {
		e.members[e.ownSlot].routing = built
	}
	e.splitter.Forget(types.MsgTypeChannelRouting)
	e.log.Infow("built local route", "datetime", built.DateTime, "domains", len(built.Domains),
		"neuronIDs", len(built.NeuronIDs))

	if !slices.Equal(e.device.NeuronIDs, built.NeuronIDs) && len(built.NeuronIDs) > 0 {
		e.device.NeuronIDs = slices.Clone(built.NeuronIDs)
		e.rebuildRegistrationLocked()
	}

	e.markDirtyLocked()
	e.sched.Arm(types.Requests(types.RequestSendOwnRouting), true)
	e.signal(workSendRouting)
	return true
}

// isOwnRouteLocked reports whether r is this device's route echoed back.
// Neuron ids decide whenever either side has any; the address is only
// consulted when neither does.
func (e *Engine) isOwnRouteLocked(r *wire.ChannelRouting) bool {
	local := e.localNeuronIDsLocked()
	if len(local) > 0 || len(r.NeuronIDs) > 0 {
		return slices.ContainsFunc(r.NeuronIDs, func(id types.NeuronID) bool {
			return slices.Contains(local, id)
		})
	}
	return e.isOwnEndpointLocked(r.Endpoint)
}

func (e *Engine) localNeuronIDsLocked() []types.NeuronID {
	out := slices.Clone(e.device.NeuronIDs)
	if e.ownRoute != nil {
		for _, id := range e.ownRoute.NeuronIDs {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}
