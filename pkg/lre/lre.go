// Package lre defines the local routing engine the channel master hands
// LonTalk traffic to, and a static implementation driven by configuration.
package lre

import (
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sambigeara/lonip/pkg/types"
)

// Entity is one locally hosted addressable LonTalk node.
type Entity struct {
	DomainID      []byte
	Groups        []uint8
	NeuronID      types.NeuronID
	Subnet        uint8
	Node          uint8
	AllBroadcasts bool
}

// ClientHandle identifies a member registered with the routing engine.
type ClientHandle uuid.UUID

func (h ClientHandle) String() string {
	return uuid.UUID(h).String()
}

// RoutingEngine forwards packets between local stacks and the IP channel.
type RoutingEngine interface {
	LocalEntities() iter.Seq[Entity]
	RegisterClient(member types.Endpoint) ClientHandle
	DeregisterClient(h ClientHandle)
	Deliver(src types.Endpoint, pkt []byte)
}

// Static serves a fixed (but replaceable) set of entities. Delivered packets
// are passed to an optional sink.
type Static struct {
	log      *zap.SugaredLogger
	sink     func(src types.Endpoint, pkt []byte)
	clients  map[ClientHandle]types.Endpoint
	entities []Entity
	mu       sync.RWMutex
}

var _ RoutingEngine = (*Static)(nil)

func NewStatic(entities []Entity) *Static {
	return &Static{
		log:      zap.S().Named("lre"),
		entities: slices.Clone(entities),
		clients:  make(map[ClientHandle]types.Endpoint),
	}
}

// SetEntities replaces the locally hosted entities.
func (s *Static) SetEntities(entities []Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = slices.Clone(entities)
}

// SetSink registers fn to receive delivered packets.
func (s *Static) SetSink(fn func(src types.Endpoint, pkt []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = fn
}

func (s *Static) LocalEntities() iter.Seq[Entity] {
	s.mu.RLock()
	entities := slices.Clone(s.entities)
	s.mu.RUnlock()
	return slices.Values(entities)
}

func (s *Static) RegisterClient(member types.Endpoint) ClientHandle {
	h := ClientHandle(uuid.New())
	s.mu.Lock()
	s.clients[h] = member
	s.mu.Unlock()
	s.log.Debugw("registered client", "member", member, "handle", h)
	return h
}

func (s *Static) DeregisterClient(h ClientHandle) {
	s.mu.Lock()
	member, ok := s.clients[h]
	delete(s.clients, h)
	s.mu.Unlock()
	if ok {
		s.log.Debugw("deregistered client", "member", member, "handle", h)
	}
}

// Clients returns the members currently registered.
func (s *Static) Clients() []types.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Endpoint, 0, len(s.clients))
	for _, ep := range s.clients {
		out = append(out, ep)
	}
	return out
}

func (s *Static) Deliver(src types.Endpoint, pkt []byte) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink(src, pkt)
	}
}
