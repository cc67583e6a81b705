// Package config loads the operator's config.yaml. It seeds the channel
// master's persistent state the first time the device starts; after that the
// persisted blob is authoritative and the yaml only supplies local entities
// and process settings.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/sambigeara/lonip/pkg/lre"
	"github.com/sambigeara/lonip/pkg/perm"
	"github.com/sambigeara/lonip/pkg/persist"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const (
	configFileName = "config.yaml"
	directoryPerm  = 0o700
	configFilePerm = 0o600

	DefaultListenPort = 1628
	DefaultServerPort = 1629

	maxNameLen     = 255
	maxSecretLen   = 255
	maxDatagramMin = 64
	maxDatagramMax = 1472
)

var validDomainLens = map[int]bool{0: true, 1: true, 3: true, 6: true}

// Entity is one locally hosted LonTalk node.
type Entity struct {
	Domain        string  `yaml:"domain,omitempty"`
	NeuronID      string  `yaml:"neuronId"`
	Groups        []uint8 `yaml:"groups,omitempty"`
	Subnet        uint8   `yaml:"subnet"`
	Node          uint8   `yaml:"node"`
	AllBroadcasts bool    `yaml:"allBroadcasts,omitempty"`
}

type Config struct {
	AggregationMs *uint16  `yaml:"aggregationMs,omitempty"`
	Name          string   `yaml:"name,omitempty"`
	LocalAddr     string   `yaml:"localAddr,omitempty"`
	NATAddr       string   `yaml:"natAddr,omitempty"`
	ConfigServer  string   `yaml:"configServer,omitempty"`
	AuthSecret    string   `yaml:"authSecret,omitempty"`
	MetricsAddr   string   `yaml:"metricsAddr,omitempty"`
	Timezone      string   `yaml:"timezone,omitempty"`
	LocalEntities []Entity `yaml:"localEntities,omitempty"`
	MaxDatagram   int      `yaml:"maxDatagram,omitempty"`
	BandwidthKbps uint32   `yaml:"bandwidthKbps,omitempty"`
	ListenPort    uint16   `yaml:"listenPort,omitempty"`
	EscrowMs      uint16   `yaml:"escrowMs,omitempty"`
	TOS           uint8    `yaml:"tos,omitempty"`
	AuthEnabled   bool     `yaml:"authEnabled,omitempty"`
	SharedIP      bool     `yaml:"sharedIP,omitempty"` //nolint:tagliatelle
}

func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(dir string, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(dir, configFileName)
	if err := renameio.WriteFile(path, encoded, configFilePerm); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return perm.SetGroupReadable(path)
}

func (c *Config) Validate() error {
	if len(c.Name) > maxNameLen {
		return fmt.Errorf("name longer than %d bytes", maxNameLen)
	}
	if c.MaxDatagram != 0 && (c.MaxDatagram < maxDatagramMin || c.MaxDatagram > maxDatagramMax) {
		return fmt.Errorf("maxDatagram must be within [%d, %d]", maxDatagramMin, maxDatagramMax)
	}
	if _, err := c.secret(); err != nil {
		return err
	}
	if c.AuthEnabled && c.AuthSecret == "" {
		return errors.New("authEnabled requires authSecret")
	}
	if _, err := c.endpoints(); err != nil {
		return err
	}
	if _, err := c.Entities(); err != nil {
		return err
	}
	return nil
}

// Port is the UDP port the channel master listens on.
func (c *Config) Port() uint16 {
	if c.ListenPort == 0 {
		return DefaultListenPort
	}
	return c.ListenPort
}

// Datagram is the segmentation ceiling.
func (c *Config) Datagram() int {
	if c.MaxDatagram == 0 {
		return wire.DefaultMaxDatagram
	}
	return c.MaxDatagram
}

// Local returns the configured local address, zero when unset.
func (c *Config) Local() (types.Endpoint, error) {
	eps, err := c.endpoints()
	if err != nil {
		return types.Endpoint{}, err
	}
	return eps.local, nil
}

// Entities converts the yaml entities for the static routing engine.
func (c *Config) Entities() ([]lre.Entity, error) {
	out := make([]lre.Entity, 0, len(c.LocalEntities))
	for i, e := range c.LocalEntities {
		id, err := types.ParseNeuronID(strings.TrimSpace(e.NeuronID))
		if err != nil {
			return nil, fmt.Errorf("localEntities[%d].neuronId: %w", i, err)
		}
		domain, err := hex.DecodeString(strings.TrimSpace(e.Domain))
		if err != nil {
			return nil, fmt.Errorf("localEntities[%d].domain: %w", i, err)
		}
		if !validDomainLens[len(domain)] {
			return nil, fmt.Errorf("localEntities[%d].domain: length %d, want 0, 1, 3 or 6 bytes", i, len(domain))
		}
		if e.Node > 127 { //nolint:mnd
			return nil, fmt.Errorf("localEntities[%d].node: %d exceeds 127", i, e.Node)
		}
		out = append(out, lre.Entity{
			DomainID:      domain,
			Groups:        append([]uint8(nil), e.Groups...),
			NeuronID:      id,
			Subnet:        e.Subnet,
			Node:          e.Node,
			AllBroadcasts: e.AllBroadcasts,
		})
	}
	return out, nil
}

// Seed builds the persistent state used when no valid blob is stored. local
// is the address the transport actually bound.
func (c *Config) Seed(local types.Endpoint) (*persist.Blob, error) {
	eps, err := c.endpoints()
	if err != nil {
		return nil, err
	}
	secret, err := c.secret()
	if err != nil {
		return nil, err
	}
	entities, err := c.Entities()
	if err != nil {
		return nil, err
	}

	b := persist.Defaults()
	b.Device = wire.DeviceInfo{
		Name:   c.Name,
		Addr:   local,
		NAT:    eps.nat,
		Server: eps.server,
	}
	for _, e := range entities {
		b.Device.NeuronIDs = append(b.Device.NeuronIDs, e.NeuronID)
	}
	if c.SharedIP {
		b.Device.Flags |= wire.DeviceSharedIP
	}
	if !eps.nat.IsZero() {
		b.Device.Flags |= wire.DeviceNATAware
	}

	b.Secret = secret
	b.AuthEnabled = c.AuthEnabled
	b.Timezone = c.Timezone
	b.BandwidthKbps = c.BandwidthKbps
	b.EscrowMs = c.EscrowMs
	b.TOS = c.TOS
	if c.AggregationMs != nil {
		b.AggregationMs = *c.AggregationMs
	}
	return b, nil
}

type endpoints struct {
	local  types.Endpoint
	nat    types.Endpoint
	server types.Endpoint
}

func (c *Config) endpoints() (endpoints, error) {
	var (
		out endpoints
		err error
	)
	if out.local, err = parseEndpoint(c.LocalAddr, c.Port()); err != nil {
		return out, fmt.Errorf("localAddr: %w", err)
	}
	if out.nat, err = parseEndpoint(c.NATAddr, c.Port()); err != nil {
		return out, fmt.Errorf("natAddr: %w", err)
	}
	if out.server, err = parseEndpoint(c.ConfigServer, DefaultServerPort); err != nil {
		return out, fmt.Errorf("configServer: %w", err)
	}
	return out, nil
}

func (c *Config) secret() ([]byte, error) {
	s := strings.TrimSpace(c.AuthSecret)
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("authSecret must be hex: %w", err)
	}
	if len(b) > maxSecretLen {
		return nil, fmt.Errorf("authSecret longer than %d bytes", maxSecretLen)
	}
	return b, nil
}

// parseEndpoint accepts "ip" or "ip:port"; a bare ip takes defaultPort.
func parseEndpoint(addr string, defaultPort uint16) (types.Endpoint, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return types.Endpoint{}, nil
	}
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, defaultPort)
	}
	return types.ParseEndpoint(addr)
}
