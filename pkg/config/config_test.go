package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/pkg/persist"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const sampleYAML = `
name: plant-room
listenPort: 1700
natAddr: 203.0.113.9:40000
configServer: 10.0.0.1
authSecret: 00112233
authEnabled: true
aggregationMs: 0
bandwidthKbps: 256
localEntities:
  - domain: "a1"
    subnet: 3
    node: 7
    groups: [1, 9]
    neuronId: 01020304050a
  - neuronId: 0102030405ff
    allBroadcasts: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(body), configFilePerm))
	return dir
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
	require.Equal(t, uint16(DefaultListenPort), cfg.Port())
	require.Equal(t, wire.DefaultMaxDatagram, cfg.Datagram())
}

func TestLoadEmptyReturnsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "  \n"))
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestLoadParsesEntitiesAndSeed(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, uint16(1700), cfg.Port())

	entities, err := cfg.Entities()
	require.NoError(t, err)
	require.Len(t, entities, 2)
	require.Equal(t, []byte{0xa1}, entities[0].DomainID)
	require.Empty(t, entities[1].DomainID)
	require.True(t, entities[1].AllBroadcasts)

	local := types.MustEndpoint("192.168.1.20:1700")
	seed, err := cfg.Seed(local)
	require.NoError(t, err)
	require.Equal(t, local, seed.Device.Addr)
	require.Equal(t, types.MustEndpoint("10.0.0.1:1629"), seed.Device.Server)
	require.Equal(t, types.MustEndpoint("203.0.113.9:40000"), seed.Device.NAT)
	require.True(t, seed.Device.Flags.Has(wire.DeviceNATAware))
	require.False(t, seed.Device.Flags.Has(wire.DeviceSharedIP))
	require.Len(t, seed.Device.NeuronIDs, 2)
	require.Equal(t, []byte{0x00, 0x11, 0x22, 0x33}, seed.Secret)
	require.True(t, seed.AuthEnabled)
	require.Zero(t, seed.AggregationMs, "explicit zero disables aggregation")
	require.Equal(t, uint32(256), seed.BandwidthKbps)
	require.Equal(t, persist.NoSlot, seed.OwnSlot)
}

func TestSeedKeepsDefaultAggregation(t *testing.T) {
	seed, err := (&Config{}).Seed(types.MustEndpoint("10.0.0.2:1628"))
	require.NoError(t, err)
	require.Equal(t, uint16(persist.DefaultAggregationMs), seed.AggregationMs)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad neuron id":     "localEntities:\n  - neuronId: 0102\n",
		"bad domain length": "localEntities:\n  - neuronId: 010203040506\n    domain: a1b2\n",
		"node out of range": "localEntities:\n  - neuronId: 010203040506\n    node: 200\n",
		"bad server":        "configServer: not-an-ip\n",
		"auth without key":  "authEnabled: true\n",
		"secret not hex":    "authSecret: zz\n",
		"tiny datagram":     "maxDatagram: 10\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	agg := uint16(32)
	in := &Config{
		Name:          "boiler",
		ConfigServer:  "10.0.0.1:1629",
		AggregationMs: &agg,
		LocalEntities: []Entity{{NeuronID: "0a0b0c0d0e0f", Subnet: 1, Node: 2}},
	}
	require.NoError(t, Save(dir, in))

	out, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
