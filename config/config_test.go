package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const scenarioYAML = `
pools:
  - name: lan
    network: 10.1.0.0/30
    leaseDuration: 100
    useFirstHost: true
    exclusions: []
nat:
  timeout: 30
  external:
    - addr: 203.0.113.5
      portStart: 40000
      portEnd: 40005
  portForwardingRules:
    - name: web
      protocol: tcp
      internalIP: 10.1.0.2
      internalPortStart: 80
      externalPortStart: 8080
events:
  - {at: 0, op: request, pool: lan, client: A}
  - {at: 150, op: expire, pool: lan}
  - {at: 3, op: translate, proto: udp, ip: 10.1.0.1, port: 5353}
  - {at: 4, op: reverse, ip: 203.0.113.5, port: 40000}
  - {at: 90, op: evict}
`

func TestDecode(t *testing.T) {
	s, err := Decode(strings.NewReader(scenarioYAML))
	require.NoError(t, err)

	require.Len(t, s.Pools, 1)
	require.Equal(t, "lan", s.Pools[0].Name)
	require.Equal(t, "10.1.0.0/30", s.Pools[0].Network)
	require.Equal(t, int64(100), s.Pools[0].LeaseDuration)
	require.True(t, s.Pools[0].UseFirstHost)

	require.NotNil(t, s.Nat)
	require.Equal(t, int64(30), s.Nat.Timeout)
	require.Len(t, s.Nat.External, 1)
	require.Equal(t, uint16(40005), s.Nat.External[0].PortEnd)
	require.Len(t, s.Nat.PortForwarding, 1)
	require.Equal(t, uint16(8080), s.Nat.PortForwarding[0].ExternalPortStart)

	require.Len(t, s.Events, 5)
	require.Equal(t, Event{At: 3, Op: OpTranslate, Proto: "udp", IP: "10.1.0.1", Port: 5353}, s.Events[2])
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenarioYAML), 0o600))
	s, err := Load(path)
	require.NoError(t, err)
	require.Len(t, s.Events, 5)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEmptyScenario(t *testing.T) {
	s, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, s.Events)
}

func TestBadScenarios(t *testing.T) {
	bad := map[string]string{
		"unknown field": "pools:\n  - name: lan\n    netwrk: 10.0.0.0/24\n",
		"no pool name":  "pools:\n  - network: 10.0.0.0/24\n",
		"dup pool":      "pools:\n  - name: a\n  - name: a\n",
		"unknown op":    "events:\n  - {at: 1, op: explode}\n",
		"unknown pool":  "events:\n  - {at: 1, op: expire, pool: nope}\n",
		"no client":     "pools:\n  - name: a\nevents:\n  - {at: 1, op: request, pool: a}\n",
		"no nat":        "events:\n  - {at: 1, op: evict}\n",
		"no proto":      "nat: {timeout: 1}\nevents:\n  - {at: 1, op: translate, ip: 10.0.0.1, port: 1}\n",
		"no ip":         "nat: {timeout: 1}\nevents:\n  - {at: 1, op: reverse, port: 1}\n",
		"bad yaml":      "pools: [\n",
	}
	for name, doc := range bad {
		_, err := Decode(strings.NewReader(doc))
		require.True(t, errors.Is(err, ErrBadScenario), "%s: %v", name, err)
	}
}
