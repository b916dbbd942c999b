package common

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func TestIntConversion(t *testing.T) {
	ip := net.ParseIP("192.168.10.3").To4()
	require.Equal(t, uint32(0xc0a80a03), Ip2int(ip))
	require.Equal(t, ip, Int2ip(Ip2int(ip)))
}

func TestHostRange(t *testing.T) {
	cases := []struct {
		cidr        string
		first, last string
	}{
		{"192.168.10.0/29", "192.168.10.1", "192.168.10.6"},
		{"192.168.10.5/29", "192.168.10.1", "192.168.10.6"},
		{"10.0.0.0/30", "10.0.0.1", "10.0.0.2"},
		{"10.0.0.0/31", "10.0.0.0", "10.0.0.1"},
		{"10.0.0.7/32", "10.0.0.7", "10.0.0.7"},
		{"172.16.0.0/16", "172.16.0.1", "172.16.255.254"},
	}
	for _, c := range cases {
		_, network, err := net.ParseCIDR(c.cidr)
		require.NoError(t, err)
		first, last, ok := HostRange(network)
		require.True(t, ok, c.cidr)
		require.Equal(t, c.first, first.String(), c.cidr)
		require.Equal(t, c.last, last.String(), c.cidr)
	}

	_, v6, _ := net.ParseCIDR("fd00::/64")
	_, _, ok := HostRange(v6)
	require.False(t, ok)
}

func TestParseIPv4Range(t *testing.T) {
	first, last, err := ParseIPv4Range("10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, first, last)

	first, last, err = ParseIPv4Range("10.0.0.5-10.0.0.9")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", first.String())
	require.Equal(t, "10.0.0.9", last.String())

	_, _, err = ParseIPv4Range("10.0.0.9-10.0.0.5")
	require.True(t, errors.Is(err, ErrInvalidRange))

	_, _, err = ParseIPv4Range("fd00::1")
	require.True(t, errors.Is(err, ErrNotIPv4))

	_, _, err = ParseIPv4Range("10.0.0.1-bogus")
	require.True(t, errors.Is(err, ErrNotIPv4))
}

func TestString2IPProto(t *testing.T) {
	p, err := String2IPProto("TCP")
	require.NoError(t, err)
	require.Equal(t, layers.IPProtocolTCP, p)

	p, err = String2IPProto("udp")
	require.NoError(t, err)
	require.Equal(t, layers.IPProtocolUDP, p)

	p, err = String2IPProto("47")
	require.NoError(t, err)
	require.Equal(t, layers.IPProtocolGRE, p)

	p, err = String2IPProto(" 17 ")
	require.NoError(t, err)
	require.Equal(t, layers.IPProtocolUDP, p)

	_, err = String2IPProto("quic")
	require.True(t, errors.Is(err, ErrUnknownProtocol))

	_, err = String2IPProto("300")
	require.Error(t, err)
}
