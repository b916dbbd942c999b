package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
)

var ErrUnknownProtocol = errors.New("unknown protocol")

// String2IPProto maps a protocol name (tcp, udp, icmp...) or a decimal protocol number to its IP protocol.
func String2IPProto(s string) (layers.IPProtocol, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "tcp":
		return layers.IPProtocolTCP, nil
	case "udp":
		return layers.IPProtocolUDP, nil
	case "icmp", "icmpv4":
		return layers.IPProtocolICMPv4, nil
	case "icmpv6", "ipv6-icmp":
		return layers.IPProtocolICMPv6, nil
	case "sctp":
		return layers.IPProtocolSCTP, nil
	case "udplite":
		return layers.IPProtocolUDPLite, nil
	case "gre":
		return layers.IPProtocolGRE, nil
	}
	n, err := strconv.ParseUint(name, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
	return layers.IPProtocol(n), nil
}
