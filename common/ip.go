package common

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNotIPv4      = errors.New("not an ipv4 address")
	ErrInvalidRange = errors.New("invalid address range")
)

// Ip2int converts a 4 byte IPv4 address to its integer form. Call To4() first if unsure.
func Ip2int(ip net.IP) uint32 {
	if len(ip) == 16 {
		panic(fmt.Sprintf("IPV4 only. %s", ip))
	}
	return binary.BigEndian.Uint32(ip)
}

func Int2ip(nn uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, nn)
	return ip
}

func Intersect(n1, n2 *net.IPNet) bool {
	return n2.Contains(n1.IP) || n1.Contains(n2.IP)
}

// ParseIPv4 parses s and returns the 4 byte form, or ErrNotIPv4.
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(s)).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotIPv4, s)
	}
	return ip, nil
}

// ParseIPv4Range parses either a single address or an inclusive "first-last" range.
func ParseIPv4Range(s string) (first, last net.IP, err error) {
	lo, hi, isRange := strings.Cut(s, "-")
	if first, err = ParseIPv4(lo); err != nil {
		return nil, nil, err
	}
	if !isRange {
		return first, first, nil
	}
	if last, err = ParseIPv4(hi); err != nil {
		return nil, nil, err
	}
	if Ip2int(first) > Ip2int(last) {
		return nil, nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, first, last)
	}
	return first, last, nil
}

// HostRange returns the first and last usable host of an IPv4 network.
// A /32 holds just its own address and a /31 holds both of its addresses,
// every other prefix loses the network and broadcast address. ok is false
// when the network is not IPv4.
func HostRange(network *net.IPNet) (first, last net.IP, ok bool) {
	base := network.IP.Mask(network.Mask).To4()
	ones, bits := network.Mask.Size()
	if base == nil || bits != 32 {
		return nil, nil, false
	}
	start := uint64(Ip2int(base))
	end := start + uint64(1)<<uint(32-ones) - 1
	if ones < 31 {
		start++
		end--
	}
	return Int2ip(uint32(start)), Int2ip(uint32(end)), true
}
