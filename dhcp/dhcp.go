/*
Package dhcp keeps the lease book of a DHCP style address pool. It does not speak the DHCP protocol,
a packet handler is expected to call Request/Renew/Release and drive Expire with its own clock.

Time is a logical tick passed in by the caller on every call. Nothing in here reads a clock.
*/
package dhcp

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sort"

	dhcp "github.com/krolaw/dhcp4"
	"github.com/rs/zerolog/log"

	"natlease/common"
)

var (
	ErrConfigInvalid = errors.New("invalid pool config")
	ErrPoolExhausted = errors.New("no available ips")
)

// MinPrefixLen is the shortest prefix a pool will enumerate.
const MinPrefixLen = 16

// PoolConfig configures a LeasePool.
type PoolConfig struct {
	Network       string   `yaml:"network"`
	LeaseDuration int64    `yaml:"leaseDuration"`
	Exclusions    []string `yaml:"exclusions"`
	// By default the first host is kept back for the gateway.
	UseFirstHost bool `yaml:"useFirstHost"`
}

// Lease binds a client to an address until Expiry.
type Lease struct {
	ClientID string
	IP       net.IP
	Expiry   int64
}

type lease struct {
	client string
	ip     uint32
	expiry int64
	seq    uint64 // grant order, tie breaker for sweeps
}

// LeasePool hands out addresses from a network, oldest released first.
// It is not safe for concurrent use, callers serialise access.
type LeasePool struct {
	network       *net.IPNet
	leaseDuration int64
	size          int

	available []uint32
	byClient  map[string]*lease
	byIP      map[uint32]*lease
	nextSeq   uint64
	expired   uint64
}

// NewLeasePool builds the pool from the network's hosts minus the exclusions.
func NewLeasePool(cfg PoolConfig) (*LeasePool, error) {
	_, network, err := net.ParseCIDR(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	ones, _ := network.Mask.Size()
	first, last, ok := common.HostRange(network)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an ipv4 network", ErrConfigInvalid, cfg.Network)
	}
	if ones < MinPrefixLen {
		return nil, fmt.Errorf("%w: %s is larger than /%d", ErrConfigInvalid, cfg.Network, MinPrefixLen)
	}
	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("%w: lease duration must be positive, got %d", ErrConfigInvalid, cfg.LeaseDuration)
	}

	type span struct{ lo, hi net.IP }
	var excluded []span
	for _, e := range cfg.Exclusions {
		lo, hi, err := common.ParseIPv4Range(e)
		if err != nil {
			return nil, fmt.Errorf("%w: exclusion %q: %v", ErrConfigInvalid, e, err)
		}
		if dhcp.IPLess(hi, first) || dhcp.IPLess(last, lo) {
			log.Warn().Msgf("Exclusion %s is outside %s, ignoring", e, network)
			continue
		}
		excluded = append(excluded, span{lo, hi})
	}
	if !cfg.UseFirstHost {
		excluded = append(excluded, span{first, first})
	}

	hostCount := dhcp.IPRange(first, last)
	p := &LeasePool{
		network:       network,
		leaseDuration: cfg.LeaseDuration,
		available:     make([]uint32, 0, hostCount),
		byClient:      make(map[string]*lease),
		byIP:          make(map[uint32]*lease),
	}
hosts:
	for i := 0; i < hostCount; i++ {
		ip := dhcp.IPAdd(first, i)
		for _, s := range excluded {
			if dhcp.IPInRange(s.lo, s.hi, ip) {
				continue hosts
			}
		}
		p.available = append(p.available, common.Ip2int(ip))
	}
	p.size = len(p.available)
	log.Debug().Msgf("Lease pool %s: %d usable of %d hosts, lease %d", network, p.size, hostCount, p.leaseDuration)
	return p, nil
}

func (p *LeasePool) String() string {
	return fmt.Sprintf("&LeasePool{%s, lease=%d, available=%d, active=%d}", p.network, p.leaseDuration, len(p.available), len(p.byClient))
}

// Network returns the pool's network.
func (p *LeasePool) Network() *net.IPNet { return p.network }

// Size is the number of usable addresses, leased or not.
func (p *LeasePool) Size() int { return p.size }

func (p *LeasePool) AvailableCount() int { return len(p.available) }

// ActiveCount counts every bookkept lease, including ones past expiry that
// have not been swept yet.
func (p *LeasePool) ActiveCount() int { return len(p.byClient) }

// ActiveCountAt counts leases still valid at now.
func (p *LeasePool) ActiveCountAt(now int64) int {
	n := 0
	for _, l := range p.byClient {
		if l.expiry > now {
			n++
		}
	}
	return n
}

// Request returns the client's current address if its lease is valid at now,
// otherwise leases the head of the free queue.
func (p *LeasePool) Request(clientID string, now int64) (net.IP, error) {
	p.Expire(now)
	if l, ok := p.byClient[clientID]; ok && l.expiry > now {
		return common.Int2ip(l.ip), nil
	}
	if len(p.available) == 0 {
		return nil, fmt.Errorf("%w: %s for client %q", ErrPoolExhausted, p.network, clientID)
	}
	ip := p.available[0]
	p.available = p.available[1:]
	p.nextSeq++
	expiry := p.expiryFrom(now)
	p.commit(&lease{client: clientID, ip: ip, expiry: expiry, seq: p.nextSeq})
	log.Debug().Msgf("Leased %s to %q until %d", common.Int2ip(ip), clientID, expiry)
	return common.Int2ip(ip), nil
}

// Renew extends a valid lease in place. Without one it is the same as Request.
func (p *LeasePool) Renew(clientID string, now int64) (net.IP, error) {
	p.Expire(now)
	if l, ok := p.byClient[clientID]; ok && l.expiry > now {
		l.expiry = p.expiryFrom(now)
		return common.Int2ip(l.ip), nil
	}
	return p.Request(clientID, now)
}

// Release returns the client's address to the tail of the free queue. Unknown clients are ignored.
func (p *LeasePool) Release(clientID string) {
	l, ok := p.byClient[clientID]
	if !ok {
		return
	}
	p.drop(l)
	log.Debug().Msgf("Released %s from %q", common.Int2ip(l.ip), clientID)
}

// Expire reclaims every lease with expiry <= now and returns how many were reclaimed.
// Reclaimed addresses queue up in expiry order.
func (p *LeasePool) Expire(now int64) int {
	var expired []*lease
	for _, l := range p.byClient {
		if l.expiry <= now {
			expired = append(expired, l)
		}
	}
	if len(expired) == 0 {
		return 0
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].expiry != expired[j].expiry {
			return expired[i].expiry < expired[j].expiry
		}
		return expired[i].seq < expired[j].seq
	})
	for _, l := range expired {
		p.drop(l)
	}
	p.expired += uint64(len(expired))
	log.Debug().Msgf("Expired %d leases in %s at %d", len(expired), p.network, now)
	return len(expired)
}

// ExpiredTotal counts every lease reclaimed by expiry so far, including the sweeps
// Request and Renew run on their own.
func (p *LeasePool) ExpiredTotal() uint64 { return p.expired }

// Lookup returns the client's lease record, valid or not.
func (p *LeasePool) Lookup(clientID string) (Lease, bool) {
	l, ok := p.byClient[clientID]
	if !ok {
		return Lease{}, false
	}
	return l.export(), true
}

// Leases returns a copy of every bookkept lease ordered by address.
func (p *LeasePool) Leases() []Lease {
	out := make([]Lease, 0, len(p.byClient))
	for _, l := range p.byClient {
		out = append(out, l.export())
	}
	sort.Slice(out, func(i, j int) bool { return dhcp.IPLess(out[i].IP, out[j].IP) })
	return out
}

// commit indexes a new lease. A stale owner of the same address is dropped first so
// the two maps never disagree.
func (p *LeasePool) commit(l *lease) {
	if stale, ok := p.byIP[l.ip]; ok {
		log.Warn().Msgf("Address %s still held by %q, dropping stale lease", common.Int2ip(l.ip), stale.client)
		delete(p.byClient, stale.client)
	}
	p.byClient[l.client] = l
	p.byIP[l.ip] = l
}

// expiryFrom saturates at math.MaxInt64 instead of wrapping.
func (p *LeasePool) expiryFrom(now int64) int64 {
	if now > math.MaxInt64-p.leaseDuration {
		return math.MaxInt64
	}
	return now + p.leaseDuration
}

func (p *LeasePool) drop(l *lease) {
	delete(p.byClient, l.client)
	if cur, ok := p.byIP[l.ip]; ok && cur == l {
		delete(p.byIP, l.ip)
	}
	p.available = append(p.available, l.ip)
}

func (l *lease) export() Lease {
	return Lease{ClientID: l.client, IP: common.Int2ip(l.ip), Expiry: l.expiry}
}
