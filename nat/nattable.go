/*
Package nat implements the translation state of a simple endpoint independent NAPT
(Network Address Port Translation). An internal (protocol, ip, port) flow gets one external
(ip, port) regardless of where its packets go, and keeps it until it has been idle for longer
than the table timeout.

No packets are touched here. The packet path calls Translate on the way out, ReverseLookup on
the way back in, and some driver calls EvictIdle now and then with its own notion of time.
*/
package nat

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
)

var (
	ErrConfigInvalid  = errors.New("invalid nat config")
	ErrPortsExhausted = errors.New("no free nat ports available")
	ErrEntryNotFound  = errors.New("entry not found")
)

// NatKey is the internal side of a flow.
type NatKey struct {
	Protocol layers.IPProtocol
	IP       netip.Addr
	Port     uint16
}

// Mapping is the external address and port a flow is translated to.
type Mapping struct {
	IP   netip.Addr
	Port uint16
}

type NatEntry struct {
	Key      NatKey
	External Mapping
	LastSeen int64
	// Static entries come from port forwarding rules and never go idle.
	Static bool
	seq    uint64
}

// ExternalConfig is one public address and the ports it may hand out.
type ExternalConfig struct {
	Addr      string `yaml:"addr"`
	PortStart uint16 `yaml:"portStart"`
	PortEnd   uint16 `yaml:"portEnd"`
}

type TableConfig struct {
	External       []ExternalConfig `yaml:"external"`
	Timeout        int64            `yaml:"timeout"`
	PortForwarding []PFRule         `yaml:"portForwardingRules"`
}

// Nattable maps internal flows to external mappings and back.
// It is not safe for concurrent use, callers serialise access.
type Nattable struct {
	timeout    int64
	pools      []*portPool
	poolByAddr map[netip.Addr]*portPool
	byInternal map[NatKey]*NatEntry
	byExternal map[Mapping]*NatEntry
	nextSeq    uint64
	evicted    uint64
}

func NewNattable(cfg TableConfig) (*Nattable, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %d", ErrConfigInvalid, cfg.Timeout)
	}
	if len(cfg.External) == 0 {
		return nil, fmt.Errorf("%w: at least one external address is required", ErrConfigInvalid)
	}
	n := &Nattable{
		timeout:    cfg.Timeout,
		poolByAddr: make(map[netip.Addr]*portPool),
		byInternal: make(map[NatKey]*NatEntry),
		byExternal: make(map[Mapping]*NatEntry),
	}
	for _, ext := range cfg.External {
		addr, err := netip.ParseAddr(ext.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: external address: %v", ErrConfigInvalid, err)
		}
		addr = addr.Unmap()
		if _, dup := n.poolByAddr[addr]; dup {
			return nil, fmt.Errorf("%w: external address %s listed twice", ErrConfigInvalid, addr)
		}
		if ext.PortStart == 0 || ext.PortEnd < ext.PortStart {
			return nil, fmt.Errorf("%w: bad port range %d-%d for %s", ErrConfigInvalid, ext.PortStart, ext.PortEnd, addr)
		}
		pool := newPortPool(addr, ext.PortStart, ext.PortEnd)
		n.pools = append(n.pools, pool)
		n.poolByAddr[addr] = pool
	}

	for _, pf := range cfg.PortForwarding {
		keys, mappings, err := pf.expand(n.pools[0].addr)
		if err != nil {
			return nil, err
		}
		for i, key := range keys {
			m := mappings[i]
			if _, ok := n.poolByAddr[m.IP]; !ok {
				return nil, fmt.Errorf("%w: rule %q uses %s which is not an external address", ErrConfigInvalid, pf.Name, m.IP)
			}
			if _, taken := n.byExternal[m]; taken {
				return nil, fmt.Errorf("%w: rule %q overlaps external %s:%d", ErrConfigInvalid, pf.Name, m.IP, m.Port)
			}
			if _, taken := n.byInternal[key]; taken {
				return nil, fmt.Errorf("%w: rule %q overlaps internal %s", ErrConfigInvalid, pf.Name, key)
			}
			// Forwarded ports outside the dynamic range simply never collide with it.
			n.poolByAddr[m.IP].reserve(m.Port)
			n.insert(&NatEntry{Key: key, External: m, Static: true})
		}
		log.Debug().Msgf("port forwarding rule %s: %d ports", pf.Name, len(keys))
	}
	return n, nil
}

// Translate returns the external mapping for key, allocating one on first sight.
// Every call refreshes the entry.
func (n *Nattable) Translate(key NatKey, now int64) (Mapping, error) {
	key = key.normalize()
	if e := n.live(n.byInternal[key], now); e != nil {
		e.LastSeen = now
		return e.External, nil
	}
	m, ok := n.allocate()
	if !ok {
		// Idle entries may still be holding ports.
		if n.EvictIdle(now) > 0 {
			m, ok = n.allocate()
		}
		if !ok {
			return Mapping{}, fmt.Errorf("%w: translating %s", ErrPortsExhausted, key)
		}
	}
	e := &NatEntry{Key: key, External: m, LastSeen: now}
	n.insert(e)
	log.Debug().Msgf("New nat entry %s", e)
	return m, nil
}

// ReverseLookup finds the internal flow behind an external mapping and refreshes it.
func (n *Nattable) ReverseLookup(m Mapping, now int64) (NatKey, error) {
	m.IP = m.IP.Unmap()
	e := n.live(n.byExternal[m], now)
	if e == nil {
		return NatKey{}, fmt.Errorf("%w: %s", ErrEntryNotFound, m)
	}
	e.LastSeen = now
	return e.Key, nil
}

// Touch refreshes an existing entry without translating. It reports whether the entry exists.
func (n *Nattable) Touch(key NatKey, now int64) bool {
	e := n.live(n.byInternal[key.normalize()], now)
	if e == nil {
		return false
	}
	e.LastSeen = now
	return true
}

// Release removes a dynamic entry and frees its port. Static entries stay.
func (n *Nattable) Release(key NatKey) bool {
	e, ok := n.byInternal[key.normalize()]
	if !ok || e.Static {
		return false
	}
	n.remove(e)
	return true
}

// EvictIdle removes every entry idle for longer than the timeout and returns the count.
// Freed ports are queued oldest entry first.
func (n *Nattable) EvictIdle(now int64) int {
	var idle []*NatEntry
	for _, e := range n.byInternal {
		if n.isIdle(e, now) {
			idle = append(idle, e)
		}
	}
	if len(idle) == 0 {
		return 0
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].LastSeen != idle[j].LastSeen {
			return idle[i].LastSeen < idle[j].LastSeen
		}
		return idle[i].seq < idle[j].seq
	})
	for _, e := range idle {
		n.remove(e)
	}
	n.evicted += uint64(len(idle))
	log.Debug().Msgf("Nat table evicted %d idle entries at %d, %d left", len(idle), now, len(n.byInternal))
	return len(idle)
}

// Lookup returns a copy of the entry for key without refreshing it.
func (n *Nattable) Lookup(key NatKey) (NatEntry, bool) {
	e, ok := n.byInternal[key.normalize()]
	if !ok {
		return NatEntry{}, false
	}
	return *e, true
}

func (n *Nattable) Len() int { return len(n.byInternal) }

func (n *Nattable) Timeout() int64 { return n.timeout }

// EvictedTotal counts every entry dropped for idleness so far, whether by EvictIdle
// or by a lookup that hit a stale entry.
func (n *Nattable) EvictedTotal() uint64 { return n.evicted }

// FreePorts is the number of ports addr can still hand out.
func (n *Nattable) FreePorts(addr netip.Addr) int {
	pool, ok := n.poolByAddr[addr.Unmap()]
	if !ok {
		return 0
	}
	return pool.available()
}

// Entries returns a copy of all entries ordered by external mapping.
func (n *Nattable) Entries() []NatEntry {
	out := make([]NatEntry, 0, len(n.byInternal))
	for _, e := range n.byInternal {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].External.IP.Compare(out[j].External.IP); c != 0 {
			return c < 0
		}
		return out[i].External.Port < out[j].External.Port
	})
	return out
}

func (n *Nattable) isIdle(e *NatEntry, now int64) bool {
	return !e.Static && now-e.LastSeen > n.timeout
}

// live drops e if it has gone idle, so a stale entry never routes.
func (n *Nattable) live(e *NatEntry, now int64) *NatEntry {
	if e == nil {
		return nil
	}
	if n.isIdle(e, now) {
		n.remove(e)
		n.evicted++
		return nil
	}
	return e
}

func (n *Nattable) allocate() (Mapping, bool) {
	for _, pool := range n.pools {
		if port, ok := pool.get(); ok {
			return Mapping{IP: pool.addr, Port: port}, true
		}
	}
	return Mapping{}, false
}

func (n *Nattable) insert(e *NatEntry) {
	n.nextSeq++
	e.seq = n.nextSeq
	n.byInternal[e.Key] = e
	n.byExternal[e.External] = e
}

// remove drops both directions together and hands the port back.
func (n *Nattable) remove(e *NatEntry) {
	delete(n.byInternal, e.Key)
	delete(n.byExternal, e.External)
	if pool, ok := n.poolByAddr[e.External.IP]; ok {
		pool.put(e.External.Port)
	}
}

// normalize keys IPv4-mapped IPv6 addresses by their IPv4 form.
func (k NatKey) normalize() NatKey {
	k.IP = k.IP.Unmap()
	return k
}

func (k NatKey) String() string {
	return fmt.Sprintf("(%s %s)", k.Protocol, netip.AddrPortFrom(k.IP, k.Port))
}

func (m Mapping) String() string {
	return netip.AddrPortFrom(m.IP, m.Port).String()
}

func (e NatEntry) String() string {
	return fmt.Sprintf("(%s -> %s, seen %d)", e.Key, e.External, e.LastSeen)
}
