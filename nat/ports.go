package nat

import (
	"net/netip"
)

// portPool is the free port queue of one external address. Ports come out in the
// order they went in, starting ascending.
type portPool struct {
	addr       netip.Addr
	start, end uint16
	free       []uint16
	inUse      map[uint16]bool
}

func newPortPool(addr netip.Addr, start, end uint16) *portPool {
	p := &portPool{
		addr:  addr,
		start: start,
		end:   end,
		free:  make([]uint16, 0, int(end-start)+1),
		inUse: make(map[uint16]bool),
	}
	for port := int(start); port <= int(end); port++ {
		p.free = append(p.free, uint16(port))
	}
	return p
}

func (p *portPool) contains(port uint16) bool {
	return port >= p.start && port <= p.end
}

func (p *portPool) get() (uint16, bool) {
	for len(p.free) > 0 {
		port := p.free[0]
		p.free = p.free[1:]
		// Reserved ports are skipped lazily.
		if p.inUse[port] {
			continue
		}
		p.inUse[port] = true
		return port, true
	}
	return 0, false
}

// reserve takes a specific port out of circulation.
func (p *portPool) reserve(port uint16) bool {
	if !p.contains(port) || p.inUse[port] {
		return false
	}
	p.inUse[port] = true
	return true
}

func (p *portPool) put(port uint16) {
	if !p.inUse[port] {
		return
	}
	delete(p.inUse, port)
	p.free = append(p.free, port)
}

func (p *portPool) available() int {
	return int(p.end-p.start) + 1 - len(p.inUse)
}
