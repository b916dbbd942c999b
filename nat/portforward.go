package nat

import (
	"fmt"
	"net/netip"

	"natlease/common"
)

// PFRule is used by the configuration and instatiation or port forwarding rules.
// ExternalIP defaults to the first external address of the table.
type PFRule struct {
	Name              string `yaml:"name"`
	InternalPortStart uint16 `yaml:"internalPortStart"`
	ExternalPortStart uint16 `yaml:"externalPortStart"`
	ExternalPortEnd   uint16 `yaml:"externalPortEnd"`
	Protocol          string `yaml:"protocol"`
	InternalIP        string `yaml:"internalIP"`
	ExternalIP        string `yaml:"externalIP"`
}

// expand turns a rule into one static key/mapping pair per forwarded port.
func (pf PFRule) expand(defaultExternal netip.Addr) (keys []NatKey, mappings []Mapping, err error) {
	protocol, err := common.String2IPProto(pf.Protocol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: rule %q: %v", ErrConfigInvalid, pf.Name, err)
	}
	internal, err := netip.ParseAddr(pf.InternalIP)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: rule %q internal ip: %v", ErrConfigInvalid, pf.Name, err)
	}
	external := defaultExternal
	if pf.ExternalIP != "" {
		if external, err = netip.ParseAddr(pf.ExternalIP); err != nil {
			return nil, nil, fmt.Errorf("%w: rule %q external ip: %v", ErrConfigInvalid, pf.Name, err)
		}
	}
	end := pf.ExternalPortEnd
	if end == 0 {
		end = pf.ExternalPortStart
	}
	if pf.ExternalPortStart == 0 || pf.InternalPortStart == 0 || end < pf.ExternalPortStart {
		return nil, nil, fmt.Errorf("%w: rule %q has an invalid port range", ErrConfigInvalid, pf.Name)
	}
	span := int(end - pf.ExternalPortStart)
	if int(pf.InternalPortStart)+span > 65535 {
		return nil, nil, fmt.Errorf("%w: rule %q internal ports run past 65535", ErrConfigInvalid, pf.Name)
	}
	for i := 0; i <= span; i++ {
		keys = append(keys, NatKey{Protocol: protocol, IP: internal.Unmap(), Port: pf.InternalPortStart + uint16(i)})
		mappings = append(mappings, Mapping{IP: external.Unmap(), Port: pf.ExternalPortStart + uint16(i)})
	}
	return keys, mappings, nil
}
