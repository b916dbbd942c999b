// Package config loads a replay scenario: the pools and NAT table to build, and the timed events to feed them.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"natlease/dhcp"
	"natlease/nat"
)

var ErrBadScenario = errors.New("bad scenario")

// Event operations.
const (
	OpRequest   = "request"
	OpRenew     = "renew"
	OpRelease   = "release"
	OpExpire    = "expire"
	OpTranslate = "translate"
	OpReverse   = "reverse"
	OpTouch     = "touch"
	OpUnmap     = "unmap"
	OpEvict     = "evict"
)

type Pool struct {
	Name            string `yaml:"name"`
	dhcp.PoolConfig `yaml:",inline"`
}

// Event is one call into the core. At is the logical time passed as now.
type Event struct {
	At     int64  `yaml:"at"`
	Op     string `yaml:"op"`
	Pool   string `yaml:"pool,omitempty"`
	Client string `yaml:"client,omitempty"`
	Proto  string `yaml:"proto,omitempty"`
	IP     string `yaml:"ip,omitempty"`
	Port   uint16 `yaml:"port,omitempty"`
}

type Scenario struct {
	Pools  []Pool           `yaml:"pools"`
	Nat    *nat.TableConfig `yaml:"nat"`
	Events []Event          `yaml:"events"`
}

func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func Decode(r io.Reader) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrBadScenario, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the shape of the scenario. Component settings are validated by their constructors.
func (s *Scenario) Validate() error {
	pools := make(map[string]bool, len(s.Pools))
	for i, p := range s.Pools {
		if p.Name == "" {
			return fmt.Errorf("%w: pool %d has no name", ErrBadScenario, i)
		}
		if pools[p.Name] {
			return fmt.Errorf("%w: pool %q defined twice", ErrBadScenario, p.Name)
		}
		pools[p.Name] = true
	}
	for i, ev := range s.Events {
		switch ev.Op {
		case OpRequest, OpRenew, OpRelease:
			if ev.Client == "" {
				return fmt.Errorf("%w: event %d (%s) needs a client", ErrBadScenario, i, ev.Op)
			}
			fallthrough
		case OpExpire:
			if !pools[ev.Pool] {
				return fmt.Errorf("%w: event %d (%s) names unknown pool %q", ErrBadScenario, i, ev.Op, ev.Pool)
			}
		case OpTranslate, OpTouch, OpUnmap:
			if ev.Proto == "" {
				return fmt.Errorf("%w: event %d (%s) needs a proto", ErrBadScenario, i, ev.Op)
			}
			fallthrough
		case OpReverse:
			if ev.IP == "" {
				return fmt.Errorf("%w: event %d (%s) needs an ip", ErrBadScenario, i, ev.Op)
			}
			fallthrough
		case OpEvict:
			if s.Nat == nil {
				return fmt.Errorf("%w: event %d (%s) but no nat table is configured", ErrBadScenario, i, ev.Op)
			}
		default:
			return fmt.Errorf("%w: event %d has unknown op %q", ErrBadScenario, i, ev.Op)
		}
	}
	return nil
}
