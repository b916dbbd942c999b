/*
Package replay drives the lease pools and the NAT table from a scenario. It is the single owner
of both, so events are applied strictly one after another against the time each event carries.
*/
package replay

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog/log"

	"natlease/common"
	"natlease/config"
	"natlease/dhcp"
	"natlease/metrics"
	"natlease/nat"
)

// Result is the outcome of one event. Err holds failures reported by the core, which do not stop the run.
type Result struct {
	Index  int
	At     int64
	Op     string
	Output string
	Err    error
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("#%d t=%d %s: error: %v", r.Index, r.At, r.Op, r.Err)
	}
	return fmt.Sprintf("#%d t=%d %s: %s", r.Index, r.At, r.Op, r.Output)
}

type Runner struct {
	scenario  *config.Scenario
	pools     map[string]*dhcp.LeasePool
	poolOrder []string
	table     *nat.Nattable
	recorder  *metrics.Recorder

	// sweep totals already reported to the recorder
	seenExpired map[string]uint64
	seenEvicted uint64
}

// New builds every pool and the NAT table of the scenario. recorder may be nil.
func New(s *config.Scenario, recorder *metrics.Recorder) (*Runner, error) {
	r := &Runner{
		scenario: s,
		pools:    make(map[string]*dhcp.LeasePool, len(s.Pools)),
		recorder: recorder,

		seenExpired: make(map[string]uint64, len(s.Pools)),
	}
	for _, p := range s.Pools {
		pool, err := dhcp.NewLeasePool(p.PoolConfig)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", p.Name, err)
		}
		for _, other := range r.poolOrder {
			if common.Intersect(pool.Network(), r.pools[other].Network()) {
				return nil, fmt.Errorf("%w: pools %q and %q overlap", config.ErrBadScenario, p.Name, other)
			}
		}
		r.pools[p.Name] = pool
		r.poolOrder = append(r.poolOrder, p.Name)
		log.Info().Msgf("Pool %s ready: %s", p.Name, pool)
	}
	if s.Nat != nil {
		table, err := nat.NewNattable(*s.Nat)
		if err != nil {
			return nil, fmt.Errorf("nat table: %w", err)
		}
		r.table = table
		log.Info().Msgf("Nat table ready: %d external addresses, timeout %d, %d static entries", len(s.Nat.External), table.Timeout(), table.Len())
	}
	return r, nil
}

func (r *Runner) Pool(name string) *dhcp.LeasePool { return r.pools[name] }

func (r *Runner) Table() *nat.Nattable { return r.table }

// Run applies every event in order.
func (r *Runner) Run() ([]Result, error) {
	results := make([]Result, 0, len(r.scenario.Events))
	for i, ev := range r.scenario.Events {
		res, err := r.Apply(ev)
		if err != nil {
			return results, fmt.Errorf("event %d: %w", i, err)
		}
		res.Index = i
		if res.Err != nil {
			log.Warn().Msg(res.String())
		} else {
			log.Debug().Msg(res.String())
		}
		results = append(results, res)
	}
	return results, nil
}

// Apply runs a single event. The returned error means the event itself is unusable.
func (r *Runner) Apply(ev config.Event) (Result, error) {
	res := Result{At: ev.At, Op: ev.Op}
	var err error
	switch ev.Op {
	case config.OpRequest, config.OpRenew, config.OpRelease, config.OpExpire:
		err = r.applyLease(ev, &res)
	case config.OpTranslate, config.OpReverse, config.OpTouch, config.OpUnmap, config.OpEvict:
		err = r.applyNat(ev, &res)
	default:
		err = fmt.Errorf("%w: unknown op %q", config.ErrBadScenario, ev.Op)
	}
	r.observe(ev.At)
	return res, err
}

func (r *Runner) applyLease(ev config.Event, res *Result) error {
	pool, ok := r.pools[ev.Pool]
	if !ok {
		return fmt.Errorf("%w: unknown pool %q", config.ErrBadScenario, ev.Pool)
	}
	switch ev.Op {
	case config.OpRequest, config.OpRenew:
		lease := pool.Request
		if ev.Op == config.OpRenew {
			lease = pool.Renew
		}
		addr, err := lease(ev.Client, ev.At)
		res.Err = err
		if err == nil {
			res.Output = fmt.Sprintf("%s -> %s", ev.Client, addr)
		}
		r.leaseRequest(ev, err)
	case config.OpRelease:
		pool.Release(ev.Client)
		res.Output = fmt.Sprintf("%s released", ev.Client)
	case config.OpExpire:
		n := pool.Expire(ev.At)
		res.Output = fmt.Sprintf("%d expired", n)
	}
	return nil
}

func (r *Runner) applyNat(ev config.Event, res *Result) error {
	if r.table == nil {
		return fmt.Errorf("%w: no nat table configured", config.ErrBadScenario)
	}
	if ev.Op == config.OpEvict {
		n := r.table.EvictIdle(ev.At)
		res.Output = fmt.Sprintf("%d evicted", n)
		return nil
	}

	ip, err := netip.ParseAddr(ev.IP)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrBadScenario, err)
	}
	if ev.Op == config.OpReverse {
		m := nat.Mapping{IP: ip.Unmap(), Port: ev.Port}
		key, err := r.table.ReverseLookup(m, ev.At)
		res.Err = err
		if err == nil {
			res.Output = fmt.Sprintf("%s -> %s", m, key)
		}
		r.translation(ev.Op, err)
		return nil
	}

	proto, err := common.String2IPProto(ev.Proto)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrBadScenario, err)
	}
	key := nat.NatKey{Protocol: proto, IP: ip.Unmap(), Port: ev.Port}
	switch ev.Op {
	case config.OpTranslate:
		m, err := r.table.Translate(key, ev.At)
		res.Err = err
		if err == nil {
			res.Output = fmt.Sprintf("%s -> %s", key, m)
		}
		r.translation(ev.Op, err)
	case config.OpTouch:
		res.Output = fmt.Sprintf("%s touched=%t", key, r.table.Touch(key, ev.At))
	case config.OpUnmap:
		res.Output = fmt.Sprintf("%s released=%t", key, r.table.Release(key))
	}
	return nil
}

func (r *Runner) leaseRequest(ev config.Event, err error) {
	if r.recorder == nil {
		return
	}
	r.recorder.LeaseRequest(ev.Pool, ev.Op, resultLabel(err))
}

func (r *Runner) translation(op string, err error) {
	if r.recorder == nil {
		return
	}
	r.recorder.Translation(op, resultLabel(err))
}

// observe publishes the state after an event. Sweep counters are fed from the
// pool and table totals, so sweeps run inside Request, Renew or Translate count too.
func (r *Runner) observe(now int64) {
	if r.recorder == nil {
		return
	}
	for _, name := range r.poolOrder {
		pool := r.pools[name]
		total := pool.ExpiredTotal()
		r.recorder.LeasesExpired(name, int(total-r.seenExpired[name]))
		r.seenExpired[name] = total
		r.recorder.PoolState(name, pool.AvailableCount(), pool.ActiveCountAt(now))
	}
	if r.table != nil {
		total := r.table.EvictedTotal()
		r.recorder.Evicted(int(total - r.seenEvicted))
		r.seenEvicted = total
		r.recorder.NatEntries(r.table.Len())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, dhcp.ErrPoolExhausted), errors.Is(err, nat.ErrPortsExhausted):
		return metrics.ResultExhausted
	case errors.Is(err, nat.ErrEntryNotFound):
		return metrics.ResultNotFound
	}
	return "error"
}
