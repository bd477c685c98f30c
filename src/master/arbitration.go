package master

import (
	"sort"

	"github.com/neopool/jormaster/src/runner"
)

// candidate is one runner's observed state for a single arbitration pass.
// Reading everything up front keeps the ranking consistent even though the
// underlying values can change between REST calls.
type candidate struct {
	r       Runner
	running bool
	booting bool
	leader  bool
	height  int64
}

// rank orders candidates best-first: Running beats everything, then highest
// block height, then incumbency (avoid churning a working leader), then
// Booting beats Off. Remaining ties go to the lowest runner id, so the
// ordering is total and the pass is deterministic.
func rank(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.running != b.running {
			return a.running
		}
		if a.height != b.height {
			return a.height > b.height
		}
		if a.leader != b.leader {
			return a.leader
		}
		if a.booting != b.booting {
			return a.booting
		}
		return a.r.ID() < b.r.ID()
	})
}

// arbitrate converges the fleet to exactly one leader: the top-ranked
// runner. Every other leader is demoted first, and only then is the top
// runner promoted if needed, so the pass can never end with more leaders
// than it started with.
func (m *Master) arbitrate() {
	if len(m.runners) == 0 {
		return
	}

	cands := make([]candidate, 0, len(m.runners))
	leaders := 0
	for _, r := range m.runners {
		st := r.Status()
		c := candidate{
			r:       r,
			running: st == runner.Running,
			booting: st == runner.Booting,
			leader:  r.IsLeader(),
			height:  r.Height(),
		}
		if c.leader {
			leaders++
		}
		cands = append(cands, c)
	}

	rank(cands)
	top := cands[0]

	if leaders > 1 {
		m.logger.WithField("leaders", leaders).Warnf("Multiple leaders present, keeping only runner %d", top.r.ID())
	}

	for _, c := range cands[1:] {
		if c.leader {
			c.r.Demote()
		}
	}

	if top.running && !top.leader {
		top.r.Promote()
	}
}
