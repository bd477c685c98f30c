// Package master implements the control loop that keeps a fleet of
// redundant Jormungandr runners highly available while guaranteeing that at
// most one of them is registered as block-signing leader at any moment.
package master

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/neopool/jormaster/src/config"
	"github.com/neopool/jormaster/src/runner"
	"github.com/sirupsen/logrus"
)

const (
	// restartPace spaces successive supervisor restarts inside one tick so
	// the local supervisor is not hit with a restart storm.
	restartPace = 2 * time.Second
	// wakeMargin is added to the hibernation sleep so the master wakes up
	// strictly after the event.
	wakeMargin = 2 * time.Second
	// rolloverGrace is slept after an epoch rollover to let the nodes
	// settle into the new epoch before arbitration resumes.
	rolloverGrace = 10 * time.Second
)

// Runner is the node-handle surface the master drives. *runner.Runner
// implements it; tests substitute fakes.
type Runner interface {
	ID() int
	Status() runner.Status
	Height() int64
	Uptime() int64
	ServiceUptime() int64
	Booting() bool
	Restart()
	Suspend()
	Resume()
	BlockZeroTime() (int64, bool)
	SlotDuration() (int64, bool)
	SlotsPerEpoch() (int64, bool)
	IsLeader() bool
	LeaderEvents() ([]int64, error)
	Promote()
	Demote()
}

// HeightReporter is the telemetry surface the master feeds and consults.
// *pooltool.PoolTool implements it.
type HeightReporter interface {
	SendHeight(height int64)
	MajorityMax() int64
}

// Master owns the runner fleet and runs the orchestration control loop. All
// fleet state is mutated by the single control loop goroutine; only the
// stats snapshot is shared with the HTTP service.
type Master struct {
	conf    *config.Config
	runners []Runner
	pool    HeightReporter
	clock   clock.Clock
	logger  *logrus.Entry

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	// network constants, read once from any Running node
	block0Time    int64
	slotDuration  int64
	slotsPerEpoch int64

	// current epoch window; epochEndTime == 0 means unknown
	epoch        int64
	epochEndTime int64

	// validated leader-event schedule for the current epoch
	schedule []int64

	snapMu sync.RWMutex
	snap   Snapshot
}

// New returns a Master over the given fleet.
func New(conf *config.Config, runners []Runner, pool HeightReporter, clk clock.Clock, logger *logrus.Entry) *Master {
	return &Master{
		conf:       conf,
		runners:    runners,
		pool:       pool,
		clock:      clk,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Run drives the control loop until Shutdown is called. This is a blocking
// call.
func (m *Master) Run() {
	m.logger.WithField("runners", len(m.runners)).Info("Starting master control loop")

	for {
		select {
		case <-m.shutdownCh:
			m.logger.Info("Shutdown")
			return
		default:
			m.Tick()
			m.clock.Sleep(m.conf.LoopPeriod)
		}
	}
}

// Shutdown stops the control loop after the current tick.
func (m *Master) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
}

// Tick performs one orchestration pass. The order matters: later steps
// depend on earlier ones having converged state within this tick or the
// next.
func (m *Master) Tick() {
	m.bringUp()
	m.refreshEpoch()
	m.refreshSchedule()
	m.handleNearEvent()
	m.arbitrate()
	m.recoverStuck()
	m.reportHeight()
	m.updateSnapshot()
}

// bringUp restarts runners that are off. While nothing is Running yet only
// the lowest-id runner is brought up: one probe node learns the chain state
// without risking a bootstrap herd. Once a runner is Running the rest are
// started, paced.
func (m *Master) bringUp() {
	var offs []Runner
	anyRunning, anyBooting := false, false

	for _, r := range m.runners {
		switch r.Status() {
		case runner.Off:
			offs = append(offs, r)
		case runner.Running:
			anyRunning = true
		case runner.Booting:
			anyBooting = true
		}
	}

	if len(offs) == 0 {
		return
	}

	if !anyRunning {
		if !anyBooting {
			m.logger.Info("All runners are off, starting one")
			offs[0].Restart()
		}
		return
	}

	for i, r := range offs {
		if i > 0 {
			m.clock.Sleep(restartPace)
		}
		r.Restart()
	}
}

// anyRunningRunner returns some Running runner, or nil.
func (m *Master) anyRunningRunner() Runner {
	for _, r := range m.runners {
		if r.Status() == runner.Running {
			return r
		}
	}
	return nil
}

// recoverStuck restarts runners that stopped making progress: a Running
// runner lagging too far behind the known maximum height, or a runner whose
// bootstrap exceeded the maximum boot time. Restarting forces a node through
// an unpredictable bootstrap, so the height-lag case only fires when there
// is provably enough slack before the next event.
func (m *Master) recoverStuck() {
	knownMax := m.pool.MajorityMax()
	heights := make([]int64, len(m.runners))
	for i, r := range m.runners {
		heights[i] = r.Height()
		if heights[i] > knownMax {
			knownMax = heights[i]
		}
	}

	restarted := false
	pace := func() {
		if restarted {
			m.clock.Sleep(restartPace)
		}
		restarted = true
	}

	for i, r := range m.runners {
		switch r.Status() {
		case runner.Running:
			if knownMax-heights[i] > m.conf.MaxHeightDelay &&
				m.safeToStart() &&
				r.Uptime() > seconds(m.conf.CatchUpGrace) {
				m.logger.WithFields(logrus.Fields{
					"runner":    r.ID(),
					"height":    heights[i],
					"known_max": knownMax,
				}).Info("Runner is stuck, restarting")
				pace()
				r.Restart()
			}
		case runner.Booting:
			if r.ServiceUptime() > seconds(m.conf.MaxBootTime) {
				m.logger.WithFields(logrus.Fields{
					"runner":         r.ID(),
					"service_uptime": r.ServiceUptime(),
				}).Info("Runner bootstrap is taking too long, restarting")
				pace()
				r.Restart()
			}
		}
	}
}

// reportHeight pushes the fleet's best local height to the telemetry
// service. Rate limiting and dedup live in the reporter.
func (m *Master) reportHeight() {
	var best int64
	for _, r := range m.runners {
		if h := r.Height(); h > best {
			best = h
		}
	}
	m.pool.SendHeight(best)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
