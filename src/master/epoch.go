package master

import (
	"time"

	"github.com/neopool/jormaster/src/runner"
	"github.com/sirupsen/logrus"
)

// refreshEpoch maintains the epoch window. The genesis constants are network
// constants and are read exactly once; the window itself is recomputed from
// them. When the wall clock passes the stored end time the window rolls
// over without re-querying any node.
func (m *Master) refreshEpoch() {
	now := m.clock.Now().Unix()

	if m.epochEndTime != 0 && now > m.epochEndTime {
		m.rollOver()
	}

	if m.epochEndTime != 0 {
		return
	}

	r := m.anyRunningRunner()
	if r == nil {
		return
	}

	if m.block0Time == 0 {
		if t, ok := r.BlockZeroTime(); ok {
			m.block0Time = t
		}
	}
	if m.slotDuration == 0 {
		if d, ok := r.SlotDuration(); ok {
			m.slotDuration = d
		}
	}
	if m.slotsPerEpoch == 0 {
		if k, ok := r.SlotsPerEpoch(); ok {
			m.slotsPerEpoch = k
		}
	}

	if m.block0Time == 0 || m.slotDuration == 0 || m.slotsPerEpoch == 0 {
		return
	}

	epochLen := m.slotDuration * m.slotsPerEpoch
	m.epoch = (now - m.block0Time) / epochLen
	m.epochEndTime = (m.epoch+1)*epochLen + m.block0Time - 1

	m.logger.WithFields(logrus.Fields{
		"epoch":    m.epoch,
		"end_time": m.epochEndTime,
	}).Info("Epoch window established")
}

// rollOver advances the epoch window by one and drops the now-stale leader
// schedule. The end time is recomputed directly from the epoch counter, not
// re-derived from the wall clock.
func (m *Master) rollOver() {
	epochLen := m.slotDuration * m.slotsPerEpoch

	m.epoch++
	m.epochEndTime = (m.epoch+1)*epochLen + m.block0Time - 1
	m.schedule = nil

	m.logger.WithFields(logrus.Fields{
		"epoch":    m.epoch,
		"end_time": m.epochEndTime,
	}).Info("Epoch rolled over")
}

// refreshSchedule pulls the leader-event schedule from a Running node. A
// schedule is only accepted if its last event falls inside the current epoch
// window; a node that has not rolled over internally yet would hand us last
// epoch's schedule.
func (m *Master) refreshSchedule() {
	if m.epochEndTime == 0 || len(m.schedule) > 0 {
		return
	}

	r := m.anyRunningRunner()
	if r == nil {
		return
	}

	events, err := r.LeaderEvents()
	if err != nil {
		m.logger.WithError(err).Error("Cannot read leader schedule")
		return
	}
	if len(events) == 0 {
		return
	}

	epochLen := m.slotDuration * m.slotsPerEpoch
	epochStart := m.epoch*epochLen + m.block0Time
	last := events[len(events)-1]

	if last < epochStart || last > m.epochEndTime {
		m.logger.WithFields(logrus.Fields{
			"runner":     r.ID(),
			"last_event": last,
		}).Debug("Rejecting leader schedule outside the current epoch")
		return
	}

	m.schedule = events
	m.logger.WithField("events", len(events)).Info("Leader schedule accepted")
}

// knownEvents returns the future leader events plus the epoch end time, if
// known.
func (m *Master) knownEvents() []int64 {
	events := append([]int64{}, m.schedule...)
	if m.epochEndTime != 0 {
		events = append(events, m.epochEndTime)
	}
	return events
}

// nextEvent returns the nearest strictly-future known event.
func (m *Master) nextEvent() (int64, bool) {
	now := m.clock.Now().Unix()

	var next int64
	found := false
	for _, e := range m.knownEvents() {
		if e > now && (!found || e < next) {
			next = e
			found = true
		}
	}
	return next, found
}

// safeToStart reports whether a restart can be issued without risking a
// bootstrap overlapping the next event. With no known future event at all it
// is never safe: we cannot prove there is slack.
func (m *Master) safeToStart() bool {
	next, ok := m.nextEvent()
	if !ok {
		return false
	}
	return next-m.clock.Now().Unix() > seconds(m.conf.SafeStartLead)
}

// handleNearEvent is the safety-critical step. When a leader event or the
// epoch rollover is imminent, bootstrapping runners are frozen, rollover
// promotions are issued, and the whole loop sleeps through the event. The
// full-loop sleep trades reactivity for the certainty that no restart or
// promotion races the event.
func (m *Master) handleNearEvent() {
	next, ok := m.nextEvent()
	if !ok {
		return
	}

	now := m.clock.Now().Unix()
	remaining := next - now
	if remaining >= seconds(m.conf.EventThreshold) {
		return
	}

	rollover := m.epochEndTime != 0 && next == m.epochEndTime

	m.logger.WithFields(logrus.Fields{
		"remaining": remaining,
		"rollover":  rollover,
	}).Info("Event ahead, preparing")

	// Freeze rather than kill: a bootstrapping node may be needed right
	// after the event and must not lose its progress.
	var suspended []Runner
	for _, r := range m.runners {
		if r.Status() == runner.Booting {
			r.Suspend()
			suspended = append(suspended, r)
		}
	}

	// Before a rollover every Running node becomes a leader, so whichever
	// one is still alive right after the boundary can sign without waiting
	// for a promotion round-trip. Arbitration trims this back to one leader
	// afterwards.
	if rollover {
		for _, r := range m.runners {
			if r.Status() == runner.Running && !r.IsLeader() {
				r.Promote()
			}
		}
	}

	// Re-measure: the suspend and promote round-trips above took real time.
	remaining = next - m.clock.Now().Unix()
	if remaining < 0 {
		remaining = 0
	}

	m.logger.WithField("sleep", remaining).Info("Hibernating through the event")
	m.clock.Sleep(time.Duration(remaining)*time.Second + wakeMargin)
	m.logger.Info("Woke up")

	for _, r := range suspended {
		r.Resume()
	}

	if rollover {
		m.rollOver()
		m.clock.Sleep(rolloverGrace)
	}
}
