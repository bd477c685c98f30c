package master

// RunnerSnapshot is one runner's state as of the last completed tick.
type RunnerSnapshot struct {
	ID      int    `json:"id"`
	Status  string `json:"status"`
	Height  int64  `json:"height"`
	Leader  bool   `json:"leader"`
	Booting bool   `json:"booting"`
}

// Snapshot is the fleet state exposed through the HTTP service. It is a
// copy; the service never touches live orchestration state.
type Snapshot struct {
	Epoch           int64            `json:"epoch"`
	EpochEndTime    int64            `json:"epoch_end_time"`
	ScheduledEvents int              `json:"scheduled_events"`
	BestHeight      int64            `json:"best_height"`
	MajorityMax     int64            `json:"majority_max"`
	Runners         []RunnerSnapshot `json:"runners"`
}

// updateSnapshot publishes the fleet state at the end of a tick. The values
// come from the runner caches, so this adds no REST traffic beyond what the
// tick already did.
func (m *Master) updateSnapshot() {
	snap := Snapshot{
		Epoch:           m.epoch,
		EpochEndTime:    m.epochEndTime,
		ScheduledEvents: len(m.schedule),
		MajorityMax:     m.pool.MajorityMax(),
	}

	for _, r := range m.runners {
		h := r.Height()
		if h > snap.BestHeight {
			snap.BestHeight = h
		}
		snap.Runners = append(snap.Runners, RunnerSnapshot{
			ID:      r.ID(),
			Status:  r.Status().String(),
			Height:  h,
			Leader:  r.IsLeader(),
			Booting: r.Booting(),
		})
	}

	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}

// GetSnapshot returns the state published by the last completed tick.
func (m *Master) GetSnapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}
