package runner

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/neopool/jormaster/src/common"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
	yaml "gopkg.in/yaml.v2"
)

// cacheTTL bounds how long polled node values are served from cache before
// the backing process is queried again.
const cacheTTL = 2 * time.Second

var jsonHandle = new(codec.JsonHandle)

// nodeStats mirrors the node's status endpoint payload.
type nodeStats struct {
	State           string `json:"state"`
	LastBlockHeight int64  `json:"lastBlockHeight"`
	Uptime          int64  `json:"uptime"`
}

// nodeSettings mirrors the node's settings endpoint payload. The values are
// network constants and never change for the life of the chain.
type nodeSettings struct {
	Block0Time    string `json:"block0Time"`
	SlotDuration  int64  `json:"slotDuration"`
	SlotsPerEpoch int64  `json:"slotsPerEpoch"`
}

type leaderLogEntry struct {
	ScheduledAtTime string `json:"scheduled_at_time"`
}

// Runner wraps one node process instance: its REST endpoint, its supervisor
// unit, and a small TTL cache over the polled values. It is not safe for
// concurrent use; the single control loop is the only caller.
type Runner struct {
	id      int
	unit    string
	baseURL string

	sup        Supervisor
	httpClient *http.Client
	clock      clock.Clock
	logger     *logrus.Entry

	secretFile string

	status   Status
	statusAt time.Time
	height   int64
	heightAt time.Time
	uptime   int64
	uptimeAt time.Time

	booting   bool
	bootStart time.Time
}

// RestAddr returns the REST base URL for a runner id. The configured port
// prefix is the port number without its last digit, which is the runner id.
func RestAddr(portPrefix, id int) string {
	return fmt.Sprintf("http://127.0.0.1:%d%d", portPrefix, id)
}

// New returns a Runner handle. It does not touch the backing process.
func New(id int, baseURL, unit, secretFile string, sup Supervisor, clk clock.Clock, logger *logrus.Entry) *Runner {
	return &Runner{
		id:         id,
		unit:       unit,
		baseURL:    baseURL,
		sup:        sup,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		clock:      clk,
		secretFile: secretFile,
		logger:     logger.WithField("runner", id),
	}
}

// ID ...
func (r *Runner) ID() int {
	return r.id
}

// Booting reports whether a restart is in flight, ie. the runner was
// restarted and has not been observed Running or stopped since.
func (r *Runner) Booting() bool {
	return r.booting
}

func (r *Runner) getJSON(path string, out interface{}) error {
	resp, err := r.httpClient.Get(r.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}

	return codec.NewDecoder(resp.Body, jsonHandle).Decode(out)
}

func (r *Runner) stats() (*nodeStats, error) {
	s := new(nodeStats)
	if err := r.getJSON("/status", s); err != nil {
		return nil, err
	}
	return s, nil
}

// Status returns the runner status, refreshing the cached value if stale.
func (r *Runner) Status() Status {
	if !r.statusAt.IsZero() && r.clock.Now().Sub(r.statusAt) < cacheTTL {
		return r.status
	}

	r.status = r.fetchStatus()
	r.statusAt = r.clock.Now()

	if r.status == Running {
		r.booting = false
	}

	return r.status
}

// fetchStatus computes a fresh status from the two independent signals: the
// supervisor's view of the unit and the node's self-reported state. An
// unresponsive or incoherent node is stopped and reported Off.
func (r *Runner) fetchStatus() Status {
	if !r.sup.IsActive(r.unit) {
		return Off
	}

	stats, err := r.stats()
	if err != nil {
		// one retry absorbs transient REST hiccups
		stats, err = r.stats()
	}

	if err != nil {
		r.logger.WithError(err).Error("Runner not responding to REST requests, stopping")
		r.stopUnit()
		return Off
	}

	switch stats.State {
	case "Running":
		return Running
	case "Bootstrapping", "PreparingBlock0":
		return Booting
	default:
		r.logger.WithField("state", stats.State).Error("Runner reports unrecognized state, stopping")
		r.stopUnit()
		return Off
	}
}

// Height returns the last known block height, or 0 if the node cannot be
// queried. Collapsing failure to the lowest possible height keeps height
// comparisons meaningful.
func (r *Runner) Height() int64 {
	if !r.heightAt.IsZero() && r.clock.Now().Sub(r.heightAt) < cacheTTL {
		return r.height
	}

	stats, err := r.stats()
	if err != nil {
		r.height = 0
	} else {
		r.height = stats.LastBlockHeight
	}
	r.heightAt = r.clock.Now()

	return r.height
}

// Uptime returns the node's self-reported uptime in seconds, or 0 if the
// node cannot be queried.
func (r *Runner) Uptime() int64 {
	if !r.uptimeAt.IsZero() && r.clock.Now().Sub(r.uptimeAt) < cacheTTL {
		return r.uptime
	}

	stats, err := r.stats()
	if err != nil {
		r.uptime = 0
	} else {
		r.uptime = stats.Uptime
	}
	r.uptimeAt = r.clock.Now()

	return r.uptime
}

// ServiceUptime returns how long the supervisor unit has been active, in
// seconds. Unlike Uptime, this survives a node process that has not
// initialized far enough to report anything.
func (r *Runner) ServiceUptime() int64 {
	since, err := r.sup.ActiveSince(r.unit)
	if err != nil {
		// fall back to our own record of the restart, if any
		if r.bootStart.IsZero() {
			return 0
		}
		return int64(r.clock.Now().Sub(r.bootStart) / time.Second)
	}

	up := r.clock.Now().Unix() - since
	if up < 0 {
		return 0
	}
	return up
}

// Restart issues a supervisor restart (stop-then-start regardless of current
// state) and invalidates the status cache so the next read is fresh.
func (r *Runner) Restart() {
	r.logger.Info("(Re)starting runner")

	if err := r.sup.Restart(r.unit); err != nil {
		r.logger.WithError(err).Error("Cannot restart runner")
		return
	}

	r.booting = true
	r.bootStart = r.clock.Now()
	r.statusAt = time.Time{}
}

// Stop stops the supervisor unit.
func (r *Runner) Stop() {
	r.logger.Info("Stopping runner")
	r.stopUnit()
	r.statusAt = time.Time{}
}

func (r *Runner) stopUnit() {
	if err := r.sup.Stop(r.unit); err != nil {
		r.logger.WithError(err).Error("Cannot stop runner")
	}
	r.booting = false
}

// Suspend pauses the node process without terminating it, preserving
// bootstrap progress.
func (r *Runner) Suspend() {
	r.logger.Info("Suspending runner")
	if err := r.sup.Signal(r.unit, "SIGSTOP"); err != nil {
		r.logger.WithError(err).Error("Cannot suspend runner")
	}
}

// Resume unpauses a suspended node process.
func (r *Runner) Resume() {
	r.logger.Info("Resuming runner")
	if err := r.sup.Signal(r.unit, "SIGCONT"); err != nil {
		r.logger.WithError(err).Error("Cannot resume runner")
	}
}

func (r *Runner) settings() (*nodeSettings, error) {
	s := new(nodeSettings)
	if err := r.getJSON("/settings", s); err != nil {
		return nil, err
	}
	return s, nil
}

// BlockZeroTime returns the chain's block-0 unix time from the node's
// settings, or false if it cannot be obtained.
func (r *Runner) BlockZeroTime() (int64, bool) {
	s, err := r.settings()
	if err != nil {
		return 0, false
	}

	t, err := common.UnixTime(s.Block0Time)
	if err != nil {
		r.logger.WithError(err).Error("Cannot parse block0Time")
		return 0, false
	}

	r.logger.WithField("block0Time", t).Info("Obtained block0Time")
	return t, true
}

// SlotDuration returns the chain's slot duration in seconds, or false if it
// cannot be obtained.
func (r *Runner) SlotDuration() (int64, bool) {
	s, err := r.settings()
	if err != nil || s.SlotDuration <= 0 {
		return 0, false
	}

	r.logger.WithField("slotDuration", s.SlotDuration).Info("Obtained slotDuration")
	return s.SlotDuration, true
}

// SlotsPerEpoch returns the chain's slots-per-epoch count, or false if it
// cannot be obtained.
func (r *Runner) SlotsPerEpoch() (int64, bool) {
	s, err := r.settings()
	if err != nil || s.SlotsPerEpoch <= 0 {
		return 0, false
	}

	r.logger.WithField("slotsPerEpoch", s.SlotsPerEpoch).Info("Obtained slotsPerEpoch")
	return s.SlotsPerEpoch, true
}

// LeaderIDs returns the node's registered leader ids, empty on any failure.
func (r *Runner) LeaderIDs() []int {
	var ids []int
	if err := r.getJSON("/leaders", &ids); err != nil {
		return nil
	}
	return ids
}

// IsLeader reports whether the runner has at least one registered leader id.
func (r *Runner) IsLeader() bool {
	return len(r.LeaderIDs()) > 0
}

// LeaderEvents returns the strictly-future scheduled signing times from the
// node's leader log, sorted ascending. A failed query degrades to an empty
// schedule; an unparseable timestamp is a hard error because it means the
// node is speaking a dialect we do not understand.
func (r *Runner) LeaderEvents() ([]int64, error) {
	var entries []leaderLogEntry
	if err := r.getJSON("/leaders/logs", &entries); err != nil {
		r.logger.WithError(err).Debug("Cannot read leader logs")
		return nil, nil
	}

	now := r.clock.Now().Unix()

	var events []int64
	for _, e := range entries {
		t, err := common.UnixTime(e.ScheduledAtTime)
		if err != nil {
			return nil, err
		}
		if t > now {
			events = append(events, t)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })

	r.logger.WithField("events", len(events)).Info("Leader events scheduled for the current epoch")

	return events, nil
}

// Promote registers the locally-stored secret with the node's leader
// endpoint, making it able to sign blocks. Failures are logged, never
// propagated: leadership simply remains unset and is retried next cycle.
func (r *Runner) Promote() {
	r.logger.Info("Promoting runner to leader")

	raw, err := ioutil.ReadFile(r.secretFile)
	if err != nil {
		r.logger.WithError(err).Error("Cannot promote runner to leader")
		return
	}

	var secret interface{}
	if err := yaml.Unmarshal(raw, &secret); err != nil {
		r.logger.WithError(err).Error("Cannot promote runner to leader")
		return
	}

	body := new(bytes.Buffer)
	if err := codec.NewEncoder(body, jsonHandle).Encode(jsonCompatible(secret)); err != nil {
		r.logger.WithError(err).Error("Cannot promote runner to leader")
		return
	}

	resp, err := r.httpClient.Post(r.baseURL+"/leaders", "application/json", body)
	if err != nil {
		r.logger.WithError(err).Error("Cannot promote runner to leader")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		r.logger.WithField("status", resp.Status).Error("Cannot promote runner to leader")
	}
}

// Demote removes every registered leader id, making the runner a passive
// node. Partial failure leaves a partially-demoted node, corrected on a
// later cycle.
func (r *Runner) Demote() {
	for _, id := range r.LeaderIDs() {
		r.logger.WithField("leader_id", id).Info("Removing leader id from runner")

		req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/leaders/%d", r.baseURL, id), nil)
		if err != nil {
			r.logger.WithError(err).Error("Cannot demote runner")
			continue
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			r.logger.WithError(err).Error("Cannot demote runner")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 300 {
			r.logger.WithField("status", resp.Status).Error("Cannot demote runner")
		}
	}
}

// jsonCompatible rewrites the map types produced by the YAML decoder into
// string-keyed maps that a JSON encoder accepts.
func jsonCompatible(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return m
	case []interface{}:
		for i := range v {
			v[i] = jsonCompatible(v[i])
		}
		return v
	default:
		return v
	}
}
