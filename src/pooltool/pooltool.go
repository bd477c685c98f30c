// Package pooltool reports the fleet's best-known block height to the
// PoolTool service and pulls back the cross-fleet majority-max reference
// height. Both directions are rate limited so a tight control loop cannot
// hammer the external service.
package pooltool

import (
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

var jsonHandle = new(codec.JsonHandle)

// Config carries the endpoints and identifiers of the PoolTool account.
type Config struct {
	// TipURL is the sharemytip endpoint, without query parameters.
	TipURL string
	// StatsURL serves the global stats document containing majoritymax.
	StatsURL string
	// PoolID and UserID identify the pool and the reporting account.
	PoolID string
	UserID string
	// GenesisHash is the chain's genesis block hash; only its first 14
	// characters are sent.
	GenesisHash string
	// Interval is the minimum time between requests, applied to sends and
	// receives independently.
	Interval time.Duration
}

// PoolTool is the telemetry reporter. Not safe for concurrent use; the
// control loop is the only caller.
type PoolTool struct {
	conf       Config
	httpClient *http.Client
	clock      clock.Clock
	logger     *logrus.Entry

	lastSentHeight int64
	lastSentAt     time.Time
	lastRecvAt     time.Time
	majorityMax    int64
}

// New returns a PoolTool reporter.
func New(conf Config, clk clock.Clock, logger *logrus.Entry) *PoolTool {
	return &PoolTool{
		conf:       conf,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		clock:      clk,
		logger:     logger,
	}
}

func (p *PoolTool) tipURL(height int64) string {
	genesisPref := p.conf.GenesisHash
	if len(genesisPref) > 14 {
		genesisPref = genesisPref[:14]
	}
	return fmt.Sprintf("%s?poolid=%s&userid=%s&genesispref=%s&mytip=%d",
		p.conf.TipURL, p.conf.PoolID, p.conf.UserID, genesisPref, height)
}

// SendHeight pushes the current tip to PoolTool. It is a no-op unless the
// height strictly increased since the last successful send and the rate
// limit interval has elapsed; on failure nothing is recorded, so the next
// cycle retries.
func (p *PoolTool) SendHeight(height int64) {
	if height <= p.lastSentHeight {
		return
	}
	if !p.lastSentAt.IsZero() && p.clock.Now().Sub(p.lastSentAt) < p.conf.Interval {
		return
	}

	p.logger.WithField("height", height).Info("Sending height to PoolTool")

	resp, err := p.httpClient.Get(p.tipURL(height))
	if err != nil {
		p.logger.WithError(err).Error("Cannot connect to PoolTool")
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		p.logger.WithField("status", resp.Status).Error("PoolTool rejected height report")
		return
	}

	p.lastSentHeight = height
	p.lastSentAt = p.clock.Now()
}

// MajorityMax returns the cross-fleet majority-max height, refreshing at
// most once per interval. On any failure the previous value is kept; it
// starts at 0, the lowest possible height.
func (p *PoolTool) MajorityMax() int64 {
	if !p.lastRecvAt.IsZero() && p.clock.Now().Sub(p.lastRecvAt) < p.conf.Interval {
		return p.majorityMax
	}

	value, err := p.fetchMajorityMax()
	if err != nil {
		p.logger.WithError(err).WithField("last_known", p.majorityMax).
			Warn("Couldn't update majority max from PoolTool, using last known value")
		return p.majorityMax
	}

	p.majorityMax = value
	p.lastRecvAt = p.clock.Now()

	return p.majorityMax
}

func (p *PoolTool) fetchMajorityMax() (int64, error) {
	resp, err := p.httpClient.Get(p.conf.StatsURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET stats: %s", resp.Status)
	}

	var stats struct {
		MajorityMax int64 `json:"majoritymax"`
	}
	if err := codec.NewDecoder(resp.Body, jsonHandle).Decode(&stats); err != nil {
		return 0, err
	}

	return stats.MajorityMax, nil
}
