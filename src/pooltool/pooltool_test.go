package pooltool

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/neopool/jormaster/src/common"
)

type fakePoolTool struct {
	tips        []string
	statsCalls  int
	failStats   bool
	majorityMax int64
}

func (f *fakePoolTool) server() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/tip", func(w http.ResponseWriter, r *http.Request) {
		f.tips = append(f.tips, r.URL.RawQuery)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		f.statsCalls++
		if f.failStats {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]int64{"majoritymax": f.majorityMax})
	})

	return httptest.NewServer(mux)
}

func newTestPoolTool(t *testing.T, f *fakePoolTool, clk clock.Clock) (*PoolTool, *httptest.Server) {
	srv := f.server()
	conf := Config{
		TipURL:      srv.URL + "/tip",
		StatsURL:    srv.URL + "/stats",
		PoolID:      "pool",
		UserID:      "user",
		GenesisHash: "8e4d2a343f3dcf9330ad9035b3e8d168",
		Interval:    30 * time.Second,
	}
	return New(conf, clk, common.NewTestEntry(t, "pooltool")), srv
}

func TestSendHeightDedup(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1600000000, 0))

	f := &fakePoolTool{}
	p, srv := newTestPoolTool(t, f, clk)
	defer srv.Close()

	p.SendHeight(100)
	p.SendHeight(100)

	if len(f.tips) != 1 {
		t.Fatalf("same height twice should push once, got %d pushes", len(f.tips))
	}
	if want := "poolid=pool&userid=user&genesispref=8e4d2a343f3dcf&mytip=100"; f.tips[0] != want {
		t.Errorf("tip query => %q, want %q", f.tips[0], want)
	}
}

func TestSendHeightRateLimit(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1600000000, 0))

	f := &fakePoolTool{}
	p, srv := newTestPoolTool(t, f, clk)
	defer srv.Close()

	p.SendHeight(100)
	p.SendHeight(101) // higher, but inside the interval

	if len(f.tips) != 1 {
		t.Fatalf("push inside the rate limit window should be skipped, got %d", len(f.tips))
	}

	clk.Add(31 * time.Second)
	p.SendHeight(101)

	if len(f.tips) != 2 {
		t.Fatalf("push after the window should go through, got %d", len(f.tips))
	}
}

func TestSendHeightZeroAndRegression(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1600000000, 0))

	f := &fakePoolTool{}
	p, srv := newTestPoolTool(t, f, clk)
	defer srv.Close()

	p.SendHeight(0)
	if len(f.tips) != 0 {
		t.Errorf("height 0 should never be pushed")
	}

	p.SendHeight(100)
	clk.Add(31 * time.Second)
	p.SendHeight(99)
	if len(f.tips) != 1 {
		t.Errorf("a height regression should never be pushed, got %d pushes", len(f.tips))
	}
}

func TestMajorityMax(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1600000000, 0))

	f := &fakePoolTool{majorityMax: 4242}
	p, srv := newTestPoolTool(t, f, clk)
	defer srv.Close()

	if got := p.MajorityMax(); got != 4242 {
		t.Fatalf("MajorityMax() => %d, want 4242", got)
	}

	// cached inside the interval
	f.majorityMax = 5000
	if got := p.MajorityMax(); got != 4242 {
		t.Errorf("MajorityMax() inside interval => %d, want cached 4242", got)
	}
	if f.statsCalls != 1 {
		t.Errorf("expected 1 stats call, got %d", f.statsCalls)
	}

	clk.Add(31 * time.Second)
	if got := p.MajorityMax(); got != 5000 {
		t.Errorf("MajorityMax() after interval => %d, want 5000", got)
	}
}

func TestMajorityMaxSticky(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1600000000, 0))

	f := &fakePoolTool{majorityMax: 4242}
	p, srv := newTestPoolTool(t, f, clk)
	defer srv.Close()

	p.MajorityMax()

	f.failStats = true
	clk.Add(31 * time.Second)

	if got := p.MajorityMax(); got != 4242 {
		t.Errorf("MajorityMax() on failure => %d, want last known 4242", got)
	}
}
