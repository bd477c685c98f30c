package runner

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/neopool/jormaster/src/common"
)

// Supervisor is the process-supervisor surface a Runner needs: unit
// lifecycle, liveness, pause/resume signals, and the unit's activation time.
type Supervisor interface {
	Stop(unit string) error
	Restart(unit string) error
	IsActive(unit string) bool
	// Signal sends a named signal (eg. SIGSTOP, SIGCONT) to the unit's main
	// process without changing the unit state.
	Signal(unit string, sig string) error
	// ActiveSince returns the unix time at which the unit last became
	// active.
	ActiveSince(unit string) (int64, error)
}

// Systemd drives units through the systemctl command line.
type Systemd struct{}

// NewSystemd returns a systemctl-backed Supervisor.
func NewSystemd() *Systemd {
	return &Systemd{}
}

// Stop ...
func (s *Systemd) Stop(unit string) error {
	return exec.Command("systemctl", "stop", unit).Run()
}

// Restart ...
func (s *Systemd) Restart(unit string) error {
	return exec.Command("systemctl", "restart", unit).Run()
}

// IsActive ...
func (s *Systemd) IsActive(unit string) bool {
	return exec.Command("systemctl", "is-active", "--quiet", unit).Run() == nil
}

// Signal ...
func (s *Systemd) Signal(unit string, sig string) error {
	return exec.Command("systemctl", "kill", "-s", sig, unit).Run()
}

// ActiveSince queries the ActiveEnterTimestamp property, which systemctl
// prints in the journal format handled by common.UnixTime.
func (s *Systemd) ActiveSince(unit string) (int64, error) {
	out, err := exec.Command("systemctl", "show", unit,
		"--property=ActiveEnterTimestamp", "--value").Output()
	if err != nil {
		return 0, err
	}

	ts := strings.TrimSpace(string(out))
	if ts == "" {
		return 0, fmt.Errorf("unit %s has no ActiveEnterTimestamp", unit)
	}

	return common.UnixTime(ts)
}
