package common

import (
	"fmt"
	"regexp"
	"time"
)

// Layouts for the two textual timestamp formats that appear at the system
// boundary: the node's settings/schedule endpoints use ISO-8601 with a
// numeric offset, and `systemctl show` reports timestamps in the journal
// form.
const (
	isoLayout     = "2006-01-02T15:04:05-07:00"
	journalLayout = "Mon 2006-01-02 15:04:05 MST"
)

var (
	isoPattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}[+-]\d{2}:\d{2}$`)
	journalPattern = regexp.MustCompile(`^[A-Za-z]{3} \d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} [A-Za-z]{3,4}$`)
)

// UnixTime converts a timestamp in either supported format to unix time. An
// input that matches neither format is a hard error; it means we are looking
// at data we do not understand and must not guess around.
func UnixTime(s string) (int64, error) {
	switch {
	case isoPattern.MatchString(s):
		t, err := time.Parse(isoLayout, s)
		if err != nil {
			return 0, err
		}
		return t.Unix(), nil
	case journalPattern.MatchString(s):
		t, err := time.Parse(journalLayout, s)
		if err != nil {
			return 0, err
		}
		return t.Unix(), nil
	default:
		return 0, fmt.Errorf("unrecognized timestamp format: %q", s)
	}
}
