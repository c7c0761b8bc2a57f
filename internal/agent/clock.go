package agent

import (
	"fmt"
	"time"
)

// TimestampPrefix renders the local-time prefix added to inbound text
// when agents.defaults.userTimezone is set, e.g.
// "[Monday 2026-08-24 09:15 ICT]". An unknown zone returns "".
func TimestampPrefix(tz string, now time.Time) string {
	if tz == "" {
		return ""
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return ""
	}
	local := now.In(loc)
	return fmt.Sprintf("[%s %s]", local.Weekday(), local.Format("2006-01-02 15:04 MST"))
}

// PrefixMessage prepends the timestamp prefix to text when tz resolves.
func PrefixMessage(text, tz string, now time.Time) string {
	prefix := TimestampPrefix(tz, now)
	if prefix == "" {
		return text
	}
	return prefix + " " + text
}
