package agent

import (
	"testing"
	"time"
)

func TestTimestampPrefix(t *testing.T) {
	now := time.Date(2026, 8, 24, 2, 15, 0, 0, time.UTC)

	got := TimestampPrefix("UTC", now)
	if got != "[Monday 2026-08-24 02:15 UTC]" {
		t.Errorf("prefix = %q", got)
	}

	if TimestampPrefix("", now) != "" {
		t.Error("empty tz should produce no prefix")
	}
	if TimestampPrefix("Not/AZone", now) != "" {
		t.Error("unknown tz should produce no prefix")
	}
}

func TestPrefixMessage(t *testing.T) {
	now := time.Date(2026, 8, 24, 2, 15, 0, 0, time.UTC)
	got := PrefixMessage("hello", "UTC", now)
	if got != "[Monday 2026-08-24 02:15 UTC] hello" {
		t.Errorf("message = %q", got)
	}
	if PrefixMessage("hello", "", now) != "hello" {
		t.Error("no tz should leave message untouched")
	}
}
