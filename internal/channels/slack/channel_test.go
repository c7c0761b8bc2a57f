package slack

import "testing"

func TestStripMentions(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<@U123> deploy it", "deploy it"},
		{"hand off to <@U123> and <@U456>", "hand off to  and"},
		{"no mentions", "no mentions"},
		{"<@U123", "<@U123"},
	}
	for _, tt := range tests {
		if got := stripMentions(tt.in); got != tt.want {
			t.Errorf("stripMentions(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSlackTimestampMs(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1700000000.123456", 1700000000123},
		{"1700000000.000001", 1700000000000},
		{"garbage", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := slackTimestampMs(tt.in); got != tt.want {
			t.Errorf("slackTimestampMs(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
