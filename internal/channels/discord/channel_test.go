package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func msgWithMentions(ids ...string) *discordgo.MessageCreate {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{}}
	for _, id := range ids {
		m.Mentions = append(m.Mentions, &discordgo.User{ID: id})
	}
	return m
}

func TestMentionsBot(t *testing.T) {
	if !mentionsBot(msgWithMentions("111", "222"), "222") {
		t.Error("direct mention not detected")
	}
	if mentionsBot(msgWithMentions("111"), "222") {
		t.Error("mention of another user detected as bot mention")
	}

	replied := msgWithMentions()
	replied.ReferencedMessage = &discordgo.Message{Author: &discordgo.User{ID: "222"}}
	if !mentionsBot(replied, "222") {
		t.Error("reply to bot message not detected")
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<@222> hello", "hello"},
		{"<@!222> hello", "hello"},
		{"hello <@222>", "hello"},
		{"no mention", "no mention"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in, "222"); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "user", GlobalName: "Global"},
		Member: &discordgo.Member{Nick: "Nick"},
	}}
	if got := displayName(m); got != "Nick" {
		t.Errorf("displayName = %q, want server nickname", got)
	}
	m.Member = nil
	if got := displayName(m); got != "Global" {
		t.Errorf("displayName = %q, want global name", got)
	}
	m.Author.GlobalName = ""
	if got := displayName(m); got != "user" {
		t.Errorf("displayName = %q, want username", got)
	}
}

func TestResolveChannel(t *testing.T) {
	a := &account{}
	a.dmChannels.Store("user-1", "dm-9")
	if got := a.resolveChannel("user-1"); got != "dm-9" {
		t.Errorf("resolveChannel(user) = %q, want DM channel", got)
	}
	if got := a.resolveChannel("chan-5"); got != "chan-5" {
		t.Errorf("resolveChannel(channel) = %q", got)
	}
}
