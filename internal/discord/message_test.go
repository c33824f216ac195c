package discord

import (
	"errors"
	"strings"
	"testing"
)

const sampleMessageJSON = `{
	"id": "m-1",
	"tts": false,
	"mentions": [],
	"channel_id": "c-1",
	"guild_id": "g-1",
	"author": {"id": "u-1", "username": "wren", "discriminator": "0420", "avatar": "abc", "public_flags": 64},
	"member": {"nick": "Wren of the Woods"},
	"content": "hello",
	"attachments": [{"id": "a-1", "proxy_url": "https://media.example/a.png", "content_type": "image/png", "width": 10, "height": 10}],
	"guild_name": "Forest",
	"channel_name": "general"
}`

func TestDecodeMessageAcceptsRawAndEnvelopedPayloads(t *testing.T) {
	direct, err := DecodeMessage([]byte(sampleMessageJSON))
	if err != nil {
		t.Fatalf("decode direct payload: %v", err)
	}

	compact := strings.NewReplacer("\n", "", "\t", "").Replace(sampleMessageJSON)
	escaped := strings.ReplaceAll(compact, `"`, `\"`)
	enveloped, err := DecodeMessage([]byte(`{"data":"` + escaped + `"}`))
	if err != nil {
		t.Fatalf("decode enveloped payload: %v", err)
	}

	for name, message := range map[string]Message{"direct": direct, "enveloped": enveloped} {
		if message.ID != "m-1" || message.Author.ID != "u-1" {
			t.Fatalf("%s: unexpected identifiers %q/%q", name, message.ID, message.Author.ID)
		}
		if message.Nickname() != "Wren of the Woods" {
			t.Fatalf("%s: unexpected nickname %q", name, message.Nickname())
		}
		if len(message.Attachments) != 1 || message.Attachments[0].Width == nil {
			t.Fatalf("%s: expected one dimensioned attachment", name)
		}
	}
}

func TestDecodeMessageRejectsMissingAuthor(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"id":"m-1","author":{"username":"wren"}}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected invalid message error, got %v", err)
	}
}

func TestDecodeMessageToleratesAbsentOptionalFields(t *testing.T) {
	message, err := DecodeMessage([]byte(`{"id":"m-1","channel_id":"c-1","author":{"id":"u-1","username":"wren","discriminator":"0"}}`))
	if err != nil {
		t.Fatalf("decode minimal payload: %v", err)
	}
	if message.IsProxied() {
		t.Fatalf("expected message without pk flag to be unproxied")
	}
	if message.GuildIDValue() != "" || message.Nickname() != "" || message.GuildAvatarHash() != "" {
		t.Fatalf("expected empty guild data for direct message")
	}
	snapshot := message.Snapshot()
	if snapshot.PublicFlags != 0 || snapshot.Avatar != "" {
		t.Fatalf("unexpected snapshot defaults: %+v", snapshot)
	}
}

func TestMessageSubtitle(t *testing.T) {
	guild := "Forest"
	channel := "general"
	testCases := []struct {
		name    string
		message Message
		want    string
	}{
		{name: "guild-and-channel", message: Message{GuildName: &guild, ChannelName: &channel}, want: "Forest - general"},
		{name: "guild-only", message: Message{GuildName: &guild}, want: "Forest"},
		{name: "channel-only", message: Message{ChannelName: &channel}, want: "general"},
		{name: "none", message: Message{}, want: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := testCase.message.Subtitle(); got != testCase.want {
				t.Fatalf("subtitle = %q, want %q", got, testCase.want)
			}
		})
	}
}

func TestAvatarURLsUseDistinctPaths(t *testing.T) {
	primary := UserAvatarURL("u-1", "abc")
	guild := GuildMemberAvatarURL("g-1", "u-1", "def")
	if !strings.Contains(primary, "/avatars/u-1/abc") {
		t.Fatalf("unexpected primary avatar url %q", primary)
	}
	if !strings.Contains(guild, "/guilds/g-1/users/u-1/avatars/def") {
		t.Fatalf("unexpected guild avatar url %q", guild)
	}
	if GuildAvatarSubject("g-1", "u-1") == "u-1" {
		t.Fatalf("guild avatar subject must differ from the user subject")
	}
}
