package discord

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMessage indicates that a payload could not be decoded into a usable message.
	ErrInvalidMessage = errors.New("discord: invalid message payload")
)

// Author is the message sender as observed when the notification was produced.
type Author struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar,omitempty"`
	PublicFlags   *int    `json:"public_flags,omitempty"`
	Bot           *bool   `json:"bot,omitempty"`
}

// AvatarHash returns the primary avatar hash or an empty string when the author uses the default avatar.
func (a Author) AvatarHash() string {
	if a.Avatar == nil {
		return ""
	}
	return strings.TrimSpace(*a.Avatar)
}

// Member carries the per-guild overrides of the author.
type Member struct {
	Avatar *string `json:"avatar,omitempty"`
	Nick   *string `json:"nick,omitempty"`
}

// Attachment describes a file attached to the message.
// Width is only present for media the server has dimensioned.
type Attachment struct {
	ID          string  `json:"id"`
	ProxyURL    string  `json:"proxy_url"`
	ContentType *string `json:"content_type,omitempty"`
	Width       *int    `json:"width,omitempty"`
	Height      *int    `json:"height,omitempty"`
}

// Message is the decoded notification payload.
type Message struct {
	ID          string       `json:"id"`
	TTS         bool         `json:"tts"`
	Mentions    []Author     `json:"mentions"`
	ChannelID   string       `json:"channel_id"`
	GuildID     *string      `json:"guild_id,omitempty"`
	Author      Author       `json:"author"`
	Member      *Member      `json:"member,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	GuildName   *string      `json:"guild_name,omitempty"`
	ChannelName *string      `json:"channel_name,omitempty"`
	PK          *bool        `json:"pk,omitempty"`
}

// IsProxied reports whether the message was sent through a proxy on behalf of another identity.
func (m Message) IsProxied() bool {
	return m.PK != nil && *m.PK
}

// GuildIDValue returns the guild id or an empty string for direct messages.
func (m Message) GuildIDValue() string {
	if m.GuildID == nil {
		return ""
	}
	return strings.TrimSpace(*m.GuildID)
}

// Nickname returns the guild nickname of the author, if any.
func (m Message) Nickname() string {
	if m.Member == nil || m.Member.Nick == nil {
		return ""
	}
	return strings.TrimSpace(*m.Member.Nick)
}

// GuildAvatarHash returns the guild-specific avatar hash of the author, if any.
func (m Message) GuildAvatarHash() string {
	if m.Member == nil || m.Member.Avatar == nil {
		return ""
	}
	return strings.TrimSpace(*m.Member.Avatar)
}

// Subtitle renders "guild - channel", falling back to whichever part is present.
func (m Message) Subtitle() string {
	guild := optionalString(m.GuildName)
	channel := optionalString(m.ChannelName)
	switch {
	case guild != "" && channel != "":
		return guild + " - " + channel
	case guild != "":
		return guild
	default:
		return channel
	}
}

// Snapshot captures the passively observed author metadata used for drift detection.
func (m Message) Snapshot() AuthorSnapshot {
	flags := 0
	if m.Author.PublicFlags != nil {
		flags = *m.Author.PublicFlags
	}
	return AuthorSnapshot{
		Username:      m.Author.Username,
		Discriminator: m.Author.Discriminator,
		PublicFlags:   flags,
		Avatar:        m.Author.AvatarHash(),
	}
}

// AuthorSnapshot is the last observed public metadata of an author.
type AuthorSnapshot struct {
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	PublicFlags   int    `json:"public_flags"`
	Avatar        string `json:"avatar,omitempty"`
}

// String renders the legacy "username#discriminator" tag.
func (s AuthorSnapshot) String() string {
	return s.Username + "#" + s.Discriminator
}

type pushEnvelope struct {
	Data *string `json:"data"`
}

// DecodeMessage parses a raw notification body. The body may be the message object itself
// or a push envelope carrying the message JSON as a string under "data".
func DecodeMessage(raw []byte) (Message, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if envelope.Data != nil {
		raw = []byte(*envelope.Data)
	}

	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := message.validate(); err != nil {
		return Message{}, err
	}
	return message, nil
}

func (m Message) validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Author.ID) == "" {
		return fmt.Errorf("%w: missing author id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Author.Username) == "" {
		return fmt.Errorf("%w: missing author username", ErrInvalidMessage)
	}
	return nil
}

func optionalString(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
