package pluralkit

import "strings"

// GroupProfile is the identity group ("system") an account belongs to.
type GroupProfile struct {
	ID        string
	Name      string
	AvatarURL string
}

// GroupMember is one member of an identity group, typically a current fronter.
type GroupMember struct {
	ID          string
	Name        string
	DisplayName string
	AvatarURL   string
}

// Label prefers the display name and falls back to the member name.
func (m GroupMember) Label() string {
	if display := strings.TrimSpace(m.DisplayName); display != "" {
		return display
	}
	return strings.TrimSpace(m.Name)
}

// SenderProfile is the identity behind a proxied message.
type SenderProfile struct {
	MessageID   string
	SystemID    string
	MemberID    string
	DisplayName string
	AvatarURL   string
}

type systemPayload struct {
	ID        string  `json:"id"`
	Name      *string `json:"name"`
	AvatarURL *string `json:"avatar_url"`
}

type memberPayload struct {
	ID               string  `json:"id"`
	Name             *string `json:"name"`
	DisplayName      *string `json:"display_name"`
	AvatarURL        *string `json:"avatar_url"`
	WebhookAvatarURL *string `json:"webhook_avatar_url"`
}

type frontersPayload struct {
	Members []memberPayload `json:"members"`
}

type messagePayload struct {
	ID     string         `json:"id"`
	System *systemPayload `json:"system"`
	Member *memberPayload `json:"member"`
}

func (p systemPayload) profile() GroupProfile {
	return GroupProfile{
		ID:        p.ID,
		Name:      deref(p.Name),
		AvatarURL: deref(p.AvatarURL),
	}
}

func (p memberPayload) member() GroupMember {
	return GroupMember{
		ID:          p.ID,
		Name:        deref(p.Name),
		DisplayName: deref(p.DisplayName),
		AvatarURL:   deref(p.AvatarURL),
	}
}

func (p messagePayload) sender() SenderProfile {
	profile := SenderProfile{MessageID: p.ID}
	if p.System != nil {
		profile.SystemID = p.System.ID
	}
	if p.Member != nil {
		member := p.Member.member()
		profile.MemberID = member.ID
		profile.DisplayName = member.Label()
		profile.AvatarURL = member.AvatarURL
		if profile.AvatarURL == "" {
			profile.AvatarURL = deref(p.Member.WebhookAvatarURL)
		}
	}
	return profile
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
