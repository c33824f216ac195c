package preferences

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownStrategy indicates that a stored or submitted strategy kind is not recognized.
var ErrUnknownStrategy = errors.New("preferences: unknown strategy")

// NameStrategyKind enumerates the ways a display name can be derived.
type NameStrategyKind string

const (
	NameUsername                   NameStrategyKind = "username"
	NameCustomLabel                NameStrategyKind = "custom_label"
	NameGuildNickname              NameStrategyKind = "guild_nickname"
	NameIntegrationProxiedIdentity NameStrategyKind = "integration_proxied_identity"
	NameIntegrationGroupMembers    NameStrategyKind = "integration_group_members"
	NameIntegrationGroupName       NameStrategyKind = "integration_group_name"
)

// NameStrategy is a tagged variant; Label is only meaningful for NameCustomLabel.
type NameStrategy struct {
	Kind  NameStrategyKind `json:"kind"`
	Label string           `json:"label,omitempty"`
}

// UsernameStrategy is the unconditional name fallback.
func UsernameStrategy() NameStrategy {
	return NameStrategy{Kind: NameUsername}
}

// CustomLabel builds a user-defined fixed name.
func CustomLabel(text string) NameStrategy {
	return NameStrategy{Kind: NameCustomLabel, Label: text}
}

// NameOf builds a strategy without payload.
func NameOf(kind NameStrategyKind) NameStrategy {
	return NameStrategy{Kind: kind}
}

// UsesIntegration reports whether the strategy needs the identity integration.
func (s NameStrategy) UsesIntegration() bool {
	switch s.Kind {
	case NameIntegrationProxiedIdentity, NameIntegrationGroupMembers, NameIntegrationGroupName:
		return true
	default:
		return false
	}
}

// String returns the label shown in settings listings.
func (s NameStrategy) String() string {
	switch s.Kind {
	case NameUsername:
		return "Username"
	case NameCustomLabel:
		return "Custom"
	case NameGuildNickname:
		return "Nickname"
	case NameIntegrationProxiedIdentity:
		return "Proxied Member"
	case NameIntegrationGroupMembers:
		return "Fronter(s)"
	case NameIntegrationGroupName:
		return "System Name"
	default:
		return string(s.Kind)
	}
}

func (s NameStrategy) valid() bool {
	switch s.Kind {
	case NameUsername, NameCustomLabel, NameGuildNickname,
		NameIntegrationProxiedIdentity, NameIntegrationGroupMembers, NameIntegrationGroupName:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects unknown kinds so stored lists never carry unusable entries.
func (s *NameStrategy) UnmarshalJSON(data []byte) error {
	type plain NameStrategy
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	candidate := NameStrategy(decoded)
	if !candidate.valid() {
		return fmt.Errorf("%w: name %q", ErrUnknownStrategy, decoded.Kind)
	}
	if candidate.Kind != NameCustomLabel {
		candidate.Label = ""
	}
	*s = candidate
	return nil
}

// AvatarStrategyKind enumerates the ways an avatar image can be derived.
type AvatarStrategyKind string

const (
	AvatarPrimary            AvatarStrategyKind = "primary_avatar"
	AvatarGuild              AvatarStrategyKind = "guild_avatar"
	AvatarIntegrationProxied AvatarStrategyKind = "integration_proxied_avatar"
	AvatarIntegrationMember  AvatarStrategyKind = "integration_member_avatar"
	AvatarIntegrationGroup   AvatarStrategyKind = "integration_group_avatar"
)

// AvatarStrategy is a payload-free variant wrapped in a struct for symmetry with NameStrategy.
type AvatarStrategy struct {
	Kind AvatarStrategyKind `json:"kind"`
}

// PrimaryAvatarStrategy is the unconditional avatar fallback.
func PrimaryAvatarStrategy() AvatarStrategy {
	return AvatarStrategy{Kind: AvatarPrimary}
}

// AvatarOf builds an avatar strategy.
func AvatarOf(kind AvatarStrategyKind) AvatarStrategy {
	return AvatarStrategy{Kind: kind}
}

// UsesIntegration reports whether the strategy needs the identity integration.
func (s AvatarStrategy) UsesIntegration() bool {
	switch s.Kind {
	case AvatarIntegrationProxied, AvatarIntegrationMember, AvatarIntegrationGroup:
		return true
	default:
		return false
	}
}

// String returns the label shown in settings listings.
func (s AvatarStrategy) String() string {
	switch s.Kind {
	case AvatarPrimary:
		return "Avatar"
	case AvatarGuild:
		return "Server Avatar"
	case AvatarIntegrationProxied:
		return "Proxied Member Avatar"
	case AvatarIntegrationMember:
		return "Fronter(s)"
	case AvatarIntegrationGroup:
		return "System Avatar"
	default:
		return string(s.Kind)
	}
}

func (s AvatarStrategy) valid() bool {
	switch s.Kind {
	case AvatarPrimary, AvatarGuild, AvatarIntegrationProxied, AvatarIntegrationMember, AvatarIntegrationGroup:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects unknown kinds.
func (s *AvatarStrategy) UnmarshalJSON(data []byte) error {
	type plain AvatarStrategy
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	candidate := AvatarStrategy(decoded)
	if !candidate.valid() {
		return fmt.Errorf("%w: avatar %q", ErrUnknownStrategy, decoded.Kind)
	}
	*s = candidate
	return nil
}
