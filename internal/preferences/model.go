package preferences

import (
	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
)

// IntegrationConfig enables the identity integration for a user.
// LookupID overrides the key sent to the identity service; empty means the author id.
type IntegrationConfig struct {
	LookupID string `json:"lookup_id,omitempty"`
}

// ContactRef links an author to an address-book entry on the receiving device.
type ContactRef struct {
	Identifier  string  `json:"identifier"`
	DisplayName *string `json:"display_name,omitempty"`
}

// Preferences are the per-author display customizations.
type Preferences struct {
	NameStrategies    []NameStrategy     `json:"name_strategies"`
	AvatarStrategies  []AvatarStrategy   `json:"avatar_strategies"`
	Integration       *IntegrationConfig `json:"integration,omitempty"`
	ShowDiscriminator bool               `json:"show_discriminator"`
	LinkedContact     *ContactRef        `json:"linked_contact,omitempty"`
}

// Default returns the preferences assigned to a previously unseen author.
func Default() Preferences {
	return Preferences{
		NameStrategies:   []NameStrategy{NameOf(NameGuildNickname), UsernameStrategy()},
		AvatarStrategies: []AvatarStrategy{AvatarOf(AvatarGuild), PrimaryAvatarStrategy()},
	}
}

// Normalize returns a copy whose strategy sequences are free of duplicates, carry at most
// one custom label and always end with the unconditional fallback.
func (p Preferences) Normalize() Preferences {
	normalized := p

	names := make([]NameStrategy, 0, len(p.NameStrategies)+1)
	seenNames := make(map[NameStrategyKind]struct{}, len(p.NameStrategies))
	for _, strategy := range p.NameStrategies {
		if !strategy.valid() {
			continue
		}
		if _, seen := seenNames[strategy.Kind]; seen {
			continue
		}
		seenNames[strategy.Kind] = struct{}{}
		names = append(names, strategy)
	}
	if _, ok := seenNames[NameUsername]; !ok {
		names = append(names, UsernameStrategy())
	}
	normalized.NameStrategies = names

	avatarList := make([]AvatarStrategy, 0, len(p.AvatarStrategies)+1)
	seenAvatars := make(map[AvatarStrategyKind]struct{}, len(p.AvatarStrategies))
	for _, strategy := range p.AvatarStrategies {
		if !strategy.valid() {
			continue
		}
		if _, seen := seenAvatars[strategy.Kind]; seen {
			continue
		}
		seenAvatars[strategy.Kind] = struct{}{}
		avatarList = append(avatarList, strategy)
	}
	if _, ok := seenAvatars[AvatarPrimary]; !ok {
		avatarList = append(avatarList, PrimaryAvatarStrategy())
	}
	normalized.AvatarStrategies = avatarList

	if p.Integration != nil {
		integration := *p.Integration
		normalized.Integration = &integration
	}
	if p.LinkedContact != nil {
		contact := *p.LinkedContact
		normalized.LinkedContact = &contact
	}
	return normalized
}

// CustomLabelText returns the custom label, if one is configured.
func (p Preferences) CustomLabelText() (string, bool) {
	for _, strategy := range p.NameStrategies {
		if strategy.Kind == NameCustomLabel {
			return strategy.Label, true
		}
	}
	return "", false
}

// UserRecord is the persisted state for one author.
type UserRecord struct {
	AuthorSnapshot discord.AuthorSnapshot `json:"author_snapshot"`
	Preferences    Preferences            `json:"preferences"`
}

// StoredUser pairs a record with its key for listings.
type StoredUser struct {
	UserID string
	Record UserRecord
}
