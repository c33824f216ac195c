// Package resolver derives the display name and avatar of a notification from
// ordered strategy chains. The first strategy producing a value wins; failures
// are logged and never leave the engine.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/avatars"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/logging"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/pluralkit"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/preferences"
	"go.uber.org/zap"
)

var (
	// ErrIntegrationNotConfigured indicates an integration strategy ran for a user without integration settings.
	ErrIntegrationNotConfigured = errors.New("resolver: identity integration not configured")
	// ErrNotProxied indicates a proxied-identity strategy ran for a message that was not proxied.
	ErrNotProxied = errors.New("resolver: message is not proxied")

	errNoValue          = errors.New("strategy produced no value")
	errAmbiguousMembers = errors.New("more than one group member is present")
	errUnknownStrategy  = errors.New("unknown strategy")
	errMissingAvatars   = errors.New("avatar fetcher is required")
)

const (
	chainName   = "name"
	chainAvatar = "avatar"

	outcomeHit      = "hit"
	outcomeEmpty    = "empty"
	outcomeError    = "error"
	outcomeDeadline = "deadline"
)

// AvatarFetcher retrieves avatar bytes through the shared cache.
type AvatarFetcher interface {
	Fetch(ctx context.Context, subjectID, avatarVersion, url string) (avatars.Avatar, error)
}

// GroupSource provides run-scoped identity lookups. *pluralkit.GroupCache satisfies it.
type GroupSource interface {
	GroupProfile(ctx context.Context, subjectID string) (pluralkit.GroupProfile, error)
	GroupMembers(ctx context.Context, subjectID string) ([]pluralkit.GroupMember, error)
	ProxiedSender(ctx context.Context, messageID string) (pluralkit.SenderProfile, error)
}

// EngineConfig describes the dependencies of the engine.
type EngineConfig struct {
	Avatars AvatarFetcher
	Logger  *zap.Logger
}

// Engine evaluates strategy chains. It holds no per-message state and is safe for concurrent use.
type Engine struct {
	avatars AvatarFetcher
	logger  *zap.Logger
}

// NewEngine validates dependencies and constructs an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Avatars == nil {
		return nil, errMissingAvatars
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{avatars: cfg.Avatars, logger: logger}, nil
}

// ResolveName walks the name chain of prefs and returns the first non-empty name.
// It always returns a name: the username is used when every strategy fails.
func (e *Engine) ResolveName(ctx context.Context, message discord.Message, prefs preferences.Preferences, groups GroupSource) (string, preferences.NameStrategy) {
	if groups == nil {
		groups = noGroups{}
	}
	for _, strategy := range prefs.NameStrategies {
		if strategy.UsesIntegration() && ctx.Err() != nil {
			e.record(ctx, chainName, string(strategy.Kind), outcomeDeadline, ctx.Err())
			continue
		}
		name, err := e.evaluateName(ctx, message, prefs, groups, strategy)
		if err == nil && strings.TrimSpace(name) == "" {
			err = errNoValue
		}
		if err != nil {
			e.record(ctx, chainName, string(strategy.Kind), outcomeFor(err), err)
			continue
		}
		e.record(ctx, chainName, string(strategy.Kind), outcomeHit, nil)
		return name, strategy
	}
	return usernameOf(message, prefs), preferences.UsernameStrategy()
}

// ResolveAvatar walks the avatar chain of prefs. The boolean is false when no strategy,
// including the primary avatar, produced an image; that is a valid outcome.
func (e *Engine) ResolveAvatar(ctx context.Context, message discord.Message, prefs preferences.Preferences, groups GroupSource) (avatars.Avatar, preferences.AvatarStrategy, bool) {
	if groups == nil {
		groups = noGroups{}
	}
	for _, strategy := range prefs.AvatarStrategies {
		if strategy.UsesIntegration() && ctx.Err() != nil {
			e.record(ctx, chainAvatar, string(strategy.Kind), outcomeDeadline, ctx.Err())
			continue
		}
		avatar, err := e.evaluateAvatar(ctx, message, prefs, groups, strategy)
		if err == nil && len(avatar.Bytes) == 0 {
			err = errNoValue
		}
		if err != nil {
			e.record(ctx, chainAvatar, string(strategy.Kind), outcomeFor(err), err)
			continue
		}
		e.record(ctx, chainAvatar, string(strategy.Kind), outcomeHit, nil)
		return avatar, strategy, true
	}
	return avatars.Avatar{}, preferences.AvatarStrategy{}, false
}

func (e *Engine) evaluateName(ctx context.Context, message discord.Message, prefs preferences.Preferences, groups GroupSource, strategy preferences.NameStrategy) (string, error) {
	switch strategy.Kind {
	case preferences.NameUsername:
		return usernameOf(message, prefs), nil
	case preferences.NameCustomLabel:
		return strings.TrimSpace(strategy.Label), nil
	case preferences.NameGuildNickname:
		return message.Nickname(), nil
	case preferences.NameIntegrationProxiedIdentity:
		if err := requireProxied(message, prefs); err != nil {
			return "", err
		}
		sender, err := groups.ProxiedSender(ctx, message.ID)
		if err != nil {
			return "", err
		}
		return sender.DisplayName, nil
	case preferences.NameIntegrationGroupMembers:
		lookupID, err := lookupIDOf(message, prefs)
		if err != nil {
			return "", err
		}
		members, err := groups.GroupMembers(ctx, lookupID)
		if err != nil {
			return "", err
		}
		labels := make([]string, 0, len(members))
		for _, member := range members {
			if label := member.Label(); label != "" {
				labels = append(labels, label)
			}
		}
		return strings.Join(labels, ", "), nil
	case preferences.NameIntegrationGroupName:
		lookupID, err := lookupIDOf(message, prefs)
		if err != nil {
			return "", err
		}
		profile, err := groups.GroupProfile(ctx, lookupID)
		if err != nil {
			return "", err
		}
		return profile.Name, nil
	default:
		return "", errUnknownStrategy
	}
}

func (e *Engine) evaluateAvatar(ctx context.Context, message discord.Message, prefs preferences.Preferences, groups GroupSource, strategy preferences.AvatarStrategy) (avatars.Avatar, error) {
	switch strategy.Kind {
	case preferences.AvatarPrimary:
		hash := message.Author.AvatarHash()
		if hash == "" {
			return avatars.Avatar{}, errNoValue
		}
		return e.avatars.Fetch(ctx, message.Author.ID, hash, discord.UserAvatarURL(message.Author.ID, hash))
	case preferences.AvatarGuild:
		guildID := message.GuildIDValue()
		hash := message.GuildAvatarHash()
		if guildID == "" || hash == "" {
			return avatars.Avatar{}, errNoValue
		}
		return e.avatars.Fetch(ctx,
			discord.GuildAvatarSubject(guildID, message.Author.ID),
			hash,
			discord.GuildMemberAvatarURL(guildID, message.Author.ID, hash))
	case preferences.AvatarIntegrationProxied:
		if err := requireProxied(message, prefs); err != nil {
			return avatars.Avatar{}, err
		}
		sender, err := groups.ProxiedSender(ctx, message.ID)
		if err != nil {
			return avatars.Avatar{}, err
		}
		subject := sender.MemberID
		if subject == "" {
			subject = message.ID
		}
		return e.fetchRemote(ctx, subject, sender.AvatarURL)
	case preferences.AvatarIntegrationMember:
		lookupID, err := lookupIDOf(message, prefs)
		if err != nil {
			return avatars.Avatar{}, err
		}
		members, err := groups.GroupMembers(ctx, lookupID)
		if err != nil {
			return avatars.Avatar{}, err
		}
		switch len(members) {
		case 0:
			return avatars.Avatar{}, errNoValue
		case 1:
			subject := members[0].ID
			if subject == "" {
				subject = lookupID + "/member"
			}
			return e.fetchRemote(ctx, subject, members[0].AvatarURL)
		default:
			return avatars.Avatar{}, errAmbiguousMembers
		}
	case preferences.AvatarIntegrationGroup:
		lookupID, err := lookupIDOf(message, prefs)
		if err != nil {
			return avatars.Avatar{}, err
		}
		profile, err := groups.GroupProfile(ctx, lookupID)
		if err != nil {
			return avatars.Avatar{}, err
		}
		subject := profile.ID
		if subject == "" {
			subject = lookupID
		}
		return e.fetchRemote(ctx, subject, profile.AvatarURL)
	default:
		return avatars.Avatar{}, errUnknownStrategy
	}
}

// fetchRemote keys integration avatars by the digest of their URL; a new URL is a new version.
func (e *Engine) fetchRemote(ctx context.Context, subjectID, url string) (avatars.Avatar, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return avatars.Avatar{}, errNoValue
	}
	return e.avatars.Fetch(ctx, subjectID, versionOf(url), url)
}

func (e *Engine) record(ctx context.Context, chain, strategy, outcome string, err error) {
	metrics.StrategyOutcomes.WithLabelValues(chain, strategy, outcome).Inc()
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("chain", chain),
		zap.String("strategy", strategy),
		zap.String("outcome", outcome),
		zap.Error(err),
	}
	fields = append(fields, logging.ContextFields(ctx)...)
	if outcome == outcomeError && !expected(err) {
		e.logger.Warn("resolution strategy failed", fields...)
		return
	}
	e.logger.Debug("resolution strategy skipped", fields...)
}

type noGroups struct{}

func (noGroups) GroupProfile(context.Context, string) (pluralkit.GroupProfile, error) {
	return pluralkit.GroupProfile{}, ErrIntegrationNotConfigured
}

func (noGroups) GroupMembers(context.Context, string) ([]pluralkit.GroupMember, error) {
	return nil, ErrIntegrationNotConfigured
}

func (noGroups) ProxiedSender(context.Context, string) (pluralkit.SenderProfile, error) {
	return pluralkit.SenderProfile{}, ErrIntegrationNotConfigured
}

func usernameOf(message discord.Message, prefs preferences.Preferences) string {
	username := message.Author.Username
	discriminator := strings.TrimSpace(message.Author.Discriminator)
	if prefs.ShowDiscriminator && discriminator != "" && discriminator != "0" {
		return username + "#" + discriminator
	}
	return username
}

func requireProxied(message discord.Message, prefs preferences.Preferences) error {
	if prefs.Integration == nil {
		return ErrIntegrationNotConfigured
	}
	if !message.IsProxied() {
		return ErrNotProxied
	}
	return nil
}

func lookupIDOf(message discord.Message, prefs preferences.Preferences) (string, error) {
	if prefs.Integration == nil {
		return "", ErrIntegrationNotConfigured
	}
	if lookupID := strings.TrimSpace(prefs.Integration.LookupID); lookupID != "" {
		return lookupID, nil
	}
	return message.Author.ID, nil
}

func versionOf(url string) string {
	digest := sha256.Sum256([]byte(url))
	return hex.EncodeToString(digest[:])
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, errNoValue), errors.Is(err, errAmbiguousMembers):
		return outcomeEmpty
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return outcomeDeadline
	default:
		return outcomeError
	}
}

func expected(err error) bool {
	return errors.Is(err, ErrIntegrationNotConfigured) ||
		errors.Is(err, ErrNotProxied) ||
		pluralkit.IsKind(err, pluralkit.ErrorKindNotFound)
}
