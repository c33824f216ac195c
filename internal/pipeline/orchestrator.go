// Package pipeline turns a raw chat message into a ResolvedNotification within a delivery deadline.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/avatars"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/logging"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/pluralkit"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/preferences"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/resolver"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultDeadline approximates the time a host grants a notification extension.
const DefaultDeadline = 25 * time.Second

var (
	errMissingPreferences = errors.New("preference reconciler is required")
	errMissingResolver    = errors.New("resolver is required")
)

// ResolvedNotification is the identity and media merged into the notification by the host.
type ResolvedNotification struct {
	RunID             string                         `json:"run_id"`
	DisplayName       string                         `json:"display_name"`
	NameStrategy      preferences.NameStrategyKind   `json:"name_strategy"`
	Subtitle          string                         `json:"subtitle,omitempty"`
	Body              string                         `json:"body"`
	AvatarBytes       []byte                         `json:"avatar_bytes,omitempty"`
	AvatarContentType string                         `json:"avatar_content_type,omitempty"`
	AvatarStrategy    preferences.AvatarStrategyKind `json:"avatar_strategy,omitempty"`
	Attachment        *LocalAttachment               `json:"attachment,omitempty"`
	ThreadID          string                         `json:"thread_id"`
	ContactIdentifier string                         `json:"contact_identifier,omitempty"`
	Partial           bool                           `json:"partial"`
}

// Reconciler loads per-author preferences and records observed author metadata.
type Reconciler interface {
	Reconcile(ctx context.Context, authorID string, observed discord.AuthorSnapshot) (preferences.Preferences, error)
}

// Resolver evaluates the name and avatar chains.
type Resolver interface {
	ResolveName(ctx context.Context, message discord.Message, prefs preferences.Preferences, groups resolver.GroupSource) (string, preferences.NameStrategy)
	ResolveAvatar(ctx context.Context, message discord.Message, prefs preferences.Preferences, groups resolver.GroupSource) (avatars.Avatar, preferences.AvatarStrategy, bool)
}

// OrchestratorConfig describes the dependencies of the orchestrator.
// Provider and Attachments are optional.
type OrchestratorConfig struct {
	Preferences Reconciler
	Resolver    Resolver
	Provider    pluralkit.Provider
	Attachments AttachmentFetcher
	Deadline    time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Orchestrator is the single entry point of the identity pipeline.
type Orchestrator struct {
	preferences Reconciler
	resolver    Resolver
	provider    pluralkit.Provider
	attachments AttachmentFetcher
	deadline    time.Duration
	logger      *zap.Logger
	clock       func() time.Time
}

// NewOrchestrator validates dependencies and constructs an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Preferences == nil {
		return nil, errMissingPreferences
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		preferences: cfg.Preferences,
		resolver:    cfg.Resolver,
		provider:    cfg.Provider,
		attachments: cfg.Attachments,
		deadline:    deadline,
		logger:      logger,
		clock:       clock,
	}, nil
}

// Process resolves the identity for message. It never fails: when the deadline
// (the configured one or the caller's, whichever is earlier) expires, the result
// assembled so far is returned with Partial set.
func (o *Orchestrator) Process(ctx context.Context, message discord.Message) ResolvedNotification {
	started := o.clock()
	runID := newRunID()
	ctx = logging.WithRunID(ctx, runID)
	runCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	state := newDraft(ResolvedNotification{
		RunID:        runID,
		DisplayName:  message.Author.Username,
		NameStrategy: preferences.NameUsername,
		Subtitle:     message.Subtitle(),
		Body:         message.Content,
		ThreadID:     message.ChannelID,
		Partial:      true,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.run(runCtx, message, state)
	}()

	select {
	case <-done:
	case <-runCtx.Done():
		o.logger.Warn("notification deadline reached, returning partial result",
			zap.String("run_id", runID),
			zap.String("message_id", message.ID),
			zap.Error(runCtx.Err()))
	}

	result := state.snapshot()
	outcome := "complete"
	if result.Partial {
		outcome = "partial"
	}
	metrics.PipelineResults.WithLabelValues(outcome).Inc()
	metrics.PipelineDuration.Observe(o.clock().Sub(started).Seconds())
	return result
}

func (o *Orchestrator) run(ctx context.Context, message discord.Message, state *draft) {
	fields := []zap.Field{zap.String("run_id", logging.RunID(ctx)), zap.String("message_id", message.ID)}

	prefs, err := o.preferences.Reconcile(ctx, message.Author.ID, message.Snapshot())
	if err != nil {
		o.logger.Warn("preference reconcile failed", append(fields, zap.Error(err))...)
		if len(prefs.NameStrategies) == 0 {
			prefs = preferences.Default().Normalize()
		}
	}
	if prefs.LinkedContact != nil {
		state.update(func(result *ResolvedNotification) {
			result.ContactIdentifier = prefs.LinkedContact.Identifier
		})
	}

	var groups resolver.GroupSource
	if o.provider != nil {
		groups = pluralkit.NewGroupCache(o.provider)
	}

	name, nameStrategy := o.resolver.ResolveName(ctx, message, prefs, groups)
	state.update(func(result *ResolvedNotification) {
		result.DisplayName = name
		result.NameStrategy = nameStrategy.Kind
	})

	if avatar, avatarStrategy, ok := o.resolver.ResolveAvatar(ctx, message, prefs, groups); ok {
		state.update(func(result *ResolvedNotification) {
			result.AvatarBytes = avatar.Bytes
			result.AvatarContentType = avatar.ContentType
			result.AvatarStrategy = avatarStrategy.Kind
		})
	}

	attachment := o.selectAttachment(ctx, message, fields)
	state.update(func(result *ResolvedNotification) {
		result.Attachment = attachment
		result.Partial = ctx.Err() != nil
	})
}

// selectAttachment downloads the first eligible image; a failed download moves on to the next one.
func (o *Orchestrator) selectAttachment(ctx context.Context, message discord.Message, fields []zap.Field) *LocalAttachment {
	if o.attachments == nil {
		return nil
	}
	for _, attachment := range message.Attachments {
		if ctx.Err() != nil {
			return nil
		}
		if !eligibleAttachment(attachment) {
			continue
		}
		local, err := o.attachments.Fetch(ctx, attachment)
		if err != nil {
			o.logger.Debug("attachment download failed",
				append(fields, zap.String("attachment_id", attachment.ID), zap.Error(err))...)
			continue
		}
		return &local
	}
	return nil
}

type draft struct {
	mu     sync.Mutex
	result ResolvedNotification
}

func newDraft(initial ResolvedNotification) *draft {
	return &draft{result: initial}
}

func (d *draft) update(apply func(result *ResolvedNotification)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	apply(&d.result)
}

func (d *draft) snapshot() ResolvedNotification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
