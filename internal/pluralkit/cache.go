package pluralkit

import "context"

type profileResult struct {
	profile GroupProfile
	err     error
}

type membersResult struct {
	members []GroupMember
	err     error
}

type senderResult struct {
	sender SenderProfile
	err    error
}

// GroupCache memoizes provider responses for the duration of one pipeline run.
// Profile and member lookups are cached independently; failures are cached too,
// so a lookup that failed for the name chain is not retried by the avatar chain.
// A GroupCache is not safe for concurrent use and must not outlive its run.
type GroupCache struct {
	provider Provider
	profiles map[string]profileResult
	members  map[string]membersResult
	senders  map[string]senderResult
}

// NewGroupCache wraps provider with a fresh, empty memo.
func NewGroupCache(provider Provider) *GroupCache {
	return &GroupCache{
		provider: provider,
		profiles: make(map[string]profileResult),
		members:  make(map[string]membersResult),
		senders:  make(map[string]senderResult),
	}
}

// GroupProfile returns the memoized profile for subjectID, fetching it at most once.
func (c *GroupCache) GroupProfile(ctx context.Context, subjectID string) (GroupProfile, error) {
	if cached, ok := c.profiles[subjectID]; ok {
		return cached.profile, cached.err
	}
	profile, err := c.provider.FetchGroupProfile(ctx, subjectID)
	if !isContextErr(ctx, err) {
		c.profiles[subjectID] = profileResult{profile: profile, err: err}
	}
	return profile, err
}

// GroupMembers returns the memoized member list for subjectID, fetching it at most once.
func (c *GroupCache) GroupMembers(ctx context.Context, subjectID string) ([]GroupMember, error) {
	if cached, ok := c.members[subjectID]; ok {
		return cached.members, cached.err
	}
	members, err := c.provider.FetchGroupMembers(ctx, subjectID)
	if !isContextErr(ctx, err) {
		c.members[subjectID] = membersResult{members: members, err: err}
	}
	return members, err
}

// ProxiedSender returns the memoized sender profile for messageID.
func (c *GroupCache) ProxiedSender(ctx context.Context, messageID string) (SenderProfile, error) {
	if cached, ok := c.senders[messageID]; ok {
		return cached.sender, cached.err
	}
	sender, err := c.provider.FetchProxiedSenderProfile(ctx, messageID)
	if !isContextErr(ctx, err) {
		c.senders[messageID] = senderResult{sender: sender, err: err}
	}
	return sender, err
}

// A failure caused by the caller's own cancellation says nothing about the
// upstream, so it is not memoized.
func isContextErr(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}
