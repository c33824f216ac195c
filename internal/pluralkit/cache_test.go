package pluralkit

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	profileCalls int
	memberCalls  int
	senderCalls  int
	profileErr   error
	members      []GroupMember
}

func (p *stubProvider) FetchGroupProfile(ctx context.Context, subjectID string) (GroupProfile, error) {
	p.profileCalls++
	if p.profileErr != nil {
		return GroupProfile{}, p.profileErr
	}
	return GroupProfile{ID: subjectID, Name: "The Hive"}, nil
}

func (p *stubProvider) FetchGroupMembers(ctx context.Context, subjectID string) ([]GroupMember, error) {
	p.memberCalls++
	return p.members, nil
}

func (p *stubProvider) FetchProxiedSenderProfile(ctx context.Context, messageID string) (SenderProfile, error) {
	p.senderCalls++
	return SenderProfile{MessageID: messageID, DisplayName: "Alice"}, nil
}

func TestGroupCacheMemoizesEachLookupIndependently(t *testing.T) {
	provider := &stubProvider{members: []GroupMember{{ID: "m1", Name: "alice"}}}
	cache := NewGroupCache(provider)
	ctx := context.Background()

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := cache.GroupProfile(ctx, "u1"); err != nil {
			t.Fatalf("profile: %v", err)
		}
	}
	if provider.memberCalls != 0 {
		t.Fatalf("profile lookup must not populate members")
	}
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := cache.GroupMembers(ctx, "u1"); err != nil {
			t.Fatalf("members: %v", err)
		}
		if _, err := cache.ProxiedSender(ctx, "msg-1"); err != nil {
			t.Fatalf("sender: %v", err)
		}
	}
	if provider.profileCalls != 1 || provider.memberCalls != 1 || provider.senderCalls != 1 {
		t.Fatalf("expected one call per lookup, got profile=%d members=%d sender=%d",
			provider.profileCalls, provider.memberCalls, provider.senderCalls)
	}

	if _, err := cache.GroupProfile(ctx, "u2"); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if provider.profileCalls != 2 {
		t.Fatalf("expected a distinct subject to be fetched separately")
	}
}

func TestGroupCacheMemoizesFailures(t *testing.T) {
	upstreamErr := newProviderError(ErrorKindNetwork, opGroupProfile, 503, errors.New("down"))
	provider := &stubProvider{profileErr: upstreamErr}
	cache := NewGroupCache(provider)

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := cache.GroupProfile(context.Background(), "u1"); !IsKind(err, ErrorKindNetwork) {
			t.Fatalf("expected memoized network error, got %v", err)
		}
	}
	if provider.profileCalls != 1 {
		t.Fatalf("expected failed lookup to be attempted once, got %d", provider.profileCalls)
	}
}

func TestGroupCacheDoesNotMemoizeCancellation(t *testing.T) {
	provider := &stubProvider{profileErr: context.Canceled}
	cache := NewGroupCache(provider)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _ = cache.GroupProfile(ctx, "u1")
	provider.profileErr = nil
	profile, err := cache.GroupProfile(context.Background(), "u1")
	if err != nil || profile.Name != "The Hive" {
		t.Fatalf("expected fresh lookup after cancellation, got %+v %v", profile, err)
	}
}
