package preferences

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeAppendsFallbackStrategies(t *testing.T) {
	prefs := Preferences{
		NameStrategies:   []NameStrategy{NameOf(NameGuildNickname)},
		AvatarStrategies: []AvatarStrategy{AvatarOf(AvatarGuild)},
	}

	normalized := prefs.Normalize()

	if last := normalized.NameStrategies[len(normalized.NameStrategies)-1]; last != UsernameStrategy() {
		t.Fatalf("expected username fallback at the end, got %v", last)
	}
	if last := normalized.AvatarStrategies[len(normalized.AvatarStrategies)-1]; last != PrimaryAvatarStrategy() {
		t.Fatalf("expected primary avatar fallback at the end, got %v", last)
	}
	if len(prefs.NameStrategies) != 1 || len(prefs.AvatarStrategies) != 1 {
		t.Fatalf("normalize must not mutate the receiver")
	}
}

func TestNormalizeKeepsUserPlacedFallbackPosition(t *testing.T) {
	prefs := Preferences{
		NameStrategies: []NameStrategy{UsernameStrategy(), NameOf(NameGuildNickname)},
	}
	normalized := prefs.Normalize()
	if len(normalized.NameStrategies) != 2 {
		t.Fatalf("expected no extra fallback, got %v", normalized.NameStrategies)
	}
	if normalized.NameStrategies[0] != UsernameStrategy() {
		t.Fatalf("expected username to stay first, got %v", normalized.NameStrategies)
	}
}

func TestNormalizeKeepsFirstCustomLabelOnly(t *testing.T) {
	prefs := Preferences{
		NameStrategies: []NameStrategy{
			CustomLabel("Mom"),
			NameOf(NameGuildNickname),
			CustomLabel("Mother"),
			NameOf(NameGuildNickname),
		},
	}
	normalized := prefs.Normalize()

	want := []NameStrategy{CustomLabel("Mom"), NameOf(NameGuildNickname), UsernameStrategy()}
	if len(normalized.NameStrategies) != len(want) {
		t.Fatalf("unexpected strategies: %v", normalized.NameStrategies)
	}
	for index := range want {
		if normalized.NameStrategies[index] != want[index] {
			t.Fatalf("strategy %d = %v, want %v", index, normalized.NameStrategies[index], want[index])
		}
	}
	label, ok := normalized.CustomLabelText()
	if !ok || label != "Mom" {
		t.Fatalf("expected custom label Mom, got %q (%v)", label, ok)
	}
}

func TestDefaultPreferencesPreferGuildOverrides(t *testing.T) {
	defaults := Default()
	if defaults.NameStrategies[0].Kind != NameGuildNickname {
		t.Fatalf("expected nickname first, got %v", defaults.NameStrategies)
	}
	if defaults.AvatarStrategies[0].Kind != AvatarGuild {
		t.Fatalf("expected guild avatar first, got %v", defaults.AvatarStrategies)
	}
	if defaults.Integration != nil || defaults.ShowDiscriminator {
		t.Fatalf("expected integration and discriminator disabled by default")
	}
}

func TestStrategyDecodingRejectsUnknownKinds(t *testing.T) {
	var prefs Preferences
	err := json.Unmarshal([]byte(`{"name_strategies":[{"kind":"telepathy"}],"avatar_strategies":[]}`), &prefs)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected unknown strategy error, got %v", err)
	}

	err = json.Unmarshal([]byte(`{"name_strategies":[],"avatar_strategies":[{"kind":"gravatar"}]}`), &prefs)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected unknown avatar strategy error, got %v", err)
	}
}

func TestStrategyDecodingDropsStrayLabels(t *testing.T) {
	var strategy NameStrategy
	if err := json.Unmarshal([]byte(`{"kind":"username","label":"ignored"}`), &strategy); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strategy != UsernameStrategy() {
		t.Fatalf("expected label to be dropped, got %+v", strategy)
	}
}
