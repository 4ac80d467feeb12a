// Tests for the guild state cache: presence and voice bookkeeping plus the
// live-world lookups the trackers poll.
package discord

import (
	"sort"
	"testing"
)

func TestActivitiesUnknownMember(t *testing.T) {
	s := NewState()
	if _, ok := s.Activities("g1", "u1"); ok {
		t.Fatal("expected ok=false for unknown member")
	}
}

func TestActivitiesKnownMemberEmptyList(t *testing.T) {
	s := NewState()
	s.SetMember("g1", "u1", "alice")
	acts, ok := s.Activities("g1", "u1")
	if !ok {
		t.Fatal("expected ok=true for known member")
	}
	if len(acts) != 0 {
		t.Fatalf("expected empty activity list, got %v", acts)
	}
}

func TestSetPresenceReturnsPrevious(t *testing.T) {
	s := NewState()
	first := []Activity{{Name: "Valorant", Type: ActivityPlaying, ApplicationID: "700"}}
	second := []Activity{{Name: "Celeste", Type: ActivityPlaying, ApplicationID: "800"}}

	if prev := s.SetPresence("g1", "u1", first); prev != nil {
		t.Fatalf("first SetPresence prev = %v, want nil", prev)
	}
	prev := s.SetPresence("g1", "u1", second)
	if len(prev) != 1 || prev[0].Name != "Valorant" {
		t.Fatalf("second SetPresence prev = %v, want Valorant", prev)
	}

	acts, ok := s.Activities("g1", "u1")
	if !ok || len(acts) != 1 || acts[0].Name != "Celeste" {
		t.Fatalf("Activities = %v ok=%v, want Celeste", acts, ok)
	}
}

func TestVoiceLifecycle(t *testing.T) {
	s := NewState()
	s.SetChannel("c1", "General")
	s.SetChannel("c2", "AFK")

	prevID, _ := s.SetVoice("g1", "u1", "c1")
	if prevID != "" {
		t.Fatalf("join prev = %q, want empty", prevID)
	}
	id, name, ok := s.VoiceLocation("g1", "u1")
	if !ok || id != "c1" || name != "General" {
		t.Fatalf("VoiceLocation = %q/%q/%v, want c1/General/true", id, name, ok)
	}

	prevID, prevName := s.SetVoice("g1", "u1", "c2")
	if prevID != "c1" || prevName != "General" {
		t.Fatalf("move prev = %q/%q, want c1/General", prevID, prevName)
	}

	// Empty channel clears the location.
	prevID, _ = s.SetVoice("g1", "u1", "")
	if prevID != "c2" {
		t.Fatalf("leave prev = %q, want c2", prevID)
	}
	if _, _, ok := s.VoiceLocation("g1", "u1"); ok {
		t.Fatal("expected no voice location after leave")
	}
}

func TestClaimants(t *testing.T) {
	s := NewState()
	s.SetMember("g1", "a", "alice")
	s.SetMember("g1", "b", "bob")
	s.SetMember("g1", "c", "carol")
	s.SetMember("g1", "d", "dave")
	s.SetPresence("g1", "a", []Activity{{Name: "Deep Rock", Type: ActivityPlaying, ApplicationID: "700"}})
	s.SetPresence("g1", "b", []Activity{{Name: "Deep Rock", Type: ActivityCompeting, ApplicationID: "700"}})
	// Listening claims never count.
	s.SetPresence("g1", "c", []Activity{{Name: "Deep Rock", Type: ActivityListening}})
	s.SetPresence("g1", "d", []Activity{{Name: "Other Game", Type: ActivityPlaying, ApplicationID: "900"}})

	claims := s.Claimants("g1", "Deep Rock")
	if len(claims) != 2 {
		t.Fatalf("Claimants = %d entries, want 2: %v", len(claims), claims)
	}
	ids := []string{claims[0].UserID, claims[1].UserID}
	sort.Strings(ids)
	if ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("claimant IDs = %v, want [a b]", ids)
	}
}

func TestClaimantsSameNamedListeningDoesNotShadowPlaying(t *testing.T) {
	s := NewState()
	s.SetMember("g1", "a", "alice")
	// The listening entry orders first; the playing claim behind it must
	// still be found.
	s.SetPresence("g1", "a", []Activity{
		{Name: "Deep Rock", Type: ActivityListening},
		{Name: "Deep Rock", Type: ActivityPlaying, ApplicationID: "700"},
	})

	claims := s.Claimants("g1", "Deep Rock")
	if len(claims) != 1 {
		t.Fatalf("Claimants = %d entries, want 1: %v", len(claims), claims)
	}
	if claims[0].AppID != "700" {
		t.Errorf("claim app ID = %q, want the playing activity's", claims[0].AppID)
	}
}

func TestRemoveMemberClearsState(t *testing.T) {
	s := NewState()
	s.SetMember("g1", "u1", "alice")
	s.SetPresence("g1", "u1", []Activity{{Name: "Game", Type: ActivityPlaying}})
	s.SetVoice("g1", "u1", "c1")

	s.RemoveMember("g1", "u1")

	if _, ok := s.Activities("g1", "u1"); ok {
		t.Error("activities still resolvable after removal")
	}
	if _, _, ok := s.VoiceLocation("g1", "u1"); ok {
		t.Error("voice location survived removal")
	}
}

func TestResetClearsGuildStateKeepsChannels(t *testing.T) {
	s := NewState()
	s.SetChannel("c1", "General")
	s.SetMember("g1", "u1", "alice")
	s.SetVoice("g1", "u1", "c1")

	s.Reset()

	if _, ok := s.Activities("g1", "u1"); ok {
		t.Error("member survived reset")
	}
	if got := s.ChannelName("c1"); got != "General" {
		t.Errorf("ChannelName = %q, want General", got)
	}
}

func TestDisplayNameFallsBackToID(t *testing.T) {
	s := NewState()
	if got := s.DisplayName("12345"); got != "12345" {
		t.Errorf("DisplayName = %q, want 12345", got)
	}
	s.SetMember("g1", "12345", "alice")
	if got := s.DisplayName("12345"); got != "alice" {
		t.Errorf("DisplayName = %q, want alice", got)
	}
}
