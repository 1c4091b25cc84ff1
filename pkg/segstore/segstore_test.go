package segstore

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/vclock"
)

var t0 = time.Date(2026, 4, 12, 9, 0, 0, 0, time.UTC)

type event struct {
	ev  model.ClaimEvent
	clk vclock.Clock
}

func claim(seg model.SegmentID, who model.AgentID, clk vclock.Clock) event {
	return event{model.ClaimEvent{Segment: seg, Claimant: who, Kind: model.KindClaim}, clk}
}

func release(seg model.SegmentID, who model.AgentID, clk vclock.Clock) event {
	return event{model.ClaimEvent{Segment: seg, Claimant: who, Kind: model.KindRelease}, clk}
}

func heartbeat(seg model.SegmentID, who model.AgentID, clk vclock.Clock) event {
	return event{model.ClaimEvent{Segment: seg, Claimant: who, Kind: model.KindHeartbeat}, clk}
}

func mustApply(t *testing.T, s *Store, e event) Outcome {
	t.Helper()
	out, err := s.Apply(e.ev, e.clk, t0)
	if err != nil {
		t.Fatalf("Apply(%v): %v", e.ev, err)
	}
	return out
}

// permutations returns every ordering of events. Test inputs stay small
// enough that n! is cheap.
func permutations(events []event) [][]event {
	if len(events) <= 1 {
		return [][]event{append([]event(nil), events...)}
	}
	var out [][]event
	for i := range events {
		rest := make([]event, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]event{events[i]}, p...))
		}
	}
	return out
}

func applyAll(t *testing.T, events []event) *Store {
	t.Helper()
	s := New()
	for _, e := range events {
		mustApply(t, s, e)
	}
	return s
}

func TestSingleClaimOwns(t *testing.T) {
	s := New()
	out := mustApply(t, s, claim("s1", "alpha", vclock.Clock{"alpha": 1}))
	if out.Owner != "alpha" {
		t.Fatalf("owner after claim: got %q, want alpha", out.Owner)
	}
	owner, ok := s.OwnerOf("s1")
	if !ok || owner != "alpha" {
		t.Fatalf("OwnerOf: got (%q, %v), want (alpha, true)", owner, ok)
	}
}

func TestOwnerOfUnclaimedSegment(t *testing.T) {
	s := New()
	if owner, ok := s.OwnerOf("nowhere"); ok {
		t.Fatalf("unclaimed segment has owner %q", owner)
	}
}

func TestCausallyLaterClaimWins(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s1", "beta", vclock.Clock{"beta": 1}))
	// gamma claimed after observing beta's claim (e.g. post-expiry).
	out := mustApply(t, s, claim("s1", "gamma", vclock.Clock{"beta": 1, "gamma": 1}))
	if out.Owner != "gamma" {
		t.Fatalf("dominating claim: got owner %q, want gamma", out.Owner)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s1", "alpha", vclock.Clock{"alpha": 2}))
	out := mustApply(t, s, claim("s1", "alpha", vclock.Clock{"alpha": 1}))
	if !out.Stale {
		t.Fatal("earlier own counter should fold as stale")
	}
	st, ok := s.State("s1")
	if !ok || st.OwnerClock.Get("alpha") != 2 {
		t.Fatalf("state after stale apply: got %+v, want alpha@2", st)
	}
}

func TestConcurrentTieBreakByClaimant(t *testing.T) {
	a := claim("s2", "alpha", vclock.Clock{"alpha": 1})
	b := claim("s2", "beta", vclock.Clock{"beta": 1})

	s1 := applyAll(t, []event{a, b})
	s2 := applyAll(t, []event{b, a})

	for i, s := range []*Store{s1, s2} {
		owner, ok := s.OwnerOf("s2")
		if !ok || owner != "alpha" {
			t.Fatalf("replica %d: got owner (%q, %v), want alpha on both arrival orders", i, owner, ok)
		}
	}
}

func TestIdempotence(t *testing.T) {
	e := claim("s3", "alpha", vclock.Clock{"alpha": 1})
	once := applyAll(t, []event{e})
	thrice := applyAll(t, []event{e, e, e})
	if !reflect.DeepEqual(once.Snapshot(), thrice.Snapshot()) {
		t.Fatalf("replay changed state:\nonce:   %+v\nthrice: %+v", once.Snapshot(), thrice.Snapshot())
	}
}

func TestReleaseClearsOwner(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s4", "alpha", vclock.Clock{"alpha": 1}))
	mustApply(t, s, release("s4", "alpha", vclock.Clock{"alpha": 2}))
	if owner, ok := s.OwnerOf("s4"); ok {
		t.Fatalf("owner after release: got %q, want none", owner)
	}
}

func TestStaleReleaseDoesNotEvictNewerClaim(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s5", "alpha", vclock.Clock{"alpha": 1}))
	mustApply(t, s, release("s5", "alpha", vclock.Clock{"alpha": 2}))
	mustApply(t, s, claim("s5", "beta", vclock.Clock{"alpha": 2, "beta": 1}))

	// Redelivered copy of alpha's release, causally before beta's claim.
	out := mustApply(t, s, release("s5", "alpha", vclock.Clock{"alpha": 2}))
	if !out.Stale {
		t.Fatal("redelivered release should fold as stale")
	}
	owner, ok := s.OwnerOf("s5")
	if !ok || owner != "beta" {
		t.Fatalf("owner after stale release: got (%q, %v), want (beta, true)", owner, ok)
	}
}

func TestHeartbeatRefreshesWithoutChangingOwner(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s6", "alpha", vclock.Clock{"alpha": 1}))
	mustApply(t, s, claim("s6", "beta", vclock.Clock{"beta": 1})) // concurrent, loses

	out, err := s.Apply(
		model.ClaimEvent{Segment: "s6", Claimant: "alpha", Kind: model.KindHeartbeat},
		vclock.Clock{"alpha": 2, "beta": 1}, t0.Add(time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	if out.Owner != "alpha" {
		t.Fatalf("owner after heartbeat: got %q, want alpha", out.Owner)
	}
	st, _ := s.State("s6")
	if st.OwnerClock.Get("alpha") != 2 {
		t.Fatalf("heartbeat did not advance owner clock: %v", st.OwnerClock)
	}
	if !st.LastSeen.Equal(t0.Add(time.Second)) {
		t.Fatalf("heartbeat did not refresh liveness: %v", st.LastSeen)
	}
}

func TestHeartbeatReestablishesLostClaim(t *testing.T) {
	// The claim envelope was lost; only the heartbeat arrives. Per the
	// resilience design, heartbeats re-establish state.
	s := New()
	mustApply(t, s, heartbeat("s7", "alpha", vclock.Clock{"alpha": 3}))
	owner, ok := s.OwnerOf("s7")
	if !ok || owner != "alpha" {
		t.Fatalf("owner from heartbeat alone: got (%q, %v), want (alpha, true)", owner, ok)
	}
}

// TestConvergenceAllOrders applies the same event set in every order and
// demands identical resolved state — the strong eventual consistency
// property, including the cyclic case where causal dominance and the ID
// tie-break disagree pairwise.
func TestConvergenceAllOrders(t *testing.T) {
	tests := []struct {
		name      string
		events    []event
		wantOwner model.AgentID
		wantNone  bool
	}{
		{
			name: "two concurrent claims",
			events: []event{
				claim("s1", "alpha", vclock.Clock{"alpha": 1}),
				claim("s1", "beta", vclock.Clock{"beta": 1}),
			},
			wantOwner: "alpha",
		},
		{
			name: "tie-break cycle",
			// cc's claim causally follows aa's; bb is concurrent with
			// both and beats each pairwise comparison it enters.
			events: []event{
				claim("s1", "aa", vclock.Clock{"aa": 1}),
				claim("s1", "cc", vclock.Clock{"aa": 1, "cc": 1}),
				claim("s1", "bb", vclock.Clock{"bb": 1}),
			},
			wantOwner: "bb",
		},
		{
			name: "release then reclaim by another agent",
			events: []event{
				claim("s1", "aa", vclock.Clock{"aa": 1}),
				release("s1", "aa", vclock.Clock{"aa": 2}),
				claim("s1", "bb", vclock.Clock{"aa": 2, "bb": 1}),
			},
			wantOwner: "bb",
		},
		{
			name: "release with no competing claim",
			events: []event{
				claim("s1", "aa", vclock.Clock{"aa": 1}),
				heartbeat("s1", "aa", vclock.Clock{"aa": 2}),
				release("s1", "aa", vclock.Clock{"aa": 3}),
			},
			wantNone: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reference := applyAll(t, tt.events).Snapshot()
			for _, order := range permutations(tt.events) {
				s := applyAll(t, order)
				if !reflect.DeepEqual(s.Snapshot(), reference) {
					t.Fatalf("order %v diverged:\ngot:  %+v\nwant: %+v", order, s.Snapshot(), reference)
				}
				owner, ok := s.OwnerOf("s1")
				if tt.wantNone {
					if ok {
						t.Fatalf("order %v: got owner %q, want none", order, owner)
					}
				} else if !ok || owner != tt.wantOwner {
					t.Fatalf("order %v: got owner (%q, %v), want %q", order, owner, ok, tt.wantOwner)
				}
			}
		})
	}
}

func TestConvergenceWithDuplication(t *testing.T) {
	a := claim("s1", "alpha", vclock.Clock{"alpha": 1})
	b := claim("s1", "beta", vclock.Clock{"beta": 1})

	clean := applyAll(t, []event{a, b})
	noisy := applyAll(t, []event{b, a, b, b, a})
	if !reflect.DeepEqual(clean.Snapshot(), noisy.Snapshot()) {
		t.Fatalf("duplication diverged:\nclean: %+v\nnoisy: %+v", clean.Snapshot(), noisy.Snapshot())
	}
}

func TestExpireStaleReleasesSilentOwner(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s8", "alpha", vclock.Clock{"alpha": 1}))

	released := s.ExpireStale(t0.Add(31*time.Second), 30*time.Second)
	if len(released) != 1 || released[0] != "s8" {
		t.Fatalf("released: got %v, want [s8]", released)
	}
	if owner, ok := s.OwnerOf("s8"); ok {
		t.Fatalf("owner after expiry: got %q, want none", owner)
	}
}

func TestExpireStaleKeepsFreshOwner(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s9", "alpha", vclock.Clock{"alpha": 1}))

	released := s.ExpireStale(t0.Add(10*time.Second), 30*time.Second)
	if len(released) != 0 {
		t.Fatalf("released fresh segments: %v", released)
	}
	if _, ok := s.OwnerOf("s9"); !ok {
		t.Fatal("fresh owner expired")
	}
}

func TestApplyRejectsMalformedEvent(t *testing.T) {
	s := New()
	_, err := s.Apply(model.ClaimEvent{Segment: "s1", Claimant: "alpha", Kind: "plow"}, vclock.Clock{"alpha": 1}, t0)
	if err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestApplyRejectsEventWithoutOwnTick(t *testing.T) {
	s := New()
	_, err := s.Apply(
		model.ClaimEvent{Segment: "s1", Claimant: "alpha", Kind: model.KindClaim},
		vclock.Clock{"beta": 1}, t0,
	)
	if !errors.Is(err, ErrNoTick) {
		t.Fatalf("got %v, want ErrNoTick", err)
	}
}

func TestSegmentsSorted(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s3", "alpha", vclock.Clock{"alpha": 1}))
	mustApply(t, s, claim("s1", "alpha", vclock.Clock{"alpha": 2}))
	mustApply(t, s, claim("s2", "alpha", vclock.Clock{"alpha": 3}))

	got := s.Segments()
	want := []model.SegmentID{"s1", "s2", "s3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Segments: got %v, want %v", got, want)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s1", "alpha", vclock.Clock{"alpha": 1}))
	mustApply(t, s, claim("s1", "beta", vclock.Clock{"beta": 1}))
	mustApply(t, s, claim("s2", "beta", vclock.Clock{"beta": 2}))

	restored := New()
	if err := restored.Restore(s.Snapshot()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(restored.Snapshot(), s.Snapshot()) {
		t.Fatalf("round trip diverged:\ngot:  %+v\nwant: %+v", restored.Snapshot(), s.Snapshot())
	}
}

func TestRestoreOldSnapshotCannotFabricateProgress(t *testing.T) {
	s := New()
	mustApply(t, s, claim("s1", "alpha", vclock.Clock{"alpha": 1}))
	old := s.Snapshot()

	mustApply(t, s, release("s1", "alpha", vclock.Clock{"alpha": 2}))
	current := s.Snapshot()

	if err := s.Restore(old); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(s.Snapshot(), current) {
		t.Fatalf("old snapshot regressed state:\ngot:  %+v\nwant: %+v", s.Snapshot(), current)
	}
}

func TestRestoreRejectsMalformedRecord(t *testing.T) {
	s := New()
	err := s.Restore([]Record{{Segment: "s1", Claimant: "alpha", Kind: model.KindClaim, Clock: vclock.Clock{"beta": 1}}})
	if !errors.Is(err, ErrNoTick) {
		t.Fatalf("got %v, want ErrNoTick", err)
	}
}
