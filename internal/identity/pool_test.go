package identity

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fakeRefresher struct{ err error }

func (f fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "tok-" + refreshToken, Expiry: time.Now().Add(time.Hour)}, nil
}

func newTestIdentity(id string) *Identity {
	return New(id, id, "proj", "refresh-"+id, fakeRefresher{})
}

func TestPoolRoundRobinCycles(t *testing.T) {
	pool := NewPool([]*Identity{newTestIdentity("a"), newTestIdentity("b"), newTestIdentity("c")})

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		id, err := pool.Select(ModeRoundRobin, "", nil, nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[id.ID]++
	}

	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 2 {
			t.Fatalf("expected identity %s selected twice, got %d (%v)", id, seen[id], seen)
		}
	}
}

func TestPoolSkipsDisabledAndCooldown(t *testing.T) {
	a, b := newTestIdentity("a"), newTestIdentity("b")
	a.Disable()
	pool := NewPool([]*Identity{a, b})

	id, err := pool.Select(ModeRoundRobin, "", nil, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id.ID != "b" {
		t.Fatalf("expected b, got %s", id.ID)
	}

	b.Cooldown(time.Minute)
	if _, err := pool.Select(ModeRoundRobin, "", nil, nil); err != ErrNoIdentityAvailable {
		t.Fatalf("expected ErrNoIdentityAvailable, got %v", err)
	}
}

func TestPoolBestQuotaPrefersHigherQuota(t *testing.T) {
	a, b := newTestIdentity("a"), newTestIdentity("b")
	a.SetQuota(Quota{Model: "m", Remaining: 10})
	b.SetQuota(Quota{Model: "m", Remaining: 90})
	pool := NewPool([]*Identity{a, b})

	id, err := pool.Select(ModeBestQuota, "", []string{"m"}, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id.ID != "b" {
		t.Fatalf("expected b (higher quota), got %s", id.ID)
	}
}

func TestPoolStickyFallsBackBelowFloor(t *testing.T) {
	a, b := newTestIdentity("a"), newTestIdentity("b")
	a.SetQuota(Quota{Model: "m", Remaining: 1})
	b.SetQuota(Quota{Model: "m", Remaining: 80})
	pool := NewPool([]*Identity{a, b})
	pool.RecordAffinity("fp1", "a")

	id, err := pool.Select(ModeSticky, "fp1", []string{"m"}, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id.ID != "b" {
		t.Fatalf("expected fallback to b when sticky identity below quota floor, got %s", id.ID)
	}
}

func TestIdentityTryAcquireSerializesNonImage(t *testing.T) {
	id := newTestIdentity("a")
	if !id.TryAcquire(false) {
		t.Fatal("expected first acquire to succeed")
	}
	if id.TryAcquire(false) {
		t.Fatal("expected second concurrent non-image acquire to fail")
	}
	id.Release(false)
	if !id.TryAcquire(false) {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestIdentityAccessTokenCachesUntilExpiry(t *testing.T) {
	id := newTestIdentity("a")
	tok1, err := id.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	tok2, err := id.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("expected cached token reused, got %q then %q", tok1, tok2)
	}
}
