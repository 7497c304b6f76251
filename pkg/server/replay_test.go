package server

import (
	"context"
	"testing"
	"time"
)

func TestLocalReplayCacheClaimID(t *testing.T) {
	rc := NewLocalReplayCache()
	ctx := context.Background()

	claimed, err := rc.ClaimID(ctx, 101, time.Minute)
	if err != nil {
		t.Fatalf("ClaimID: %v", err)
	}
	if claimed {
		t.Fatalf("first claim of id 101 reported already claimed")
	}

	claimed, err = rc.ClaimID(ctx, 101, time.Minute)
	if err != nil {
		t.Fatalf("ClaimID: %v", err)
	}
	if !claimed {
		t.Fatalf("second claim of id 101 should report already claimed")
	}

	if err := rc.ReleaseID(ctx, 101); err != nil {
		t.Fatalf("ReleaseID: %v", err)
	}
	claimed, err = rc.ClaimID(ctx, 101, time.Minute)
	if err != nil {
		t.Fatalf("ClaimID after release: %v", err)
	}
	if claimed {
		t.Fatalf("id 101 should be claimable again after release")
	}
}

func TestLocalReplayCacheClaimChallenge(t *testing.T) {
	rc := NewLocalReplayCache()
	ctx := context.Background()
	var challenge [32]byte
	challenge[0] = 0xAB

	seen, err := rc.ClaimChallenge(ctx, challenge, time.Minute)
	if err != nil {
		t.Fatalf("ClaimChallenge: %v", err)
	}
	if seen {
		t.Fatalf("first sighting of challenge reported already seen")
	}

	seen, err = rc.ClaimChallenge(ctx, challenge, time.Minute)
	if err != nil {
		t.Fatalf("ClaimChallenge: %v", err)
	}
	if !seen {
		t.Fatalf("replayed challenge should report already seen")
	}
}

func TestTableUsesReplayCacheForIDClaims(t *testing.T) {
	shared := NewLocalReplayCache()

	a := NewTable(0)
	a.SetReplayCache(shared)
	b := NewTable(0)
	b.SetReplayCache(shared)

	idA, err := a.Insert(&Record{})
	if err != nil {
		t.Fatalf("a.Insert: %v", err)
	}
	idB, err := b.Insert(&Record{})
	if err != nil {
		t.Fatalf("b.Insert: %v", err)
	}
	if idA == idB {
		t.Fatalf("two tables sharing a replay cache allocated the same connection id %d", idA)
	}
}
