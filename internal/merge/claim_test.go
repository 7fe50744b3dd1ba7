package merge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestClaims(t *testing.T) (*RedisClaims, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	claims, err := NewRedisClaims("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create claim store: %v", err)
	}
	return claims, s
}

func TestTryClaimSingleWinner(t *testing.T) {
	claims, s := setupTestClaims(t)
	defer claims.Close()
	defer s.Close()

	ctx := context.Background()
	won, err := claims.TryClaim(ctx, "R1:W2", "conn-a")
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if !won {
		t.Fatal("expected first claim to win")
	}

	won, err = claims.TryClaim(ctx, "R1:W2", "conn-b")
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if won {
		t.Error("expected second claimer to lose")
	}

	// A different merge key is independent.
	won, err = claims.TryClaim(ctx, "R9:W7", "conn-b")
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if !won {
		t.Error("expected unrelated key to be claimable")
	}
}

func TestClaimExpires(t *testing.T) {
	claims, s := setupTestClaims(t)
	defer claims.Close()
	defer s.Close()

	ctx := context.Background()
	if won, _ := claims.TryClaim(ctx, "R1:W2", "conn-a"); !won {
		t.Fatal("expected first claim to win")
	}

	s.FastForward(2 * time.Minute)

	won, err := claims.TryClaim(ctx, "R1:W2", "conn-b")
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if !won {
		t.Error("expected claim to be retakeable after TTL")
	}
}

func TestReleaseOnlyRemovesOwnClaim(t *testing.T) {
	claims, s := setupTestClaims(t)
	defer claims.Close()
	defer s.Close()

	ctx := context.Background()
	if won, _ := claims.TryClaim(ctx, "R1:W2", "conn-a"); !won {
		t.Fatal("expected claim to win")
	}

	if err := claims.Release(ctx, "R1:W2", "conn-b"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if won, _ := claims.TryClaim(ctx, "R1:W2", "conn-b"); won {
		t.Error("expected foreign release to leave the claim in place")
	}

	if err := claims.Release(ctx, "R1:W2", "conn-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if won, _ := claims.TryClaim(ctx, "R1:W2", "conn-b"); !won {
		t.Error("expected holder release to free the claim")
	}
}
