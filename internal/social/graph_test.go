package social

import (
	"context"
	"path/filepath"
	"testing"

	"chatsync/internal/fault"
	"chatsync/internal/gateway"
	"chatsync/internal/gateway/local"
)

func testGraph(t *testing.T) (*Graph, gateway.Gateway) {
	t.Helper()
	gw, err := local.Open(filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	return NewGraph(gw), gw
}

func addProfile(t *testing.T, gw gateway.Gateway, id, name, handle string) {
	t.Helper()
	_, err := gw.Insert(context.Background(), gateway.TableProfiles, gateway.Row{
		"id": id, "display_name": name, "handle": handle,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestProfileNotFound(t *testing.T) {
	g, _ := testGraph(t)
	_, err := g.Profile(context.Background(), "ghost")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("got %v, want NotFound", err)
	}
}

func TestFollowAndMutual(t *testing.T) {
	g, gw := testGraph(t)
	ctx := context.Background()
	addProfile(t, gw, "a", "Alice", "alice")
	addProfile(t, gw, "b", "Bob", "bob")

	if err := g.Follow(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}

	mutual, err := g.Mutual(ctx, "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	if mutual {
		t.Error("one-directional follow reported mutual")
	}

	if err := g.Follow(ctx, "b", "a"); err != nil {
		t.Fatal(err)
	}
	mutual, err = g.Mutual(ctx, "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	if !mutual {
		t.Error("bidirectional follow not reported mutual")
	}
}

func TestFollowIdempotent(t *testing.T) {
	g, gw := testGraph(t)
	ctx := context.Background()
	addProfile(t, gw, "a", "Alice", "alice")
	addProfile(t, gw, "b", "Bob", "bob")

	if err := g.Follow(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.Follow(ctx, "a", "b"); err != nil {
		t.Errorf("second follow: %v", err)
	}

	following, err := g.Following(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(following) != 1 {
		t.Errorf("got %d followed, want 1", len(following))
	}
}

func TestFollowSelf(t *testing.T) {
	g, _ := testGraph(t)
	err := g.Follow(context.Background(), "a", "a")
	if !fault.IsKind(err, fault.PolicyViolation) {
		t.Errorf("got %v, want PolicyViolation", err)
	}
}

func TestFollowingOrderAndUnfollow(t *testing.T) {
	g, gw := testGraph(t)
	ctx := context.Background()
	addProfile(t, gw, "a", "Alice", "alice")
	addProfile(t, gw, "b", "Bob", "bob")
	addProfile(t, gw, "c", "Carol", "carol")

	// Explicit timestamps keep follow order deterministic.
	for i, id := range []string{"b", "c"} {
		if _, err := gw.Insert(ctx, gateway.TableFollows, gateway.Row{
			"follower_id": "a", "followee_id": id, "created_at": int64(1000 * (i + 1)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	following, err := g.Following(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(following) != 2 || following[0].ID != "b" || following[1].ID != "c" {
		t.Fatalf("following = %+v", following)
	}

	if err := g.Unfollow(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	following, _ = g.Following(ctx, "a")
	if len(following) != 1 || following[0].ID != "c" {
		t.Errorf("after unfollow: %+v", following)
	}

	// Unfollowing a missing edge is a no-op.
	if err := g.Unfollow(ctx, "a", "b"); err != nil {
		t.Errorf("repeat unfollow: %v", err)
	}
}
