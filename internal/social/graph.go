// Package social reads the follow graph and public profiles. The
// mutual-follow check here is the gate for starting conversations.
package social

import (
	"context"
	"fmt"

	"chatsync/internal/fault"
	"chatsync/internal/gateway"
)

// Profile is a user's public identity as shown in conversation lists
// and contact suggestions.
type Profile struct {
	ID          string
	DisplayName string
	Handle      string
	AvatarURL   string
}

// ProfileFromRow normalizes a gateway row into a Profile. This is the
// only place profile row shape is interpreted.
func ProfileFromRow(row gateway.Row) Profile {
	return Profile{
		ID:          row.Str("id"),
		DisplayName: row.Str("display_name"),
		Handle:      row.Str("handle"),
		AvatarURL:   row.Str("avatar_url"),
	}
}

// Graph exposes follow relationships over the gateway.
type Graph struct {
	gw gateway.Gateway
}

// NewGraph creates a follow graph reader.
func NewGraph(gw gateway.Gateway) *Graph {
	return &Graph{gw: gw}
}

// Profile fetches one public profile.
func (g *Graph) Profile(ctx context.Context, userID string) (Profile, error) {
	rows, err := g.gw.Fetch(ctx, gateway.TableProfiles, []gateway.Cond{gateway.Eq("id", userID)}, nil)
	if err != nil {
		return Profile{}, fault.Wrap(fault.TransientIO, "social.profile", err)
	}
	if len(rows) == 0 {
		return Profile{}, fault.New(fault.NotFound, "social.profile", "profile %s", userID)
	}
	return ProfileFromRow(rows[0]), nil
}

// Following returns the profiles the user follows, in follow order.
func (g *Graph) Following(ctx context.Context, userID string) ([]Profile, error) {
	rows, err := g.gw.Fetch(ctx, gateway.TableFollows,
		[]gateway.Cond{gateway.Eq("follower_id", userID)}, gateway.Asc("created_at"))
	if err != nil {
		return nil, fault.Wrap(fault.TransientIO, "social.following", err)
	}

	profiles := make([]Profile, 0, len(rows))
	for _, row := range rows {
		p, err := g.Profile(ctx, row.Str("followee_id"))
		if err != nil {
			if fault.IsKind(err, fault.NotFound) {
				continue // dangling follow row, skip
			}
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Follows reports whether follower follows followee.
func (g *Graph) Follows(ctx context.Context, followerID, followeeID string) (bool, error) {
	rows, err := g.gw.Fetch(ctx, gateway.TableFollows, []gateway.Cond{
		gateway.Eq("follower_id", followerID),
		gateway.Eq("followee_id", followeeID),
	}, nil)
	if err != nil {
		return false, fault.Wrap(fault.TransientIO, "social.follows", err)
	}
	return len(rows) > 0, nil
}

// Mutual reports whether a and b follow each other.
func (g *Graph) Mutual(ctx context.Context, a, b string) (bool, error) {
	ab, err := g.Follows(ctx, a, b)
	if err != nil || !ab {
		return false, err
	}
	return g.Follows(ctx, b, a)
}

// Follow records that follower follows followee. Idempotent.
func (g *Graph) Follow(ctx context.Context, followerID, followeeID string) error {
	if followerID == followeeID {
		return fault.New(fault.PolicyViolation, "social.follow", "cannot follow yourself")
	}
	exists, err := g.Follows(ctx, followerID, followeeID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := g.gw.Insert(ctx, gateway.TableFollows, gateway.Row{
		"follower_id": followerID,
		"followee_id": followeeID,
	}); err != nil {
		return fault.Wrap(fault.TransientIO, "social.follow", fmt.Errorf("insert follow: %w", err))
	}
	return nil
}

// Unfollow removes the follow edge. Removing a missing edge is a no-op.
func (g *Graph) Unfollow(ctx context.Context, followerID, followeeID string) error {
	err := g.gw.Delete(ctx, gateway.TableFollows, []gateway.Cond{
		gateway.Eq("follower_id", followerID),
		gateway.Eq("followee_id", followeeID),
	})
	if err != nil {
		return fault.Wrap(fault.TransientIO, "social.unfollow", err)
	}
	return nil
}
