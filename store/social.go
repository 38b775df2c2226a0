package store

import (
	"context"
)

func (s *Store) queryIDs(ctx context.Context, op, query string, args []interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return ids, nil
}

// BlockEdges returns every author on either side of a block edge with the
// viewer, in one query. The caller treats a failure here as fatal for feed
// composition.
func (s *Store) BlockEdges(ctx context.Context, viewerID string) ([]string, error) {
	sb := s.selectBuilder()
	sb.Select("blocks.blocker_id", "blocks.blocked_id").From("blocks")
	sb.Where(sb.Or(
		sb.Equal("blocks.blocker_id", viewerID),
		sb.Equal("blocks.blocked_id", viewerID),
	))

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("block edges", err)
	}
	defer rows.Close()

	var others []string
	for rows.Next() {
		var blocker, blocked string
		if err := rows.Scan(&blocker, &blocked); err != nil {
			return nil, unavailable("block edges", err)
		}
		if blocker == viewerID {
			others = append(others, blocked)
		} else {
			others = append(others, blocker)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("block edges", err)
	}
	return others, nil
}

// MutedAuthorIDs returns the authors the viewer has muted.
func (s *Store) MutedAuthorIDs(ctx context.Context, viewerID string) ([]string, error) {
	sb := s.selectBuilder()
	sb.Select("mutes.muted_id").From("mutes")
	sb.Where(sb.Equal("mutes.muter_id", viewerID))

	query, args := sb.Build()
	return s.queryIDs(ctx, "muted author ids", query, args)
}

// FollowedAuthorIDs returns the authors the viewer follows.
func (s *Store) FollowedAuthorIDs(ctx context.Context, viewerID string) ([]string, error) {
	sb := s.selectBuilder()
	sb.Select("follows.followee_id").From("follows")
	sb.Where(sb.Equal("follows.follower_id", viewerID))

	query, args := sb.Build()
	return s.queryIDs(ctx, "followed author ids", query, args)
}

// ListMemberIDs returns the member authors of a named list.
func (s *Store) ListMemberIDs(ctx context.Context, listID string) ([]string, error) {
	sb := s.selectBuilder()
	sb.Select("list_members.member_id").From("list_members")
	sb.Where(sb.Equal("list_members.list_id", listID))

	query, args := sb.Build()
	return s.queryIDs(ctx, "list member ids", query, args)
}
