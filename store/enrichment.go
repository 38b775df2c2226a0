package store

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"kindred/models"
)

// ReplyCounts returns the number of direct replies per post for the whole
// batch in one grouped count query. Posts with no replies have no entry.
func (s *Store) ReplyCounts(ctx context.Context, postIDs []string) (map[string]int, error) {
	if len(postIDs) == 0 {
		return map[string]int{}, nil
	}

	sb := s.selectBuilder()
	sb.Select("posts.parent_id", "COUNT(*)").From("posts")
	sb.Where(sb.In("posts.parent_id", lo.ToAnySlice(postIDs)...))
	sb.GroupBy("posts.parent_id")

	query, args := sb.Build()
	return s.queryCounts(ctx, "reply counts", query, args)
}

// LikeCounts returns the number of likes per post for the whole batch in one
// grouped count query.
func (s *Store) LikeCounts(ctx context.Context, postIDs []string) (map[string]int, error) {
	if len(postIDs) == 0 {
		return map[string]int{}, nil
	}

	sb := s.selectBuilder()
	sb.Select("likes.post_id", "COUNT(*)").From("likes")
	sb.Where(sb.In("likes.post_id", lo.ToAnySlice(postIDs)...))
	sb.GroupBy("likes.post_id")

	query, args := sb.Build()
	return s.queryCounts(ctx, "like counts", query, args)
}

func (s *Store) queryCounts(ctx context.Context, op, query string, args []interface{}) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, unavailable(op, err)
		}
		counts[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return counts, nil
}

// LikedByUser returns which of postIDs the user has liked, in one IN query.
func (s *Store) LikedByUser(ctx context.Context, userID string, postIDs []string) ([]string, error) {
	if len(postIDs) == 0 {
		return []string{}, nil
	}

	sb := s.selectBuilder()
	sb.Select("likes.post_id").From("likes")
	sb.Where(sb.Equal("likes.user_id", userID))
	sb.Where(sb.In("likes.post_id", lo.ToAnySlice(postIDs)...))

	query, args := sb.Build()
	return s.queryIDs(ctx, "liked by user", query, args)
}

// RepliedByUser returns which of postIDs the user has replied to, in one
// IN query.
func (s *Store) RepliedByUser(ctx context.Context, userID string, postIDs []string) ([]string, error) {
	if len(postIDs) == 0 {
		return []string{}, nil
	}

	sb := s.selectBuilder()
	sb.Select("DISTINCT posts.parent_id").From("posts")
	sb.Where(sb.Equal("posts.author_id", userID))
	sb.Where(sb.In("posts.parent_id", lo.ToAnySlice(postIDs)...))

	query, args := sb.Build()
	return s.queryIDs(ctx, "replied by user", query, args)
}

type tagJoin struct {
	joinTable  string
	nameTable  string
	foreignKey string
}

var tagJoins = map[models.TagCategory]tagJoin{
	models.TagDiagnosis:  {"post_diagnoses", "diagnoses", "diagnosis_id"},
	models.TagTreatment:  {"post_treatments", "treatments", "treatment_id"},
	models.TagMedication: {"post_medications", "medications", "medication_id"},
}

// PostTags returns the tag names of one category for the whole batch in one
// query with a single join to the name table. Medication tags collapse to one
// entry per underlying ingredient per post; duplicate names within any
// category are dropped.
func (s *Store) PostTags(ctx context.Context, category models.TagCategory, postIDs []string) (map[string][]string, error) {
	if len(postIDs) == 0 {
		return map[string][]string{}, nil
	}

	join, ok := tagJoins[category]
	if !ok {
		return nil, fmt.Errorf("unknown tag category: %s", category)
	}

	sb := s.selectBuilder()
	if category == models.TagMedication {
		sb.Select(join.joinTable+".post_id", join.nameTable+".name", join.nameTable+".ingredient")
	} else {
		sb.Select(join.joinTable+".post_id", join.nameTable+".name")
	}
	sb.From(join.joinTable)
	sb.Join(join.nameTable, fmt.Sprintf("%s.id = %s.%s", join.nameTable, join.joinTable, join.foreignKey))
	sb.Where(sb.In(join.joinTable+".post_id", lo.ToAnySlice(postIDs)...))
	sb.OrderBy(join.joinTable + ".post_id")

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("post tags", err)
	}
	defer rows.Close()

	tags := map[string][]string{}
	// Tracks (post, ingredient) for medications, (post, name) otherwise
	seen := map[string]struct{}{}

	for rows.Next() {
		var postID, name string
		var dedupKey string
		if category == models.TagMedication {
			var ingredient string
			if err := rows.Scan(&postID, &name, &ingredient); err != nil {
				return nil, unavailable("post tags", err)
			}
			dedupKey = postID + "\x00" + ingredient
		} else {
			if err := rows.Scan(&postID, &name); err != nil {
				return nil, unavailable("post tags", err)
			}
			dedupKey = postID + "\x00" + name
		}
		if _, dup := seen[dedupKey]; dup {
			continue
		}
		seen[dedupKey] = struct{}{}
		tags[postID] = append(tags[postID], name)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("post tags", err)
	}
	return tags, nil
}

// AuthorsByIDs returns author summaries for the distinct batch in one
// IN query.
func (s *Store) AuthorsByIDs(ctx context.Context, ids []string) (map[string]models.AuthorSummary, error) {
	if len(ids) == 0 {
		return map[string]models.AuthorSummary{}, nil
	}

	sb := s.selectBuilder()
	sb.Select("users.id", "users.display_name", "users.avatar_url").From("users")
	sb.Where(sb.In("users.id", lo.ToAnySlice(ids)...))

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("authors by ids", err)
	}
	defer rows.Close()

	authors := map[string]models.AuthorSummary{}
	for rows.Next() {
		var author models.AuthorSummary
		var avatar *string
		if err := rows.Scan(&author.ID, &author.DisplayName, &avatar); err != nil {
			return nil, unavailable("authors by ids", err)
		}
		author.AvatarURL = avatar
		authors[author.ID] = author
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("authors by ids", err)
	}
	return authors, nil
}
