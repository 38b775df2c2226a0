package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"kindred/models"
)

var postColumns = []string{
	"posts.id", "posts.author_id", "posts.text",
	"posts.created_at", "posts.updated_at", "posts.experienced_at",
	"posts.parent_id", "posts.hidden", "posts.hidden_reason",
}

func scanPost(rows interface{ Scan(...any) error }) (models.Post, error) {
	var (
		post          models.Post
		createdAt     int64
		updatedAt     int64
		experiencedAt sql.NullString
		parentID      sql.NullString
		hiddenReason  sql.NullString
	)
	err := rows.Scan(
		&post.ID, &post.AuthorID, &post.Text,
		&createdAt, &updatedAt, &experiencedAt,
		&parentID, &post.Hidden, &hiddenReason,
	)
	if err != nil {
		return post, err
	}
	post.CreatedAt = time.Unix(createdAt, 0).UTC()
	post.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if experiencedAt.Valid {
		post.ExperiencedAt = &experiencedAt.String
	}
	if parentID.Valid {
		post.ParentID = &parentID.String
	}
	if hiddenReason.Valid {
		post.HiddenReason = &hiddenReason.String
	}
	return post, nil
}

func (s *Store) queryPosts(ctx context.Context, op, query string, args []interface{}) ([]models.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return posts, nil
}

// RootPostsByAuthors returns root posts authored by any of authorIDs, newest
// first. The exclusion set is applied before any other filter. Returns an
// empty slice without a query when authorIDs is empty; an IN filter is never
// issued with an empty list.
func (s *Store) RootPostsByAuthors(ctx context.Context, authorIDs []string, includeHidden bool, excludeAuthors []string, offset, limit int) ([]models.Post, error) {
	if len(authorIDs) == 0 {
		return []models.Post{}, nil
	}

	sb := s.selectBuilder()
	sb.Select(postColumns...).From("posts")
	if len(excludeAuthors) > 0 {
		sb.Where(sb.NotIn("posts.author_id", lo.ToAnySlice(excludeAuthors)...))
	}
	sb.Where(sb.In("posts.author_id", lo.ToAnySlice(authorIDs)...))
	sb.Where(sb.IsNull("posts.parent_id"))
	if !includeHidden {
		sb.Where(sb.Equal("posts.hidden", false))
	}
	sb.OrderBy("posts.created_at DESC", "posts.id DESC")
	sb.Offset(offset).Limit(limit)

	query, args := sb.Build()
	return s.queryPosts(ctx, "root posts by authors", query, args)
}

// AllRootPosts returns non-hidden root posts from every author, newest first.
// Used for the anonymous home timeline.
func (s *Store) AllRootPosts(ctx context.Context, excludeAuthors []string, offset, limit int) ([]models.Post, error) {
	sb := s.selectBuilder()
	sb.Select(postColumns...).From("posts")
	if len(excludeAuthors) > 0 {
		sb.Where(sb.NotIn("posts.author_id", lo.ToAnySlice(excludeAuthors)...))
	}
	sb.Where(sb.IsNull("posts.parent_id"))
	sb.Where(sb.Equal("posts.hidden", false))
	sb.OrderBy("posts.created_at DESC", "posts.id DESC")
	sb.Offset(offset).Limit(limit)

	query, args := sb.Build()
	return s.queryPosts(ctx, "all root posts", query, args)
}

// AuthorRootPosts returns one author's root posts, newest first. Hidden posts
// are included only when the author is viewing their own profile.
func (s *Store) AuthorRootPosts(ctx context.Context, authorID string, includeHidden bool, offset, limit int) ([]models.Post, error) {
	sb := s.selectBuilder()
	sb.Select(postColumns...).From("posts")
	sb.Where(sb.Equal("posts.author_id", authorID))
	sb.Where(sb.IsNull("posts.parent_id"))
	if !includeHidden {
		sb.Where(sb.Equal("posts.hidden", false))
	}
	sb.OrderBy("posts.created_at DESC", "posts.id DESC")
	sb.Offset(offset).Limit(limit)

	query, args := sb.Build()
	return s.queryPosts(ctx, "author root posts", query, args)
}

// AuthorReplies returns one author's replies, newest first.
func (s *Store) AuthorReplies(ctx context.Context, authorID string, includeHidden bool, offset, limit int) ([]models.Post, error) {
	sb := s.selectBuilder()
	sb.Select(postColumns...).From("posts")
	sb.Where(sb.Equal("posts.author_id", authorID))
	sb.Where(sb.IsNotNull("posts.parent_id"))
	if !includeHidden {
		sb.Where(sb.Equal("posts.hidden", false))
	}
	sb.OrderBy("posts.created_at DESC", "posts.id DESC")
	sb.Offset(offset).Limit(limit)

	query, args := sb.Build()
	return s.queryPosts(ctx, "author replies", query, args)
}

// SearchPosts matches text as a case-insensitive substring, ordered by the
// requested sort key so the page window and the page order agree. Hidden
// posts stay findable by their own author. Tag filtering happens client-side
// on the candidates, so callers may receive fewer than a full page after
// filtering.
func (s *Store) SearchPosts(ctx context.Context, text string, sort models.SortKey, viewerID string, excludeAuthors []string, offset, limit int) ([]models.Post, error) {
	log.WithFields(log.Fields{
		"text":   text,
		"sort":   sort,
		"offset": offset,
		"limit":  limit,
	}).Debug("Searching posts")

	sb := s.selectBuilder()
	sb.Select(postColumns...).From("posts")
	if len(excludeAuthors) > 0 {
		sb.Where(sb.NotIn("posts.author_id", lo.ToAnySlice(excludeAuthors)...))
	}
	if strings.TrimSpace(text) != "" {
		pattern := "%" + strings.ToLower(text) + "%"
		sb.Where(sb.Like("LOWER(posts.text)", pattern))
	}
	if viewerID != "" {
		sb.Where(sb.Or(
			sb.Equal("posts.hidden", false),
			sb.Equal("posts.author_id", viewerID),
		))
	} else {
		sb.Where(sb.Equal("posts.hidden", false))
	}
	switch sort {
	case models.SortUpdated:
		sb.OrderBy("posts.updated_at DESC", "posts.created_at DESC", "posts.id DESC")
	case models.SortExperienced:
		// Rows without the field are excluded, not sorted last
		sb.Where(sb.IsNotNull("posts.experienced_at"))
		sb.OrderBy("posts.experienced_at DESC", "posts.created_at DESC", "posts.id DESC")
	default:
		sb.OrderBy("posts.created_at DESC", "posts.id DESC")
	}
	sb.Offset(offset).Limit(limit)

	query, args := sb.Build()
	return s.queryPosts(ctx, "search posts", query, args)
}

// PostByID fetches a single post. Returns ErrNotFound when it does not exist.
func (s *Store) PostByID(ctx context.Context, id string) (models.Post, error) {
	sb := s.selectBuilder()
	sb.Select(postColumns...).From("posts")
	sb.Where(sb.Equal("posts.id", id))

	query, args := sb.Build()
	row := s.db.QueryRowContext(ctx, query, args...)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post, ErrNotFound
	}
	if err != nil {
		return post, unavailable("post by id", err)
	}
	return post, nil
}

// PostsByIDs fetches a batch of posts by identifier in one IN query.
func (s *Store) PostsByIDs(ctx context.Context, ids []string) ([]models.Post, error) {
	if len(ids) == 0 {
		return []models.Post{}, nil
	}

	sb := s.selectBuilder()
	sb.Select(postColumns...).From("posts")
	sb.Where(sb.In("posts.id", lo.ToAnySlice(ids)...))

	query, args := sb.Build()
	return s.queryPosts(ctx, "posts by ids", query, args)
}

// RepliesByParents returns the direct replies of every parent in one query,
// oldest first. Conversational reading order is the one place the engine
// sorts ascending.
func (s *Store) RepliesByParents(ctx context.Context, parentIDs []string) ([]models.Post, error) {
	if len(parentIDs) == 0 {
		return []models.Post{}, nil
	}

	sb := s.selectBuilder()
	sb.Select(postColumns...).From("posts")
	sb.Where(sb.In("posts.parent_id", lo.ToAnySlice(parentIDs)...))
	sb.OrderBy("posts.created_at ASC", "posts.id ASC")

	query, args := sb.Build()
	return s.queryPosts(ctx, "replies by parents", query, args)
}

// LikedPostIDs returns the identifiers of posts a user has liked, most recent
// like first.
func (s *Store) LikedPostIDs(ctx context.Context, userID string, offset, limit int) ([]string, error) {
	sb := s.selectBuilder()
	sb.Select("likes.post_id").From("likes")
	sb.Where(sb.Equal("likes.user_id", userID))
	sb.OrderBy("likes.created_at DESC", "likes.post_id DESC")
	sb.Offset(offset).Limit(limit)

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("liked post ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("liked post ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("liked post ids", err)
	}
	return ids, nil
}
