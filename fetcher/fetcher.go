// Package fetcher turns a feed specification and a pagination offset into the
// minimal set of raw row queries against the external store.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"kindred/models"
	"kindred/store"
	"kindred/visibility"
)

// Source is the slice of the store the fetcher queries. Identifier arguments
// are collections by design; issuing one query per item is not expressible.
type Source interface {
	RootPostsByAuthors(ctx context.Context, authorIDs []string, includeHidden bool, excludeAuthors []string, offset, limit int) ([]models.Post, error)
	AllRootPosts(ctx context.Context, excludeAuthors []string, offset, limit int) ([]models.Post, error)
	AuthorRootPosts(ctx context.Context, authorID string, includeHidden bool, offset, limit int) ([]models.Post, error)
	AuthorReplies(ctx context.Context, authorID string, includeHidden bool, offset, limit int) ([]models.Post, error)
	SearchPosts(ctx context.Context, text string, sort models.SortKey, viewerID string, excludeAuthors []string, offset, limit int) ([]models.Post, error)
	PostByID(ctx context.Context, id string) (models.Post, error)
	PostsByIDs(ctx context.Context, ids []string) ([]models.Post, error)
	RepliesByParents(ctx context.Context, parentIDs []string) ([]models.Post, error)
	LikedPostIDs(ctx context.Context, userID string, offset, limit int) ([]string, error)
	FollowedAuthorIDs(ctx context.Context, viewerID string) ([]string, error)
	ListMemberIDs(ctx context.Context, listID string) ([]string, error)
	PostTags(ctx context.Context, category models.TagCategory, postIDs []string) (map[string][]string, error)
}

// Result carries the raw streams for the merge stage. MoreAvailable reflects
// the pre-filter page size: a stream that over-fetched limit+1 rows signals
// more even when client-side tag filtering shrinks the page afterwards.
type Result struct {
	Streams       [][]models.Post
	MoreAvailable bool

	// Ascending marks thread replies, which keep conversational order and
	// bypass the descending merge sort.
	Ascending bool
}

type Fetcher struct {
	source Source
}

func NewFetcher(source Source) *Fetcher {
	return &Fetcher{source: source}
}

// Fetch issues the raw queries for one feed specification. Offsets are
// per-stream, positionally matching Result.Streams; missing entries start
// that stream from the top. Every query applies the exclusion set before any
// other filter and requests one row beyond the page to detect more results
// without a second round trip. A query failure aborts the whole call;
// partial streams are never returned.
func (f *Fetcher) Fetch(ctx context.Context, spec FeedSpec, offsets []int, limit int, vis visibility.Sets) (*Result, error) {
	switch s := spec.(type) {
	case Home:
		return f.fetchHome(ctx, s, offsets, limit, vis)
	case List:
		return f.fetchList(ctx, s, offsetAt(offsets, 0), limit, vis)
	case Search:
		return f.fetchSearch(ctx, s, offsetAt(offsets, 0), limit, vis)
	case Thread:
		return f.fetchThread(ctx, s, vis)
	case Profile:
		return f.fetchProfile(ctx, s, offsetAt(offsets, 0), limit, vis)
	default:
		return nil, fmt.Errorf("unknown feed spec %T", spec)
	}
}

func offsetAt(offsets []int, i int) int {
	if i < len(offsets) {
		return offsets[i]
	}
	return 0
}

// trimPage cuts the over-fetched row and reports whether it was present.
func trimPage(posts []models.Post, limit int) ([]models.Post, bool) {
	if len(posts) > limit {
		return posts[:limit], true
	}
	return posts, false
}

// aggregateExclusions joins blocked and muted authors; muted content never
// reaches aggregate feeds.
func aggregateExclusions(vis visibility.Sets) []string {
	return append(vis.ExcludedIDs(), vis.MutedIDs()...)
}

func (f *Fetcher) fetchHome(ctx context.Context, spec Home, offsets []int, limit int, vis visibility.Sets) (*Result, error) {
	if spec.ViewerID == "" {
		posts, err := f.source.AllRootPosts(ctx, nil, offsetAt(offsets, 0), limit+1)
		if err != nil {
			return nil, err
		}
		posts, more := trimPage(posts, limit)
		return &Result{Streams: [][]models.Post{posts}, MoreAvailable: more}, nil
	}

	// Own posts first so the merge stage keeps the moderation-inclusive copy
	own, err := f.source.AuthorRootPosts(ctx, spec.ViewerID, true, offsetAt(offsets, 0), limit+1)
	if err != nil {
		return nil, err
	}
	own, moreOwn := trimPage(own, limit)

	followed, err := f.source.FollowedAuthorIDs(ctx, spec.ViewerID)
	if err != nil {
		return nil, err
	}
	if len(followed) == 0 {
		return &Result{Streams: [][]models.Post{own}, MoreAvailable: moreOwn}, nil
	}

	others, err := f.source.RootPostsByAuthors(ctx, followed, false, aggregateExclusions(vis), offsetAt(offsets, 1), limit+1)
	if err != nil {
		return nil, err
	}
	others, moreOthers := trimPage(others, limit)

	return &Result{
		Streams:       [][]models.Post{own, others},
		MoreAvailable: moreOwn || moreOthers,
	}, nil
}

func (f *Fetcher) fetchList(ctx context.Context, spec List, offset, limit int, vis visibility.Sets) (*Result, error) {
	members, err := f.source.ListMemberIDs(ctx, spec.ListID)
	if err != nil {
		return nil, err
	}
	// A list with no members is a normal empty page; a post query with an
	// empty IN filter is never issued.
	if len(members) == 0 {
		return &Result{Streams: [][]models.Post{}}, nil
	}

	posts, err := f.source.RootPostsByAuthors(ctx, members, false, aggregateExclusions(vis), offset, limit+1)
	if err != nil {
		return nil, err
	}
	posts, more := trimPage(posts, limit)

	return &Result{Streams: [][]models.Post{posts}, MoreAvailable: more}, nil
}

func (f *Fetcher) fetchSearch(ctx context.Context, spec Search, offset, limit int, vis visibility.Sets) (*Result, error) {
	candidates, err := f.source.SearchPosts(ctx, spec.Query, spec.Sort(), spec.ViewerID, vis.ExcludedIDs(), offset, limit+1)
	if err != nil {
		return nil, err
	}
	// Signal continuation from the candidate count; tag filtering below may
	// shrink the page and that is acceptable.
	candidates, more := trimPage(candidates, limit)

	if len(spec.Tags) > 0 {
		candidates, err = f.filterByTags(ctx, candidates, spec.Tags, spec.Mode)
		if err != nil {
			return nil, err
		}
	}

	return &Result{Streams: [][]models.Post{candidates}, MoreAvailable: more}, nil
}

// filterByTags evaluates the tag filter over the fetched candidates with one
// batched tag query per selected category, never one query per candidate.
func (f *Fetcher) filterByTags(ctx context.Context, candidates []models.Post, filters []TagFilter, mode MatchMode) ([]models.Post, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	ids := lo.Map(candidates, func(p models.Post, _ int) string { return p.ID })

	categories := lo.Uniq(lo.Map(filters, func(t TagFilter, _ int) models.TagCategory {
		return t.Category
	}))

	tagged := make(map[models.TagCategory]map[string][]string, len(categories))
	for _, category := range categories {
		tags, err := f.source.PostTags(ctx, category, ids)
		if err != nil {
			return nil, err
		}
		tagged[category] = tags
	}

	matches := func(post models.Post, filter TagFilter) bool {
		return lo.Contains(tagged[filter.Category][post.ID], filter.Name)
	}

	return lo.Filter(candidates, func(post models.Post, _ int) bool {
		if mode == MatchAll {
			return lo.EveryBy(filters, func(filter TagFilter) bool {
				return matches(post, filter)
			})
		}
		return lo.SomeBy(filters, func(filter TagFilter) bool {
			return matches(post, filter)
		})
	}), nil
}

func (f *Fetcher) fetchThread(ctx context.Context, spec Thread, vis visibility.Sets) (*Result, error) {
	root, err := f.source.PostByID(ctx, spec.RootID)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{Streams: [][]models.Post{}, Ascending: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if !visibleTo(root, spec.ViewerID, vis) {
		// A blocked or hidden root behaves like a thread with no replies
		return &Result{Streams: [][]models.Post{}, Ascending: true}, nil
	}

	replies, err := f.source.RepliesByParents(ctx, []string{spec.RootID})
	if err != nil {
		return nil, err
	}
	replies = lo.Filter(replies, func(p models.Post, _ int) bool {
		return visibleTo(p, spec.ViewerID, vis)
	})

	return &Result{Streams: [][]models.Post{replies}, Ascending: true}, nil
}

func (f *Fetcher) fetchProfile(ctx context.Context, spec Profile, offset, limit int, vis visibility.Sets) (*Result, error) {
	if vis.IsExcluded(spec.AuthorID) {
		return &Result{Streams: [][]models.Post{}}, nil
	}

	// Hidden posts stay visible to their own author, marked by the composer
	includeHidden := spec.ViewerID != "" && spec.ViewerID == spec.AuthorID

	switch spec.Tab {
	case TabPosts, "":
		posts, err := f.source.AuthorRootPosts(ctx, spec.AuthorID, includeHidden, offset, limit+1)
		if err != nil {
			return nil, err
		}
		posts, more := trimPage(posts, limit)
		return &Result{Streams: [][]models.Post{posts}, MoreAvailable: more}, nil

	case TabReplies:
		posts, err := f.source.AuthorReplies(ctx, spec.AuthorID, includeHidden, offset, limit+1)
		if err != nil {
			return nil, err
		}
		posts, more := trimPage(posts, limit)
		return &Result{Streams: [][]models.Post{posts}, MoreAvailable: more}, nil

	case TabLikes:
		return f.fetchLikedPosts(ctx, spec, offset, limit, vis)

	default:
		return nil, fmt.Errorf("unknown profile tab %q", spec.Tab)
	}
}

func (f *Fetcher) fetchLikedPosts(ctx context.Context, spec Profile, offset, limit int, vis visibility.Sets) (*Result, error) {
	ids, err := f.source.LikedPostIDs(ctx, spec.AuthorID, offset, limit+1)
	if err != nil {
		return nil, err
	}
	more := len(ids) > limit
	if more {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return &Result{Streams: [][]models.Post{}}, nil
	}

	posts, err := f.source.PostsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := lo.KeyBy(posts, func(p models.Post) string { return p.ID })

	// Preserve like order; liked posts by blocked authors or hidden by
	// moderation fall out here
	ordered := make([]models.Post, 0, len(ids))
	for _, id := range ids {
		post, ok := byID[id]
		if !ok {
			log.WithFields(log.Fields{
				"post": id,
			}).Debug("Liked post no longer present")
			continue
		}
		if visibleTo(post, spec.ViewerID, vis) {
			ordered = append(ordered, post)
		}
	}

	return &Result{Streams: [][]models.Post{ordered}, MoreAvailable: more}, nil
}

// visibleTo applies the row-level visibility rule: blocked authors never
// surface, moderation-hidden posts surface only to their own author.
func visibleTo(post models.Post, viewerID string, vis visibility.Sets) bool {
	if vis.IsExcluded(post.AuthorID) {
		return false
	}
	if post.Hidden && post.AuthorID != viewerID {
		return false
	}
	return true
}
