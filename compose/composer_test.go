package compose_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kindred/compose"
	"kindred/enrich"
	"kindred/fetcher"
	"kindred/models"
	"kindred/store"
	"kindred/visibility"
)

// fakeStore backs the whole composition pipeline: relations for the resolver,
// rows for the fetcher, counts for the enricher and author summaries for the
// composer.
type fakeStore struct {
	posts       []models.Post
	follows     map[string][]string
	blocks      map[string][]string
	mutes       map[string][]string
	listMembers map[string][]string
	likedByUser map[string][]string
	replyCounts map[string]int
	likeCounts  map[string]int
	authors     map[string]models.AuthorSummary

	blockErr   error
	postsErr   error
	authorsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		follows:     map[string][]string{},
		blocks:      map[string][]string{},
		mutes:       map[string][]string{},
		listMembers: map[string][]string{},
		likedByUser: map[string][]string{},
		replyCounts: map[string]int{},
		likeCounts:  map[string]int{},
		authors:     map[string]models.AuthorSummary{},
	}
}

func (f *fakeStore) add(post models.Post) {
	f.posts = append(f.posts, post)
}

func (f *fakeStore) sorted() []models.Post {
	return f.sortedBy(models.SortCreated)
}

func (f *fakeStore) sortedBy(key models.SortKey) []models.Post {
	posts := append([]models.Post{}, f.posts...)
	sort.Slice(posts, func(i, j int) bool {
		a, b := posts[i], posts[j]
		if key == models.SortUpdated && !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return posts
}

func clip(posts []models.Post, offset, limit int) []models.Post {
	if offset >= len(posts) {
		return nil
	}
	posts = posts[offset:]
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts
}

func (f *fakeStore) selectPosts(keep func(models.Post) bool, excludeAuthors []string, offset, limit int) ([]models.Post, error) {
	if f.postsErr != nil {
		return nil, f.postsErr
	}
	posts := lo.Filter(f.sorted(), func(p models.Post, _ int) bool {
		return !lo.Contains(excludeAuthors, p.AuthorID) && keep(p)
	})
	return clip(posts, offset, limit), nil
}

// fetcher.Source

func (f *fakeStore) RootPostsByAuthors(ctx context.Context, authorIDs []string, includeHidden bool, excludeAuthors []string, offset, limit int) ([]models.Post, error) {
	return f.selectPosts(func(p models.Post) bool {
		return p.IsRoot() && lo.Contains(authorIDs, p.AuthorID) && (includeHidden || !p.Hidden)
	}, excludeAuthors, offset, limit)
}

func (f *fakeStore) AllRootPosts(ctx context.Context, excludeAuthors []string, offset, limit int) ([]models.Post, error) {
	return f.selectPosts(func(p models.Post) bool {
		return p.IsRoot() && !p.Hidden
	}, excludeAuthors, offset, limit)
}

func (f *fakeStore) AuthorRootPosts(ctx context.Context, authorID string, includeHidden bool, offset, limit int) ([]models.Post, error) {
	return f.selectPosts(func(p models.Post) bool {
		return p.IsRoot() && p.AuthorID == authorID && (includeHidden || !p.Hidden)
	}, nil, offset, limit)
}

func (f *fakeStore) AuthorReplies(ctx context.Context, authorID string, includeHidden bool, offset, limit int) ([]models.Post, error) {
	return f.selectPosts(func(p models.Post) bool {
		return !p.IsRoot() && p.AuthorID == authorID && (includeHidden || !p.Hidden)
	}, nil, offset, limit)
}

func (f *fakeStore) SearchPosts(ctx context.Context, text string, sort models.SortKey, viewerID string, excludeAuthors []string, offset, limit int) ([]models.Post, error) {
	if f.postsErr != nil {
		return nil, f.postsErr
	}
	posts := lo.Filter(f.sortedBy(sort), func(p models.Post, _ int) bool {
		if lo.Contains(excludeAuthors, p.AuthorID) {
			return false
		}
		return !p.Hidden || p.AuthorID == viewerID
	})
	return clip(posts, offset, limit), nil
}

func (f *fakeStore) PostByID(ctx context.Context, id string) (models.Post, error) {
	for _, p := range f.posts {
		if p.ID == id {
			return p, nil
		}
	}
	return models.Post{}, store.ErrNotFound
}

func (f *fakeStore) PostsByIDs(ctx context.Context, ids []string) ([]models.Post, error) {
	return lo.Filter(f.posts, func(p models.Post, _ int) bool {
		return lo.Contains(ids, p.ID)
	}), nil
}

func (f *fakeStore) RepliesByParents(ctx context.Context, parentIDs []string) ([]models.Post, error) {
	replies := lo.Filter(f.posts, func(p models.Post, _ int) bool {
		return p.ParentID != nil && lo.Contains(parentIDs, *p.ParentID)
	})
	sort.Slice(replies, func(i, j int) bool {
		return replies[i].CreatedAt.Before(replies[j].CreatedAt)
	})
	return replies, nil
}

func (f *fakeStore) LikedPostIDs(ctx context.Context, userID string, offset, limit int) ([]string, error) {
	ids := f.likedByUser[userID]
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) FollowedAuthorIDs(ctx context.Context, viewerID string) ([]string, error) {
	return f.follows[viewerID], nil
}

func (f *fakeStore) ListMemberIDs(ctx context.Context, listID string) ([]string, error) {
	return f.listMembers[listID], nil
}

func (f *fakeStore) PostTags(ctx context.Context, category models.TagCategory, postIDs []string) (map[string][]string, error) {
	return map[string][]string{}, nil
}

// visibility.Relations

func (f *fakeStore) BlockEdges(ctx context.Context, viewerID string) ([]string, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	return f.blocks[viewerID], nil
}

func (f *fakeStore) MutedAuthorIDs(ctx context.Context, viewerID string) ([]string, error) {
	return f.mutes[viewerID], nil
}

// enrich.Stats

func (f *fakeStore) ReplyCounts(ctx context.Context, postIDs []string) (map[string]int, error) {
	counts := map[string]int{}
	for _, id := range postIDs {
		if n := f.replyCounts[id]; n > 0 {
			counts[id] = n
		}
	}
	return counts, nil
}

func (f *fakeStore) LikeCounts(ctx context.Context, postIDs []string) (map[string]int, error) {
	counts := map[string]int{}
	for _, id := range postIDs {
		if n := f.likeCounts[id]; n > 0 {
			counts[id] = n
		}
	}
	return counts, nil
}

func (f *fakeStore) LikedByUser(ctx context.Context, userID string, postIDs []string) ([]string, error) {
	return lo.Filter(f.likedByUser[userID], func(id string, _ int) bool {
		return lo.Contains(postIDs, id)
	}), nil
}

func (f *fakeStore) RepliedByUser(ctx context.Context, userID string, postIDs []string) ([]string, error) {
	return nil, nil
}

// compose.Authors

func (f *fakeStore) AuthorsByIDs(ctx context.Context, ids []string) (map[string]models.AuthorSummary, error) {
	if f.authorsErr != nil {
		return nil, f.authorsErr
	}
	authors := map[string]models.AuthorSummary{}
	for _, id := range ids {
		if a, ok := f.authors[id]; ok {
			authors[id] = a
		}
	}
	return authors, nil
}

func newComposer(fs *fakeStore, pageSize int) *compose.Composer {
	return compose.NewComposer(
		fs,
		visibility.NewResolver(fs),
		fetcher.NewFetcher(fs),
		enrich.NewEnricher(fs),
		pageSize,
	)
}

func rootAt(id, author string, createdAt time.Time) models.Post {
	return models.Post{ID: id, AuthorID: author, Text: id, CreatedAt: createdAt, UpdatedAt: createdAt}
}

func itemIDs(page *models.FeedPage) []string {
	return lo.Map(page.Items, func(item models.FeedItem, _ int) string {
		return item.Post.ID
	})
}

// Viewer v follows b, c and d. Viewer v has a moderation-hidden post of their
// own, b has a hidden one too, and d is blocked. The home page holds exactly
// three items: v's own hidden post plus b's and c's visible posts.
func TestComposeHomePageVisibility(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	fs.follows["v"] = []string{"b", "c", "d"}
	fs.blocks["v"] = []string{"d"}

	own := rootAt("v-hidden", "v", base.Add(4*time.Minute))
	own.Hidden = true
	fs.add(own)

	bHidden := rootAt("b-hidden", "b", base.Add(3*time.Minute))
	bHidden.Hidden = true
	fs.add(bHidden)

	fs.add(rootAt("b-post", "b", base.Add(2*time.Minute)))
	fs.add(rootAt("c-post", "c", base.Add(time.Minute)))
	fs.add(rootAt("d-post", "d", base))

	composer := newComposer(fs, 20)
	page, err := composer.ComposePage(context.Background(), fetcher.Home{ViewerID: "v"}, "", "v")
	require.NoError(t, err)

	assert.Equal(t, []string{"v-hidden", "b-post", "c-post"}, itemIDs(page))
	assert.False(t, page.MoreAvailable)
	assert.Nil(t, page.Cursor)
}

func TestComposeMuteScoping(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	fs.follows["v"] = []string{"b", "noisy"}
	fs.mutes["v"] = []string{"noisy"}
	fs.add(rootAt("quiet", "b", base))
	fs.add(rootAt("loud", "noisy", base.Add(time.Minute)))

	composer := newComposer(fs, 20)

	home, err := composer.ComposePage(context.Background(), fetcher.Home{ViewerID: "v"}, "", "v")
	require.NoError(t, err)
	assert.Equal(t, []string{"quiet"}, itemIDs(home))

	// Muted content survives search, flagged so the client can collapse it
	search, err := composer.ComposePage(context.Background(), fetcher.Search{ViewerID: "v"}, "", "v")
	require.NoError(t, err)
	require.Equal(t, []string{"loud", "quiet"}, itemIDs(search))
	assert.True(t, search.Items[0].IsMuted)
	assert.False(t, search.Items[1].IsMuted)
}

func TestComposeEnrichesItems(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	fs.add(rootAt("p1", "b", base))
	fs.replyCounts["p1"] = 3
	fs.likeCounts["p1"] = 7
	fs.likedByUser["v"] = []string{"p1"}
	fs.authors["b"] = models.AuthorSummary{ID: "b", DisplayName: "Bea"}

	composer := newComposer(fs, 20)
	page, err := composer.ComposePage(context.Background(), fetcher.Home{ViewerID: "v"}, "", "v")
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	item := page.Items[0]
	assert.Equal(t, 3, item.ReplyCount)
	assert.Equal(t, 7, item.LikeCount)
	assert.True(t, item.ViewerLiked)
	assert.Equal(t, "Bea", item.Author.DisplayName)
}

func TestComposeCursorAdvancesByPageSize(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	for i, id := range []string{"p1", "p2", "p3"} {
		fs.add(rootAt(id, "b", base.Add(time.Duration(i)*time.Minute)))
	}

	composer := newComposer(fs, 2)

	first, err := composer.ComposePage(context.Background(), fetcher.Home{}, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p2"}, itemIDs(first))
	assert.True(t, first.MoreAvailable)
	require.NotNil(t, first.Cursor)
	assert.Equal(t, "2", *first.Cursor)

	second, err := composer.ComposePage(context.Background(), fetcher.Home{}, *first.Cursor, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, itemIDs(second))
	assert.False(t, second.MoreAvailable)
	assert.Nil(t, second.Cursor)
}

func TestComposeSearchUpdatedSortSpansPages(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	fresh := rootAt("old-but-fresh", "a1", base)
	fresh.UpdatedAt = base.Add(10 * time.Hour)
	fs.add(fresh)
	fs.add(rootAt("new", "a2", base.Add(3*time.Hour)))
	fs.add(rootAt("mid", "a3", base.Add(2*time.Hour)))

	composer := newComposer(fs, 2)
	spec := fetcher.Search{SortKey: models.SortUpdated}

	// The post created first but updated last must lead page one
	first, err := composer.ComposePage(context.Background(), spec, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"old-but-fresh", "new"}, itemIDs(first))
	require.NotNil(t, first.Cursor)

	second, err := composer.ComposePage(context.Background(), spec, *first.Cursor, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, itemIDs(second))
	assert.False(t, second.MoreAvailable)
}

func TestComposeHomeCursorKeepsMergedOutRows(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	fs.follows["v"] = []string{"friend"}
	for _, p := range []struct {
		id     string
		author string
		minute int
	}{
		{"own-10", "v", 10},
		{"own-1", "v", 1},
		{"their-9", "friend", 9},
		{"their-8", "friend", 8},
		{"their-7", "friend", 7},
	} {
		fs.add(rootAt(p.id, p.author, base.Add(time.Duration(p.minute)*time.Minute)))
	}

	composer := newComposer(fs, 2)

	// Rows merged out of a page must surface on a later page, never be
	// skipped by a shared offset
	var pages [][]string
	cursor := ""
	for {
		page, err := composer.ComposePage(context.Background(), fetcher.Home{ViewerID: "v"}, cursor, "v")
		require.NoError(t, err)
		pages = append(pages, itemIDs(page))
		if page.Cursor == nil {
			break
		}
		cursor = *page.Cursor
	}

	assert.Equal(t, [][]string{
		{"own-10", "their-9"},
		{"their-8", "their-7"},
		{"own-1"},
	}, pages)
}

func TestComposeGarbageCursorStartsFromTop(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	fs.add(rootAt("p1", "b", base))

	composer := newComposer(fs, 20)
	page, err := composer.ComposePage(context.Background(), fetcher.Home{}, "not-a-cursor", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, itemIDs(page))
}

func TestComposeBlockLookupFailureAborts(t *testing.T) {
	fs := newFakeStore()
	fs.blockErr = assert.AnError

	composer := newComposer(fs, 20)
	_, err := composer.ComposePage(context.Background(), fetcher.Home{ViewerID: "v"}, "", "v")
	assert.ErrorIs(t, err, compose.ErrVisibilityResolution)
}

func TestComposeStoreFailurePropagates(t *testing.T) {
	fs := newFakeStore()
	fs.postsErr = store.ErrUnavailable

	composer := newComposer(fs, 20)
	_, err := composer.ComposePage(context.Background(), fetcher.Home{}, "", "")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestComposeAuthorFailureKeepsItems(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	fs.add(rootAt("p1", "b", base))
	fs.authorsErr = assert.AnError

	composer := newComposer(fs, 20)
	page, err := composer.ComposePage(context.Background(), fetcher.Home{}, "", "")
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	assert.Equal(t, models.AuthorSummary{}, page.Items[0].Author)
}
