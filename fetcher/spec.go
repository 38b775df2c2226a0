package fetcher

import "kindred/models"

// MatchMode selects how multiple tag filters combine in a search.
type MatchMode string

const (
	// MatchAll requires every selected tag to be present on a post
	MatchAll MatchMode = "and"
	// MatchAny requires at least one selected tag to be present
	MatchAny MatchMode = "or"
)

// ProfileTab selects which of an author's posts a profile feed shows.
type ProfileTab string

const (
	TabPosts   ProfileTab = "posts"
	TabReplies ProfileTab = "replies"
	TabLikes   ProfileTab = "likes"
)

// TagFilter selects posts annotated with a named tag of one category.
type TagFilter struct {
	Category models.TagCategory
	Name     string
}

// FeedSpec is the closed set of feed contexts the engine can compose. All
// five contexts flow through the single Fetcher.Fetch path so their filter
// semantics cannot drift apart.
type FeedSpec interface {
	feedSpec()

	// Kind names the context for logs and metrics.
	Kind() string

	// Aggregate reports whether muted authors are removed entirely (home,
	// list) rather than returned with a muted marker (search, profile,
	// thread).
	Aggregate() bool

	// Sort returns the key the merge stage orders the page by.
	Sort() models.SortKey
}

// Home is the viewer's timeline: their own posts merged with posts from
// followed authors, or all recent posts for an anonymous viewer.
type Home struct {
	ViewerID string
}

// List scopes the feed to the member authors of a viewer-owned named list.
type List struct {
	ViewerID string
	ListID   string
}

// Search filters posts by free text and/or medical tags.
type Search struct {
	ViewerID string
	Query    string
	Tags     []TagFilter
	Mode     MatchMode
	SortKey  models.SortKey
}

// Thread pages the direct replies of a root post.
type Thread struct {
	ViewerID string
	RootID   string
}

// Profile is one tab of an author's profile.
type Profile struct {
	ViewerID string
	AuthorID string
	Tab      ProfileTab
}

func (Home) feedSpec()    {}
func (List) feedSpec()    {}
func (Search) feedSpec()  {}
func (Thread) feedSpec()  {}
func (Profile) feedSpec() {}

func (Home) Kind() string    { return "home" }
func (List) Kind() string    { return "list" }
func (Search) Kind() string  { return "search" }
func (Thread) Kind() string  { return "thread" }
func (Profile) Kind() string { return "profile" }

func (Home) Aggregate() bool    { return true }
func (List) Aggregate() bool    { return true }
func (Search) Aggregate() bool  { return false }
func (Thread) Aggregate() bool  { return false }
func (Profile) Aggregate() bool { return false }

func (Home) Sort() models.SortKey    { return models.SortCreated }
func (List) Sort() models.SortKey    { return models.SortCreated }
func (Thread) Sort() models.SortKey  { return models.SortCreated }
func (Profile) Sort() models.SortKey { return models.SortCreated }

func (s Search) Sort() models.SortKey {
	if s.SortKey == "" {
		return models.SortCreated
	}
	return s.SortKey
}
