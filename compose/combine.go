package compose

import (
	"sort"

	"github.com/samber/lo"

	"kindred/models"
)

// Combine concatenates the raw streams, drops duplicate identifiers keeping
// the first occurrence's stream-order position, sorts descending by the sort
// key and truncates to pageSize. The own-posts stream is conventionally
// placed first so a post appearing in both "mine" and "followed" resolves to
// the moderation-inclusive copy.
//
// Combine is pure and performs no I/O.
func Combine(streams [][]models.Post, key models.SortKey, pageSize int) []models.Post {
	posts := lo.UniqBy(lo.Flatten(streams), func(p models.Post) string {
		return p.ID
	})

	// The experienced-at sort excludes rows lacking the field instead of
	// sorting them last.
	if key == models.SortExperienced {
		posts = lo.Filter(posts, func(p models.Post, _ int) bool {
			return p.ExperiencedAt != nil
		})
	}

	sort.Slice(posts, func(i, j int) bool {
		return sortsBefore(posts[i], posts[j], key)
	})

	if len(posts) > pageSize {
		posts = posts[:pageSize]
	}
	return posts
}

// sortsBefore orders descending by the sort key, breaking ties by descending
// creation time, then by identifier, so repeated calls with identical input
// produce identical pages.
func sortsBefore(a, b models.Post, key models.SortKey) bool {
	switch key {
	case models.SortUpdated:
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
	case models.SortExperienced:
		if *a.ExperiencedAt != *b.ExperiencedAt {
			// Year-month strings compare chronologically
			return *a.ExperiencedAt > *b.ExperiencedAt
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
