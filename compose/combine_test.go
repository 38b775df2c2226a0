package compose_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"kindred/compose"
	"kindred/models"
)

func post(id string, createdAt time.Time) models.Post {
	return models.Post{
		ID:        id,
		AuthorID:  "author-" + id,
		Text:      "post " + id,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func ids(posts []models.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func TestCombine(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

	experienced := func(id string, createdAt time.Time, yearMonth string) models.Post {
		p := post(id, createdAt)
		p.ExperiencedAt = &yearMonth
		return p
	}

	tests := []struct {
		name     string
		streams  [][]models.Post
		key      models.SortKey
		pageSize int
		expected []string
	}{
		{
			name: "single stream sorted newest first",
			streams: [][]models.Post{
				{post("a", at(1)), post("b", at(3)), post("c", at(2))},
			},
			key:      models.SortCreated,
			pageSize: 10,
			expected: []string{"b", "c", "a"},
		},
		{
			name: "duplicates collapse to one occurrence",
			streams: [][]models.Post{
				{post("a", at(5)), post("b", at(4))},
				{post("b", at(4)), post("c", at(3))},
			},
			key:      models.SortCreated,
			pageSize: 10,
			expected: []string{"a", "b", "c"},
		},
		{
			name: "truncates to page size",
			streams: [][]models.Post{
				{post("a", at(4)), post("b", at(3)), post("c", at(2)), post("d", at(1))},
			},
			key:      models.SortCreated,
			pageSize: 2,
			expected: []string{"a", "b"},
		},
		{
			name: "ties break by identifier for determinism",
			streams: [][]models.Post{
				{post("a", at(1)), post("c", at(1)), post("b", at(1))},
			},
			key:      models.SortCreated,
			pageSize: 10,
			expected: []string{"c", "b", "a"},
		},
		{
			name: "experienced sort drops rows lacking the field",
			streams: [][]models.Post{
				{
					experienced("a", at(1), "2023-02"),
					post("b", at(5)),
					experienced("c", at(2), "2023-06"),
				},
			},
			key:      models.SortExperienced,
			pageSize: 10,
			expected: []string{"c", "a"},
		},
		{
			name:     "empty streams yield empty page",
			streams:  [][]models.Post{{}, {}},
			key:      models.SortCreated,
			pageSize: 10,
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := compose.Combine(tt.streams, tt.key, tt.pageSize)
			assert.Equal(t, tt.expected, ids(result))
		})
	}
}

func TestCombineKeepsFirstOccurrence(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// The own-posts copy carries the moderation-hidden flag; the followed
	// copy of the same post does not. The first stream must win.
	mine := post("dup", base)
	mine.Hidden = true
	theirs := post("dup", base)

	result := compose.Combine([][]models.Post{{mine}, {theirs}}, models.SortCreated, 10)

	assert.Len(t, result, 1)
	assert.True(t, result[0].Hidden)
}

func TestCombineDeterministicAcrossCalls(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	streams := [][]models.Post{
		{post("x", base), post("y", base), post("z", base)},
		{post("y", base), post("w", base)},
	}

	first := compose.Combine(streams, models.SortCreated, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, ids(first), ids(compose.Combine(streams, models.SortCreated, 10)))
	}
}

func TestCombineUpdatedSort(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	older := post("a", base.Add(2*time.Minute))
	older.UpdatedAt = base.Add(10 * time.Minute)
	newer := post("b", base.Add(5*time.Minute))
	newer.UpdatedAt = base.Add(3 * time.Minute)

	result := compose.Combine([][]models.Post{{newer, older}}, models.SortUpdated, 10)
	assert.Equal(t, []string{"a", "b"}, ids(result))
}
