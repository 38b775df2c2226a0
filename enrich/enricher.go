// Package enrich decorates batches of posts with counts, viewer state and
// medical tag annotations. Enrichment cost is O(1) in round trips per page:
// at most 4 stat queries plus 3 tag queries regardless of batch size.
package enrich

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"kindred/models"
)

// Stats is the slice of the store the enricher reads. Every method accepts an
// identifier collection; there is deliberately no single-item variant.
type Stats interface {
	ReplyCounts(ctx context.Context, postIDs []string) (map[string]int, error)
	LikeCounts(ctx context.Context, postIDs []string) (map[string]int, error)
	LikedByUser(ctx context.Context, userID string, postIDs []string) ([]string, error)
	RepliedByUser(ctx context.Context, userID string, postIDs []string) ([]string, error)
	PostTags(ctx context.Context, category models.TagCategory, postIDs []string) (map[string][]string, error)
}

// Enrichment holds the per-post maps for one page. Posts absent from a map
// default to zero/false/no tags when read.
type Enrichment struct {
	ReplyCounts   map[string]int
	LikeCounts    map[string]int
	ViewerLiked   map[string]bool
	ViewerReplied map[string]bool
	Tags          map[string][]models.Tag

	// Failed names the queries that could not be answered; their fields are
	// defaulted rather than dropping the page.
	Failed []string
}

type Enricher struct {
	stats Stats
}

func NewEnricher(stats Stats) *Enricher {
	return &Enricher{stats: stats}
}

var tagCategories = []models.TagCategory{
	models.TagDiagnosis,
	models.TagTreatment,
	models.TagMedication,
}

// Enrich issues the batched lookups for a page of post identifiers. The
// queries are independent so they run concurrently and are awaited jointly.
// Viewer-relative lookups are skipped for anonymous viewers. An empty batch
// returns empty maps without touching the store.
func (e *Enricher) Enrich(ctx context.Context, postIDs []string, viewerID string) Enrichment {
	result := Enrichment{
		ReplyCounts:   map[string]int{},
		LikeCounts:    map[string]int{},
		ViewerLiked:   map[string]bool{},
		ViewerReplied: map[string]bool{},
		Tags:          map[string][]models.Tag{},
	}
	if len(postIDs) == 0 {
		return result
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)

	fail := func(name string, err error) {
		log.WithFields(log.Fields{
			"query": name,
			"posts": len(postIDs),
			"error": err,
		}).Warn("Enrichment query failed, defaulting field")
		mu.Lock()
		failed = append(failed, name)
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		counts, err := e.stats.ReplyCounts(ctx, postIDs)
		if err != nil {
			fail("reply counts", err)
			return
		}
		result.ReplyCounts = counts
	}()
	go func() {
		defer wg.Done()
		counts, err := e.stats.LikeCounts(ctx, postIDs)
		if err != nil {
			fail("like counts", err)
			return
		}
		result.LikeCounts = counts
	}()

	if viewerID != "" {
		wg.Add(2)
		go func() {
			defer wg.Done()
			liked, err := e.stats.LikedByUser(ctx, viewerID, postIDs)
			if err != nil {
				fail("viewer likes", err)
				return
			}
			for _, id := range liked {
				result.ViewerLiked[id] = true
			}
		}()
		go func() {
			defer wg.Done()
			replied, err := e.stats.RepliedByUser(ctx, viewerID, postIDs)
			if err != nil {
				fail("viewer replies", err)
				return
			}
			for _, id := range replied {
				result.ViewerReplied[id] = true
			}
		}()
	}

	tagsByCategory := make(map[models.TagCategory]map[string][]string, len(tagCategories))
	wg.Add(len(tagCategories))
	for _, category := range tagCategories {
		go func(category models.TagCategory) {
			defer wg.Done()
			tags, err := e.stats.PostTags(ctx, category, postIDs)
			if err != nil {
				fail("tags "+string(category), err)
				return
			}
			mu.Lock()
			tagsByCategory[category] = tags
			mu.Unlock()
		}(category)
	}

	wg.Wait()

	// Assemble tags in stable category order
	for _, category := range tagCategories {
		for postID, names := range tagsByCategory[category] {
			for _, name := range names {
				result.Tags[postID] = append(result.Tags[postID], models.Tag{
					Category: category,
					Name:     name,
				})
			}
		}
	}

	result.Failed = failed
	return result
}
