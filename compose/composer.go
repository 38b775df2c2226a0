// Package compose merges raw post streams into enriched, paginated feed
// pages.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"kindred/enrich"
	"kindred/fetcher"
	"kindred/models"
	"kindred/visibility"
)

// ErrVisibilityResolution means the block lookup failed. Composition aborts
// entirely rather than risk showing blocked content.
var ErrVisibilityResolution = errors.New("visibility resolution failed")

var (
	composedPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kindred_composed_pages_total",
		Help: "The total number of feed pages composed, by feed kind",
	}, []string{"kind"})

	composeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kindred_compose_duration_seconds",
		Help:    "Duration of page composition including store round trips",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
)

// Authors is the slice of the store the composer reads directly. The batched
// signature is the contract: one author query per page, keyed by the distinct
// author identifiers, never one per item.
type Authors interface {
	AuthorsByIDs(ctx context.Context, ids []string) (map[string]models.AuthorSummary, error)
}

type Composer struct {
	authors  Authors
	resolver *visibility.Resolver
	fetcher  *fetcher.Fetcher
	enricher *enrich.Enricher
	pageSize int
}

func NewComposer(authors Authors, resolver *visibility.Resolver, f *fetcher.Fetcher, e *enrich.Enricher, pageSize int) *Composer {
	return &Composer{
		authors:  authors,
		resolver: resolver,
		fetcher:  f,
		enricher: e,
		pageSize: pageSize,
	}
}

// safeParseCursor parses the opaque cursor into per-stream row offsets.
// An invalid or empty cursor starts every stream from the top.
func safeParseCursor(cursor string) []int {
	if cursor == "" {
		return nil
	}
	parts := strings.Split(cursor, ".")
	offsets := make([]int, len(parts))
	for i, part := range parts {
		offset, err := strconv.Atoi(part)
		if err != nil || offset < 0 {
			return nil
		}
		offsets[i] = offset
	}
	return offsets
}

func encodeCursor(offsets []int) string {
	parts := lo.Map(offsets, func(offset int, _ int) string {
		return strconv.Itoa(offset)
	})
	return strings.Join(parts, ".")
}

func offsetAt(offsets []int, i int) int {
	if i < len(offsets) {
		return offsets[i]
	}
	return 0
}

// nextOffsets advances the per-stream offsets past the rows this page
// consumed. A single stream consumes a fixed window (client-side tag
// filtering may shrink the page, but the window advances whole). Merged
// streams advance each by the rows at or above the page boundary, so rows
// merged out of this page stay fetchable on the next one.
func nextOffsets(streams [][]models.Post, page []models.Post, key models.SortKey, offsets []int, pageSize int) []int {
	if len(streams) <= 1 {
		return []int{offsetAt(offsets, 0) + pageSize}
	}

	next := make([]int, len(streams))
	if len(page) == 0 {
		for i := range streams {
			next[i] = offsetAt(offsets, i) + pageSize
		}
		return next
	}

	boundary := page[len(page)-1]
	for i, stream := range streams {
		consumed := 0
		for _, post := range stream {
			if post.ID == boundary.ID || sortsBefore(post, boundary, key) {
				consumed++
			}
		}
		next[i] = offsetAt(offsets, i) + consumed
	}
	return next
}

// ComposePage runs one feed composition: resolve visibility, fetch the raw
// streams for the spec, merge/dedup/sort, then enrich and zip the page. The
// enrichment maps and the author summaries are fetched concurrently.
func (c *Composer) ComposePage(ctx context.Context, spec fetcher.FeedSpec, cursor string, viewerID string) (*models.FeedPage, error) {
	start := time.Now()
	offsets := safeParseCursor(cursor)

	vis, err := c.resolver.Resolve(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVisibilityResolution, err)
	}

	result, err := c.fetcher.Fetch(ctx, spec, offsets, c.pageSize, vis)
	if err != nil {
		return nil, err
	}

	var posts []models.Post
	leftover := false
	if result.Ascending {
		// Thread replies keep conversational order
		posts = lo.Flatten(result.Streams)
	} else {
		fetched := lo.SumBy(result.Streams, func(stream []models.Post) int {
			return len(stream)
		})
		merged := Combine(result.Streams, spec.Sort(), fetched)
		posts = merged
		if len(posts) > c.pageSize {
			posts = posts[:c.pageSize]
			// Rows merged out of the page re-surface via the next cursor
			leftover = true
		}
	}

	page, err := c.assemblePage(ctx, spec, posts, viewerID, vis)
	if err != nil {
		return nil, err
	}

	page.MoreAvailable = result.MoreAvailable || leftover
	if page.MoreAvailable {
		next := encodeCursor(nextOffsets(result.Streams, posts, spec.Sort(), offsets, c.pageSize))
		page.Cursor = &next
	}

	composedPages.WithLabelValues(spec.Kind()).Inc()
	composeDuration.Observe(time.Since(start).Seconds())

	log.WithFields(log.Fields{
		"kind":    spec.Kind(),
		"viewer":  viewerID,
		"cursor":  cursor,
		"items":   len(page.Items),
		"more":    page.MoreAvailable,
		"latency": time.Since(start),
	}).Info("Composed page")

	return page, nil
}

func (c *Composer) assemblePage(ctx context.Context, spec fetcher.FeedSpec, posts []models.Post, viewerID string, vis visibility.Sets) (*models.FeedPage, error) {
	postIDs := lo.Map(posts, func(p models.Post, _ int) string { return p.ID })
	authorIDs := lo.Uniq(lo.Map(posts, func(p models.Post, _ int) string { return p.AuthorID }))

	// Enrichment and the author lookup are independent; issue them together
	var (
		wg         sync.WaitGroup
		enrichment enrich.Enrichment
		authors    map[string]models.AuthorSummary
		authorsErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		enrichment = c.enricher.Enrich(ctx, postIDs, viewerID)
	}()
	go func() {
		defer wg.Done()
		authors, authorsErr = c.authors.AuthorsByIDs(ctx, authorIDs)
	}()
	wg.Wait()

	if authorsErr != nil {
		// Items are not dropped because one side table was unreachable
		log.WithFields(log.Fields{
			"authors": len(authorIDs),
			"error":   authorsErr,
		}).Warn("Author lookup failed, returning items without summaries")
		authors = map[string]models.AuthorSummary{}
	}

	items := make([]models.FeedItem, 0, len(posts))
	for _, post := range posts {
		items = append(items, models.FeedItem{
			Post:          post,
			Author:        authors[post.AuthorID],
			ReplyCount:    enrichment.ReplyCounts[post.ID],
			LikeCount:     enrichment.LikeCounts[post.ID],
			ViewerLiked:   enrichment.ViewerLiked[post.ID],
			ViewerReplied: enrichment.ViewerReplied[post.ID],
			Tags:          enrichment.Tags[post.ID],
			// Muted content is removed from aggregate feeds by the fetch
			// stage; everywhere else it is returned tagged instead
			IsMuted: !spec.Aggregate() && vis.IsMuted(post.AuthorID),
		})
	}

	return &models.FeedPage{Items: items}, nil
}
