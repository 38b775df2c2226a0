// Package visibility resolves which authors' content must be withheld from a
// viewer before any feed query runs.
package visibility

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Sets holds the resolved visibility relations for one viewer. Excluded
// authors (blocked either direction) must never surface anywhere; muted
// authors are dropped from aggregate feeds only and marked elsewhere.
type Sets struct {
	excluded map[string]struct{}
	muted    map[string]struct{}
}

// NewSets builds a Sets value from raw identifier lists.
func NewSets(excluded, muted []string) Sets {
	sets := Sets{
		excluded: make(map[string]struct{}, len(excluded)),
		muted:    make(map[string]struct{}, len(muted)),
	}
	for _, id := range excluded {
		sets.excluded[id] = struct{}{}
	}
	for _, id := range muted {
		sets.muted[id] = struct{}{}
	}
	return sets
}

func (s Sets) IsExcluded(authorID string) bool {
	_, ok := s.excluded[authorID]
	return ok
}

func (s Sets) IsMuted(authorID string) bool {
	_, ok := s.muted[authorID]
	return ok
}

// ExcludedIDs returns the exclusion set as a slice for IN filters.
func (s Sets) ExcludedIDs() []string {
	ids := make([]string, 0, len(s.excluded))
	for id := range s.excluded {
		ids = append(ids, id)
	}
	return ids
}

// MutedIDs returns the muted set as a slice for IN filters.
func (s Sets) MutedIDs() []string {
	ids := make([]string, 0, len(s.muted))
	for id := range s.muted {
		ids = append(ids, id)
	}
	return ids
}

// Relations is the slice of the store the resolver reads.
type Relations interface {
	BlockEdges(ctx context.Context, viewerID string) ([]string, error)
	MutedAuthorIDs(ctx context.Context, viewerID string) ([]string, error)
}

type Resolver struct {
	relations Relations
}

func NewResolver(relations Relations) *Resolver {
	return &Resolver{relations: relations}
}

// Resolve returns the visibility sets for a viewer. An empty viewer is
// anonymous and resolves to empty sets without touching the store. A failed
// block lookup is a hard error so blocked content can never leak; a failed
// mute lookup fails open to an empty mute set, since under-muting is a
// privacy non-issue.
func (r *Resolver) Resolve(ctx context.Context, viewerID string) (Sets, error) {
	if viewerID == "" {
		return NewSets(nil, nil), nil
	}

	blocked, err := r.relations.BlockEdges(ctx, viewerID)
	if err != nil {
		return Sets{}, fmt.Errorf("resolving block edges: %w", err)
	}

	muted, err := r.relations.MutedAuthorIDs(ctx, viewerID)
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewerID,
			"error":  err,
		}).Warn("Mute lookup failed, continuing unmuted")
		muted = nil
	}

	return NewSets(blocked, muted), nil
}
