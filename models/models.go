package models

import "time"

// TagCategory is the kind of medical context attached to a post.
type TagCategory string

const (
	TagDiagnosis  TagCategory = "diagnosis"
	TagTreatment  TagCategory = "treatment"
	TagMedication TagCategory = "medication"
)

// SortKey selects the ordering of a composed feed page.
type SortKey string

const (
	SortCreated SortKey = "created"
	SortUpdated SortKey = "updated"
	// SortExperienced orders by the optional experienced-at year-month.
	// Posts without the field are excluded from the result, not sorted last.
	SortExperienced SortKey = "experienced"
)

// Post is a single message as stored in the external store. A post with a
// non-nil ParentID is a reply; the parent chain is acyclic by construction.
type Post struct {
	ID            string    `json:"id"`
	AuthorID      string    `json:"authorId"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ExperiencedAt *string   `json:"experiencedAt,omitempty"` // "2006-01" year-month
	ParentID      *string   `json:"parentId,omitempty"`
	Hidden        bool      `json:"hidden"`
	HiddenReason  *string   `json:"hiddenReason,omitempty"`
}

// IsRoot reports whether the post starts a thread.
func (p Post) IsRoot() bool {
	return p.ParentID == nil
}

// AuthorSummary is denormalized onto feed items at read time,
// never stored with the post.
type AuthorSummary struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// Tag is one medical-context annotation on a post.
type Tag struct {
	Category TagCategory `json:"category"`
	Name     string      `json:"name"`
}

// FeedItem is a post zipped with its author summary and enrichment data.
type FeedItem struct {
	Post          Post          `json:"post"`
	Author        AuthorSummary `json:"author"`
	ReplyCount    int           `json:"replyCount"`
	LikeCount     int           `json:"likeCount"`
	ViewerLiked   bool          `json:"viewerLiked"`
	ViewerReplied bool          `json:"viewerReplied"`
	Tags          []Tag         `json:"tags,omitempty"`
	IsMuted       bool          `json:"isMuted,omitempty"`
}

// FeedPage is one composed page of a feed.
type FeedPage struct {
	Items         []FeedItem `json:"items"`
	Cursor        *string    `json:"cursor"`
	MoreAvailable bool       `json:"moreAvailable"`
}

// CreatePostEvent fired when the change feed reports a new post
type CreatePostEvent struct {
	Post Post `json:"post"`
}

// DeletePostEvent fired when the change feed reports a deleted post
type DeletePostEvent struct {
	Post Post `json:"post"`
}
