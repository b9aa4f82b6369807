// Package realtime contains the core domain types for the conversation sync service.
package realtime

import (
	"math"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Conversation identifies one comment thread and the (spot, post) pair it belongs to.
// ID is the opaque key used by the real-time feed; it is supplied by the caller
// and never built or split here.
type Conversation struct {
	ID     string `json:"id"`      // Composite key, usually "{spotId}_{postId}"
	SpotID string `json:"spot_id"` // Publisher account
	PostID string `json:"post_id"` // Content item
}

// MessageCount is one record of the conversation/count-messages section.
type MessageCount struct {
	Comments int `json:"Comments"`
	Replies  int `json:"Replies"`
}

// TypingUser is a user reported as currently composing.
type TypingUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	UserName    string `json:"userName"`
}

// TypingRecord is one record of the conversation/typing-v2-users section.
type TypingRecord struct {
	Key   string       `json:"key"`
	Count int          `json:"count"`
	Users []TypingUser `json:"users,omitempty"`
}

// ViewerCount is one record of the online/users-count section.
type ViewerCount struct {
	Count int `json:"count"`
}

// OnlineUser is one record of the online/users section.
type OnlineUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	UserName    string `json:"userName"`
	Registered  bool   `json:"registered"`
	ImageID     string `json:"imageId"`
}

// ContentItem is a single piece of comment content. Text items carry HTML.
type ContentItem struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Comment is a comment record as delivered in the conversation/new-messages section.
type Comment struct {
	ID           string        `json:"id"`
	ParentID     string        `json:"parent_id,omitempty"`    // Empty for root comments
	RootComment  string        `json:"root_comment,omitempty"` // Root of the reply chain
	UserID       string        `json:"user_id"`
	WrittenAt    float64       `json:"written_at"` // Unix seconds, fractional
	Depth        int           `json:"depth"`
	RepliesCount int           `json:"replies_count"`
	Content      []ContentItem `json:"content"`
}

// IsReply reports whether the comment answers another comment.
func (c *Comment) IsReply() bool {
	return c.ParentID != "" && c.ParentID != c.ID
}

// CreatedAt returns the creation time of the comment.
func (c *Comment) CreatedAt() time.Time {
	sec, frac := math.Modf(c.WrittenAt)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Body joins the text content items of the comment, markup included.
func (c *Comment) Body() string {
	var parts []string
	for _, item := range c.Content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// PlainText returns the comment body with markup removed.
func (c *Comment) PlainText() string {
	body := c.Body()
	if body == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}

	// Keep paragraphs apart when the markup is flattened
	doc.Find("p, br, div").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Snapshot is one decoded real-time payload. It is built fresh for every poll
// response and must not be mutated once handed out.
type Snapshot struct {
	Counts        map[string][]MessageCount   // conversation/count-messages
	TypingCounts  map[string][]map[string]int // conversation/typing-v2-count (legacy)
	Typing        map[string][]TypingRecord   // conversation/typing-v2-users
	NewComments   map[string][]*Comment       // conversation/new-messages
	OnlineViewers map[string][]ViewerCount    // online/users-count
	OnlineUsers   map[string][]OnlineUser     // online/users
	NextFetch     int64                       // Seconds until the next poll, as sent by the server
	Timestamp     int64                       // Server clock, unix seconds
}

// Counters are the derived per-conversation numbers consumers render.
type Counters struct {
	RootComments  int `json:"root_comments"`
	Replies       int `json:"replies"`
	Total         int `json:"total"`
	Typing        int `json:"typing"`
	OnlineViewers int `json:"online_viewers"`
}
