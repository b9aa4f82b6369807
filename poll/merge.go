package poll

import "conversation-realtime/pkg/realtime"

// Position tells a CommentList where a merged comment belongs.
type Position int

const (
	// PositionTop puts a root comment before all others.
	PositionTop Position = iota
	// PositionBottom puts a root comment after all others.
	PositionBottom
	// PositionUnderParent puts a reply in its parent's reply chain.
	PositionUnderParent
	// PositionOrphan marks a reply whose parent the list does not hold.
	PositionOrphan
)

func (p Position) String() string {
	switch p {
	case PositionTop:
		return "top"
	case PositionBottom:
		return "bottom"
	case PositionUnderParent:
		return "under_parent"
	case PositionOrphan:
		return "orphan"
	default:
		return "unknown"
	}
}

// Order is the display order the caller keeps its root comments in.
type Order int

const (
	// NewestFirst prepends new root comments.
	NewestFirst Order = iota
	// OldestFirst appends new root comments.
	OldestFirst
)

// CommentList is the caller-owned comment state a delta is merged into.
type CommentList interface {
	HasComment(id string) bool
	Insert(c *realtime.Comment, pos Position)
}

// Merge inserts the comments of delta that list does not hold yet, in server
// order, and returns them. Duplicates inside delta are skipped as well.
// A nil list only de-duplicates the delta.
func Merge(list CommentList, delta []*realtime.Comment, order Order) []*realtime.Comment {
	seen := make(map[string]struct{}, len(delta))
	var inserted []*realtime.Comment

	for _, c := range delta {
		if c == nil || c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}

		if list == nil {
			inserted = append(inserted, c)
			continue
		}
		if list.HasComment(c.ID) {
			continue
		}

		list.Insert(c, positionFor(list, seen, c, order))
		inserted = append(inserted, c)
	}

	return inserted
}

func positionFor(list CommentList, seen map[string]struct{}, c *realtime.Comment, order Order) Position {
	if c.IsReply() {
		if _, ok := seen[c.ParentID]; ok || list.HasComment(c.ParentID) {
			return PositionUnderParent
		}
		return PositionOrphan
	}
	if order == OldestFirst {
		return PositionBottom
	}
	return PositionTop
}
