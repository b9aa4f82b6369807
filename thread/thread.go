// Package thread keeps a bounded, ordered in-memory comment list per conversation.
package thread

import (
	"sync"

	"conversation-realtime/pkg/realtime"
	"conversation-realtime/poll"
)

// DefaultCapacity bounds a list when no capacity is given.
const DefaultCapacity = 500

// evictedFactor bounds how many evicted ids a list remembers, per unit of capacity.
const evictedFactor = 4

// List is a display-ordered comment list. Replies follow their parent's
// reply chain; orphans are appended at the end. Evicted ids are remembered
// so a server repeating an old comment does not surface it again.
type List struct {
	mu       sync.RWMutex
	comments []*realtime.Comment
	index    map[string]struct{}
	capacity int
	order    poll.Order

	evicted      map[string]struct{}
	evictedOrder []string
}

// New creates an empty list.
func New(order poll.Order, capacity int) *List {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &List{
		index:    make(map[string]struct{}),
		capacity: capacity,
		order:    order,
		evicted:  make(map[string]struct{}),
	}
}

// Order returns the root comment order of the list.
func (l *List) Order() poll.Order {
	return l.order
}

// HasComment reports whether the list holds the comment or evicted it recently.
func (l *List) HasComment(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.knownLocked(id)
}

// Holds reports whether the comment is currently in the list.
func (l *List) Holds(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[id]
	return ok
}

func (l *List) knownLocked(id string) bool {
	if _, ok := l.index[id]; ok {
		return true
	}
	_, ok := l.evicted[id]
	return ok
}

// Insert places a comment. Known comments, evicted ones included, are ignored.
// The inserted comment itself is never evicted by its own insertion.
func (l *List) Insert(c *realtime.Comment, pos poll.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.knownLocked(c.ID) {
		return
	}

	switch pos {
	case poll.PositionTop:
		l.comments = append([]*realtime.Comment{c}, l.comments...)
	case poll.PositionUnderParent:
		at := l.afterReplyChain(c.ParentID)
		if at < 0 {
			l.comments = append(l.comments, c)
			break
		}
		l.comments = append(l.comments, nil)
		copy(l.comments[at+1:], l.comments[at:])
		l.comments[at] = c
	default:
		l.comments = append(l.comments, c)
	}
	l.index[c.ID] = struct{}{}

	l.evictLocked(c.ID)
}

// Recent returns up to limit comments in display order. limit <= 0 returns all.
func (l *List) Recent(limit int) []*realtime.Comment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.comments)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*realtime.Comment, n)
	copy(out, l.comments[:n])
	return out
}

// Len returns the number of comments held.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.comments)
}

// afterReplyChain returns the index right after the parent and its nested
// replies, or -1 if the parent is not held.
func (l *List) afterReplyChain(parentID string) int {
	for i, c := range l.comments {
		if c.ID != parentID {
			continue
		}
		j := i + 1
		for j < len(l.comments) && l.comments[j].Depth > c.Depth {
			j++
		}
		return j
	}
	return -1
}

// evictLocked drops comments from the end that holds the oldest roots,
// skipping keep.
func (l *List) evictLocked(keep string) {
	for len(l.comments) > l.capacity {
		at := -1
		if l.order == poll.OldestFirst {
			for i := 0; i < len(l.comments); i++ {
				if l.comments[i].ID != keep {
					at = i
					break
				}
			}
		} else {
			for i := len(l.comments) - 1; i >= 0; i-- {
				if l.comments[i].ID != keep {
					at = i
					break
				}
			}
		}
		if at < 0 {
			return
		}

		dropped := l.comments[at]
		l.comments = append(l.comments[:at], l.comments[at+1:]...)
		delete(l.index, dropped.ID)
		l.rememberLocked(dropped.ID)
	}
}

func (l *List) rememberLocked(id string) {
	l.evicted[id] = struct{}{}
	l.evictedOrder = append(l.evictedOrder, id)
	if len(l.evictedOrder) > l.capacity*evictedFactor {
		delete(l.evicted, l.evictedOrder[0])
		l.evictedOrder = l.evictedOrder[1:]
	}
}

var _ poll.CommentList = (*List)(nil)

// Registry holds one List per conversation.
type Registry struct {
	mu       sync.Mutex
	lists    map[string]*List
	order    poll.Order
	capacity int
}

// NewRegistry creates a registry whose lists share order and capacity.
func NewRegistry(order poll.Order, capacity int) *Registry {
	return &Registry{
		lists:    make(map[string]*List),
		order:    order,
		capacity: capacity,
	}
}

// List returns the list of a conversation, creating it on first use.
func (r *Registry) List(id string) *List {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lists[id]
	if !ok {
		l = New(r.order, r.capacity)
		r.lists[id] = l
	}
	return l
}

// Lookup returns the list of a conversation if one exists.
func (r *Registry) Lookup(id string) (*List, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lists[id]
	return l, ok
}

// Drop forgets the list of a conversation.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lists, id)
}
