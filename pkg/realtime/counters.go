package realtime

// TypingSentinelKey is the typing record key that aggregates activity on new root comments.
const TypingSentinelKey = "NewComment"

// defaultViewers is reported when the feed has no viewer data: the requesting client is watching.
const defaultViewers = 1

// RootCommentsCount returns the number of root comments, or 0 when unknown.
func (s *Snapshot) RootCommentsCount(id string) int {
	if rec, ok := s.firstCount(id); ok {
		return rec.Comments
	}
	return 0
}

// RepliesCount returns the number of replies, or 0 when unknown.
func (s *Snapshot) RepliesCount(id string) int {
	if rec, ok := s.firstCount(id); ok {
		return rec.Replies
	}
	return 0
}

// TotalCommentsCount is always RootCommentsCount + RepliesCount.
func (s *Snapshot) TotalCommentsCount(id string) int {
	return s.RootCommentsCount(id) + s.RepliesCount(id)
}

// TypingCount returns the count of the sentinel typing record.
func (s *Snapshot) TypingCount(id string) int {
	return s.TypingCountFor(id, TypingSentinelKey)
}

// TypingCountFor returns the count of the typing record whose key matches,
// or 0 if there is none.
func (s *Snapshot) TypingCountFor(id, key string) int {
	if s == nil {
		return 0
	}
	for _, rec := range s.Typing[id] {
		if rec.Key == key {
			return rec.Count
		}
	}
	return 0
}

// OnlineViewersCount returns the number of viewers, defaulting to one.
func (s *Snapshot) OnlineViewersCount(id string) int {
	if s == nil {
		return defaultViewers
	}
	recs := s.OnlineViewers[id]
	if len(recs) == 0 {
		return defaultViewers
	}
	return recs[0].Count
}

// OnlineUsersFor returns the online users of a conversation. Never nil.
func (s *Snapshot) OnlineUsersFor(id string) []OnlineUser {
	if s == nil || s.OnlineUsers[id] == nil {
		return []OnlineUser{}
	}
	return s.OnlineUsers[id]
}

// NewCommentsFor returns the delta of a conversation in server order. Never nil.
func (s *Snapshot) NewCommentsFor(id string) []*Comment {
	if s == nil || s.NewComments[id] == nil {
		return []*Comment{}
	}
	return s.NewComments[id]
}

// Counters computes all derived numbers for a conversation using the given typing key.
// An empty key selects TypingSentinelKey.
func (s *Snapshot) Counters(id, typingKey string) Counters {
	if typingKey == "" {
		typingKey = TypingSentinelKey
	}
	root := s.RootCommentsCount(id)
	replies := s.RepliesCount(id)
	return Counters{
		RootComments:  root,
		Replies:       replies,
		Total:         root + replies,
		Typing:        s.TypingCountFor(id, typingKey),
		OnlineViewers: s.OnlineViewersCount(id),
	}
}

// DefaultCounters is what a conversation reports before any data has been received.
func DefaultCounters() Counters {
	return Counters{OnlineViewers: defaultViewers}
}

// The server sends a list per conversation; the first element is authoritative.
func (s *Snapshot) firstCount(id string) (MessageCount, bool) {
	if s == nil {
		return MessageCount{}, false
	}
	recs := s.Counts[id]
	if len(recs) == 0 {
		return MessageCount{}, false
	}
	return recs[0], true
}
