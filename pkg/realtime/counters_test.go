package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		Counts: map[string][]MessageCount{
			"sp1_p1": {{Comments: 5, Replies: 2}, {Comments: 99, Replies: 99}},
		},
		Typing: map[string][]TypingRecord{
			"conv1": {{Key: "NewComment", Count: 3}, {Key: "other", Count: 7}},
		},
		OnlineViewers: map[string][]ViewerCount{
			"sp1_p1": {{Count: 12}},
		},
		OnlineUsers: map[string][]OnlineUser{
			"sp1_p1": {{UserID: "u1", DisplayName: "Ann", Registered: true}},
		},
		NewComments: map[string][]*Comment{
			"sp1_p1": {{ID: "c1"}, {ID: "c2", ParentID: "c1"}},
		},
		NextFetch: 30,
		Timestamp: 1000,
	}
}

func TestCountsUseFirstRecord(t *testing.T) {
	s := testSnapshot()
	assert.Equal(t, 5, s.RootCommentsCount("sp1_p1"))
	assert.Equal(t, 2, s.RepliesCount("sp1_p1"))
	assert.Equal(t, 7, s.TotalCommentsCount("sp1_p1"))
}

func TestCountsFallbackToZero(t *testing.T) {
	s := testSnapshot()
	assert.Equal(t, 0, s.RootCommentsCount("sp1_other"))
	assert.Equal(t, 0, s.RepliesCount("sp1_other"))
	assert.Equal(t, 0, s.TotalCommentsCount("sp1_other"))
}

func TestTotalIsAlwaysSum(t *testing.T) {
	s := &Snapshot{Counts: map[string][]MessageCount{
		"a": {{Comments: 1, Replies: 0}},
		"b": {{Comments: 0, Replies: 4}},
		"c": {},
		"d": {{Comments: 10, Replies: 20}},
	}}
	for _, id := range []string{"a", "b", "c", "d", "missing"} {
		assert.Equal(t, s.RootCommentsCount(id)+s.RepliesCount(id), s.TotalCommentsCount(id), id)
	}
}

func TestTypingCountMatchesSentinelOnly(t *testing.T) {
	s := testSnapshot()
	assert.Equal(t, 3, s.TypingCount("conv1"))
	assert.Equal(t, 7, s.TypingCountFor("conv1", "other"))
	assert.Equal(t, 0, s.TypingCount("nobody"))

	s.Typing["conv2"] = []TypingRecord{{Key: "reply:c1", Count: 2}}
	assert.Equal(t, 0, s.TypingCount("conv2"))
}

func TestOnlineViewersDefaultsToOne(t *testing.T) {
	s := testSnapshot()
	assert.Equal(t, 12, s.OnlineViewersCount("sp1_p1"))
	assert.Equal(t, 1, s.OnlineViewersCount("sp1_other"))

	s.OnlineViewers["empty"] = []ViewerCount{}
	assert.Equal(t, 1, s.OnlineViewersCount("empty"))
}

func TestListsNeverNil(t *testing.T) {
	s := testSnapshot()
	assert.Len(t, s.OnlineUsersFor("sp1_p1"), 1)
	assert.NotNil(t, s.OnlineUsersFor("missing"))
	assert.Empty(t, s.OnlineUsersFor("missing"))

	assert.Len(t, s.NewCommentsFor("sp1_p1"), 2)
	assert.NotNil(t, s.NewCommentsFor("missing"))
	assert.Empty(t, s.NewCommentsFor("missing"))
}

func TestNilSnapshotAnswersDefaults(t *testing.T) {
	var s *Snapshot
	assert.Equal(t, DefaultCounters(), s.Counters("x", ""))
	assert.Empty(t, s.NewCommentsFor("x"))
	assert.Empty(t, s.OnlineUsersFor("x"))
}

func TestCounters(t *testing.T) {
	s := testSnapshot()
	s.Typing["sp1_p1"] = []TypingRecord{{Key: "Overall", Count: 4}, {Key: "NewComment", Count: 1}}

	assert.Equal(t, Counters{RootComments: 5, Replies: 2, Total: 7, Typing: 1, OnlineViewers: 12}, s.Counters("sp1_p1", ""))
	assert.Equal(t, 4, s.Counters("sp1_p1", "Overall").Typing)
}

func TestCommentHelpers(t *testing.T) {
	root := &Comment{ID: "c1", WrittenAt: 1700000000.5}
	reply := &Comment{ID: "c2", ParentID: "c1", RootComment: "c1"}
	self := &Comment{ID: "c3", ParentID: "c3"}

	assert.False(t, root.IsReply())
	assert.True(t, reply.IsReply())
	assert.False(t, self.IsReply())
	assert.Equal(t, time.Unix(1700000000, 500000000).UTC(), root.CreatedAt())
}

func TestCommentPlainText(t *testing.T) {
	tests := []struct {
		name    string
		content []ContentItem
		want    string
	}{
		{
			name:    "plain",
			content: []ContentItem{{Type: "text", Text: "hello world"}},
			want:    "hello world",
		},
		{
			name:    "markup stripped",
			content: []ContentItem{{Type: "text", Text: "<p>Hello <b>there</b></p><p>friend</p>"}},
			want:    "Hello there friend",
		},
		{
			name:    "non text items ignored",
			content: []ContentItem{{Type: "image", ID: "img1"}, {Type: "text", Text: "<p>caption</p>"}},
			want:    "caption",
		},
		{
			name: "empty",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Comment{ID: "c", Content: tt.content}
			assert.Equal(t, tt.want, c.PlainText())
		})
	}
}
