package poll

import (
	"testing"

	"conversation-realtime/pkg/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type insertCall struct {
	id  string
	pos Position
}

type fakeList struct {
	ids     map[string]bool
	inserts []insertCall
}

func newFakeList(ids ...string) *fakeList {
	l := &fakeList{ids: make(map[string]bool)}
	for _, id := range ids {
		l.ids[id] = true
	}
	return l
}

func (l *fakeList) HasComment(id string) bool {
	return l.ids[id]
}

func (l *fakeList) Insert(c *realtime.Comment, pos Position) {
	l.ids[c.ID] = true
	l.inserts = append(l.inserts, insertCall{id: c.ID, pos: pos})
}

func TestMergeSkipsKnownComments(t *testing.T) {
	list := newFakeList("c1")
	delta := []*realtime.Comment{{ID: "c1"}, {ID: "c2"}}

	inserted := Merge(list, delta, NewestFirst)

	require.Len(t, list.inserts, 1)
	assert.Equal(t, "c2", list.inserts[0].id)
	require.Len(t, inserted, 1)
	assert.Equal(t, "c2", inserted[0].ID)
}

func TestMergeSkipsDuplicatesInsideDelta(t *testing.T) {
	list := newFakeList()
	delta := []*realtime.Comment{{ID: "c1"}, {ID: "c1"}, nil, {ID: ""}, {ID: "c2"}}

	inserted := Merge(list, delta, OldestFirst)

	assert.Equal(t, []insertCall{{id: "c1", pos: PositionBottom}, {id: "c2", pos: PositionBottom}}, list.inserts)
	assert.Len(t, inserted, 2)
}

func TestMergePositions(t *testing.T) {
	tests := []struct {
		name  string
		known []string
		delta []*realtime.Comment
		order Order
		want  []insertCall
	}{
		{
			name:  "roots newest first go to top in server order",
			delta: []*realtime.Comment{{ID: "a"}, {ID: "b"}},
			order: NewestFirst,
			want:  []insertCall{{id: "a", pos: PositionTop}, {id: "b", pos: PositionTop}},
		},
		{
			name:  "roots oldest first go to bottom",
			delta: []*realtime.Comment{{ID: "a"}},
			order: OldestFirst,
			want:  []insertCall{{id: "a", pos: PositionBottom}},
		},
		{
			name:  "reply to known parent",
			known: []string{"p"},
			delta: []*realtime.Comment{{ID: "r", ParentID: "p"}},
			want:  []insertCall{{id: "r", pos: PositionUnderParent}},
		},
		{
			name:  "reply to parent in same delta",
			delta: []*realtime.Comment{{ID: "p"}, {ID: "r", ParentID: "p"}},
			want:  []insertCall{{id: "p", pos: PositionTop}, {id: "r", pos: PositionUnderParent}},
		},
		{
			name:  "orphan reply is still surfaced",
			delta: []*realtime.Comment{{ID: "r", ParentID: "gone"}},
			want:  []insertCall{{id: "r", pos: PositionOrphan}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := newFakeList(tt.known...)
			Merge(list, tt.delta, tt.order)
			assert.Equal(t, tt.want, list.inserts)
		})
	}
}

func TestMergeWithoutList(t *testing.T) {
	delta := []*realtime.Comment{{ID: "a"}, {ID: "a"}, {ID: "b", ParentID: "x"}}

	inserted := Merge(nil, delta, NewestFirst)

	require.Len(t, inserted, 2)
	assert.Equal(t, "a", inserted[0].ID)
	assert.Equal(t, "b", inserted[1].ID)
}

func TestMergeEmptyDelta(t *testing.T) {
	list := newFakeList("a")
	assert.Empty(t, Merge(list, nil, NewestFirst))
	assert.Empty(t, list.inserts)
}
