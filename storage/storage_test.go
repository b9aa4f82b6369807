package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"conversation-realtime/pkg/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, "", dir, logger), dir
}

func TestKey(t *testing.T) {
	assert.Empty(t, Key(""))

	k := Key("sp_1_post_2")
	assert.Equal(t, k, Key("sp_1_post_2"))
	assert.NotEqual(t, k, Key("sp_1_post_3"))
	assert.Regexp(t, `^watch-[0-9a-f]{64}\.json$`, k)
	assert.NotContains(t, Key("../../etc/passwd"), "/")
}

func TestSaveLoadDelete(t *testing.T) {
	s, dir := newLocalStore(t)
	ctx := context.Background()

	w := &Watch{
		Conversation: realtime.Conversation{ID: "sp_1_post_2", SpotID: "sp_1", PostID: "post_2"},
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, w))

	_, err := os.Stat(filepath.Join(dir, Key(w.Conversation.ID)))
	require.NoError(t, err)

	got, err := s.Load(ctx, "sp_1_post_2")
	require.NoError(t, err)
	assert.Equal(t, w.Conversation, got.Conversation)
	assert.True(t, w.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, s.Delete(ctx, "sp_1_post_2"))
	_, err = s.Load(ctx, "sp_1_post_2")
	assert.True(t, IsNotFound(err))

	// Deleting twice is fine.
	assert.NoError(t, s.Delete(ctx, "sp_1_post_2"))
}

func TestLoadMissing(t *testing.T) {
	s, _ := newLocalStore(t)

	_, err := s.Load(context.Background(), "nope")
	assert.True(t, IsNotFound(err))

	_, err = s.Load(context.Background(), "")
	assert.True(t, IsNotFound(err))
}

func TestSaveRequiresID(t *testing.T) {
	s, _ := newLocalStore(t)
	assert.Error(t, s.Save(context.Background(), &Watch{}))
}

func TestListSkipsForeignAndCorruptFiles(t *testing.T) {
	s, dir := newLocalStore(t)
	ctx := context.Background()

	for _, id := range []string{"a_1", "b_2"} {
		require.NoError(t, s.Save(ctx, &Watch{Conversation: realtime.Conversation{ID: id}}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watch-broken.json"), []byte("{"), 0o600))

	watches, err := s.List(ctx)
	require.NoError(t, err)

	var got []string
	for _, w := range watches {
		got = append(got, w.Conversation.ID)
	}
	assert.ElementsMatch(t, []string{"a_1", "b_2"}, got)
}
