package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"conversation-realtime/pkg/realtime"

	json "github.com/goccy/go-json"
)

const (
	defaultCommentLimit = 50
	maxCommentLimit     = 500
)

type commentView struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parent_id,omitempty"`
	UserID       string    `json:"user_id"`
	Depth        int       `json:"depth"`
	RepliesCount int       `json:"replies_count"`
	Text         string    `json:"text"`
	WrittenAt    time.Time `json:"written_at"`
}

func countersKey(id string) string {
	return "counters:" + id
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allowMutation(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	spotID := strings.TrimSpace(r.FormValue("spot_id"))
	postID := strings.TrimSpace(r.FormValue("post_id"))
	id := strings.TrimSpace(r.FormValue("id"))
	if id == "" {
		id = spotID + "_" + postID
	}
	if !idRegex.MatchString(spotID) || !idRegex.MatchString(postID) || !idRegex.MatchString(id) {
		http.Error(w, "Invalid spot_id, post_id or id", http.StatusBadRequest)
		return
	}

	conv := realtime.Conversation{ID: id, SpotID: spotID, PostID: postID}
	if err := s.watcher.Watch(r.Context(), conv); err != nil {
		if s.isAlreadyWatched(err) {
			http.Error(w, "Conversation is already watched", http.StatusConflict)
			return
		}
		s.logger.Error("Failed to watch conversation", "conversation_id", id, "error", err)
		http.Error(w, "Failed to watch conversation", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Watch created", "conversation_id", id, "ip", clientIP(r))
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allowMutation(w, r) {
		return
	}

	id := strings.TrimSpace(r.FormValue("id"))
	if !idRegex.MatchString(id) {
		http.Error(w, "Invalid or missing id", http.StatusBadRequest)
		return
	}

	if err := s.watcher.Unwatch(r.Context(), id); err != nil {
		if s.isNotWatched(err) {
			http.Error(w, "Conversation is not watched", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to unwatch conversation", "conversation_id", id, "error", err)
		http.Error(w, "Failed to unwatch conversation", http.StatusInternalServerError)
		return
	}
	s.cache.Del(countersKey(id))

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
}

func (s *Server) handleWatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"conversations": s.watcher.Active()})
}

// handleCounters answers with defaults for conversations that are not watched.
func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if !idRegex.MatchString(id) {
		http.Error(w, "Invalid or missing id", http.StatusBadRequest)
		return
	}

	s.serveFromCacheOrCompute(w, countersKey(id), func() (any, error) {
		return s.watcher.Counters(id), nil
	})
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	id := q.Get("id")
	if !idRegex.MatchString(id) {
		http.Error(w, "Invalid or missing id", http.StatusBadRequest)
		return
	}

	limit := defaultCommentLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxCommentLimit)
	}

	comments := s.watcher.Comments(id, limit)
	views := make([]commentView, 0, len(comments))
	for _, c := range comments {
		views = append(views, commentView{
			ID:           c.ID,
			ParentID:     c.ParentID,
			UserID:       c.UserID,
			Depth:        c.Depth,
			RepliesCount: c.RepliesCount,
			Text:         c.PlainText(),
			WrittenAt:    c.CreatedAt(),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) serveFromCacheOrCompute(w http.ResponseWriter, key string, compute func() (any, error)) {
	if data, ok := s.cache.Get(key); ok {
		s.recorder.IncCacheHits()
		writeRaw(w, http.StatusOK, data, s.logger)
		return
	}
	s.recorder.IncCacheMisses()

	result, err := compute()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.cache.Set(key, data)
	writeRaw(w, http.StatusOK, data, s.logger)
}
