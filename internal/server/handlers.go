package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/steemit/hivemind-go/internal/indexer"
	"github.com/steemit/hivemind-go/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type feedEntryView struct {
	PostID      int64     `json:"post_id"`
	Author      string    `json:"author"`
	Permlink    string    `json:"permlink"`
	Title       string    `json:"title"`
	Payout      float64   `json:"payout"`
	CreatedAt   time.Time `json:"created_at"`
	RebloggedBy []string  `json:"reblogged_by,omitempty"`
}

func feedViews(entries []storage.FeedEntry) []feedEntryView {
	out := make([]feedEntryView, len(entries))
	for i, e := range entries {
		out[i] = feedEntryView{
			PostID:      e.PostID,
			Author:      e.Author,
			Permlink:    e.Permlink,
			Title:       e.Title,
			Payout:      e.Payout,
			CreatedAt:   e.CreatedAt,
			RebloggedBy: e.RebloggedBy,
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", "path", r.URL.Path, "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// pageParams reads skip/limit with API-wide bounds.
func pageParams(r *http.Request) (skip, limit int, err error) {
	skip, err = intParam(r, "skip", 0)
	if err != nil || skip < 0 {
		return 0, 0, fmt.Errorf("skip must be a non-negative integer")
	}
	limit, err = intParam(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		return 0, 0, fmt.Errorf("limit must be between 1 and %d", maxPageSize)
	}
	return skip, limit, nil
}

// handleHealth reports indexer liveness from the store alone, so a dead
// upstream cannot mask a healthy local state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	num, err := s.store.LastBlock(ctx)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	headTime, err := s.store.LastBlockTime(ctx)
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	age := s.now().UTC().Sub(headTime)
	body := map[string]any{
		"status":           "healthy",
		"block":            num,
		"head_time":        headTime,
		"head_age_seconds": int(age.Seconds()),
	}
	if num == 0 {
		body["status"] = "unhealthy"
		body["error"] = "no blocks indexed"
		s.writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	if age > s.cfg.MaxHeadAge {
		body["status"] = "unhealthy"
		body["error"] = fmt.Sprintf("head block age %s exceeds %s",
			age.Truncate(time.Second), s.cfg.MaxHeadAge)
		s.writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHeadState(w http.ResponseWriter, r *http.Request) {
	state, err := indexer.CurrentHeadState(r.Context(), s.store, s.chain)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := r.PathValue("account")
	skip, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	names, err := s.store.Followers(ctx, account, skip, limit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	count, _, err := s.store.FollowCounts(ctx, account)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account":   account,
		"count":     count,
		"followers": names,
	})
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := r.PathValue("account")
	skip, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	names, err := s.store.Following(ctx, account, skip, limit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	_, count, err := s.store.FollowCounts(ctx, account)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account":   account,
		"count":     count,
		"following": names,
	})
}

func (s *Server) handleBlog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := r.PathValue("account")
	skip, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.store.BlogFeed(ctx, account, skip, limit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"entries": feedViews(entries),
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := r.PathValue("account")
	skip, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.store.PersonalFeed(ctx, account, skip, limit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"entries": feedViews(entries),
	})
}

func (s *Server) handlePayoutStats(w http.ResponseWriter, r *http.Request) {
	total, last24h, err := s.store.PayoutStats(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{
		"total":    total,
		"last_24h": last24h,
	})
}
