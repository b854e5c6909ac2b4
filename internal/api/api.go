// Package api exposes the game-facing REST surface: session issuance, score
// submission and leaderboard reads.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pipehop/backend/internal/errors"
	"github.com/pipehop/backend/internal/leaderboard"
	"github.com/pipehop/backend/internal/score"
	"github.com/pipehop/backend/internal/week"
)

type Config struct {
	Engine      *gin.Engine
	Score       *score.Service
	Leaderboard *leaderboard.Service

	// Now is injectable for tests.
	Now func() time.Time
}

type API struct {
	score       *score.Service
	leaderboard *leaderboard.Service
	now         func() time.Time
}

func New(c Config) *API {
	if c.Now == nil {
		c.Now = time.Now
	}

	a := &API{
		score:       c.Score,
		leaderboard: c.Leaderboard,
		now:         c.Now,
	}

	e := c.Engine
	e.GET("/healthz", a.health)

	v1 := e.Group("/v1")
	v1.POST("/sessions", a.startSession)
	v1.POST("/scores", a.submitScore)
	v1.GET("/leaderboard", a.getLeaderboard)
	v1.GET("/players/:id/rank", a.getRank)

	return a
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type startSessionRequest struct {
	PlayerID string `json:"player_id"`
	Username string `json:"username"`
}

type startSessionResponse struct {
	SessionID  string `json:"session_id"`
	ServerTime int64  `json:"server_time"`
}

func (a *API) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	resp, err := a.score.StartSession(c.Request.Context(), score.StartSessionRequest{
		PlayerID: req.PlayerID,
		Username: req.Username,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, startSessionResponse{
		SessionID:  resp.SessionID,
		ServerTime: resp.ServerTime.UnixMilli(),
	})
}

type submitScoreRequest struct {
	PlayerID    string `json:"player_id"`
	Username    string `json:"username"`
	SessionID   string `json:"session_id"`
	Score       int64  `json:"score"`
	Level       int64  `json:"level"`
	CoinsEarned int64  `json:"coins_earned"`
	FrameCount  *int64 `json:"frame_count,omitempty"`
	DurationMs  *int64 `json:"duration_ms,omitempty"`
}

type submitScoreResponse struct {
	Accepted bool   `json:"accepted"`
	Flagged  bool   `json:"flagged,omitempty"`
	Score    int64  `json:"score,omitempty"`
	Rank     int64  `json:"rank,omitempty"`
	Best     int64  `json:"best,omitempty"`
	Week     string `json:"week,omitempty"`
}

// submitScore resolves a play attempt. A rejected score is reported without
// reasons; the issue list stays server-side.
func (a *API) submitScore(c *gin.Context) {
	var req submitScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	resp, err := a.score.SubmitScore(c.Request.Context(), score.SubmitScoreRequest{
		PlayerID:    req.PlayerID,
		Username:    req.Username,
		SessionID:   req.SessionID,
		Score:       req.Score,
		Level:       req.Level,
		CoinsEarned: req.CoinsEarned,
		FrameCount:  req.FrameCount,
		DurationMs:  req.DurationMs,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	if !resp.Verdict.Accepted {
		c.JSON(http.StatusOK, submitScoreResponse{Accepted: false})
		return
	}

	out := submitScoreResponse{
		Accepted: true,
		Flagged:  resp.Verdict.Flagged,
		Score:    resp.Record.Score,
		Week:     resp.Record.Week,
	}

	// rank is best-effort; the leaderboard update is asynchronous
	if rank, best, err := a.leaderboard.GetRank(c.Request.Context(), resp.Record.Week, req.PlayerID); err == nil {
		out.Rank = rank
		out.Best = best
	}

	c.JSON(http.StatusOK, out)
}

type leaderboardEntry struct {
	Rank     int64  `json:"rank"`
	PlayerID string `json:"player_id"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

type leaderboardResponse struct {
	Week    string             `json:"week"`
	Entries []leaderboardEntry `json:"entries"`
}

func (a *API) getLeaderboard(c *gin.Context) {
	wk := c.Query("week")
	if wk == "" {
		wk = week.Key(a.now())
	}

	var limit int64 = 10
	if q := c.Query("limit"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil || parsed < 1 || parsed > 100 {
			abortWithError(c, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("limit must be an integer between 1 and 100")))
			return
		}
		limit = parsed
	}

	l, err := a.leaderboard.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		Week:  wk,
		Limit: limit,
	})
	if errors.Convert(err).Code == errors.CodeNotFound {
		c.JSON(http.StatusOK, leaderboardResponse{Week: wk, Entries: []leaderboardEntry{}})
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	out := leaderboardResponse{
		Week:    l.Week,
		Entries: make([]leaderboardEntry, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		out.Entries = append(out.Entries, leaderboardEntry{
			Rank:     e.Rank,
			PlayerID: e.PlayerID,
			Username: e.Username,
			Score:    e.Score,
		})
	}

	c.JSON(http.StatusOK, out)
}

type rankResponse struct {
	Week  string `json:"week"`
	Rank  int64  `json:"rank"`
	Score int64  `json:"score"`
}

func (a *API) getRank(c *gin.Context) {
	wk := c.Query("week")
	if wk == "" {
		wk = week.Key(a.now())
	}

	rank, sc, err := a.leaderboard.GetRank(c.Request.Context(), wk, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rankResponse{Week: wk, Rank: rank, Score: sc})
}

func abortWithError(c *gin.Context, err error) {
	e := errors.Convert(err)

	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: internal error", "error", err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"code":    e.Code,
		"message": e.Message,
	})
}
