// Package leaderboard maintains the weekly ranking in a Redis sorted set.
// SQLite holds the durable score records; the sorted set is a derived view
// keyed by ISO week, so the weekly reset is simply a new key.
package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pipehop/backend/internal/domain"
	"github.com/pipehop/backend/internal/errors"
	"github.com/pipehop/backend/internal/event"
)

const (
	publishInterval = 2 * time.Second
	boardSize       = 10
)

// Names resolves player ids to display names for board rendering.
type Names interface {
	Usernames(ctx context.Context, playerIDs []string) (map[string]string, error)
}

type Config struct {
	EventBus *event.Bus
	Names    Names
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	eb     *event.Bus
	names  Names
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		names:  c.Names,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameScoreAccepted, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreAccepted))
	})

	return s
}

type GetLeaderboardRequest struct {
	Week  string
	Limit int64
}

// GetLeaderboard returns the top entries for a week, best score per player,
// descending.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = boardSize
	}

	res, err := s.redis.ZRevRangeWithScores(ctx, s.boardKey(req.Week), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("leaderboard is empty: week=%s", req.Week))
	}

	ids := make([]string, 0, len(res))
	for _, z := range res {
		ids = append(ids, z.Member.(string))
	}

	names, err := s.names.Usernames(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve usernames: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		id := z.Member.(string)
		entries = append(entries, domain.LeaderboardEntry{
			Rank:     int64(i + 1),
			PlayerID: id,
			Username: names[id],
			Score:    int64(z.Score),
		})
	}

	return &domain.Leaderboard{
		Week:    req.Week,
		Entries: entries,
	}, nil
}

// GetRank returns a player's current rank (1-based) and best score for a week.
func (s *Service) GetRank(ctx context.Context, wk, playerID string) (rank, score int64, err error) {
	key := s.boardKey(wk)

	r, err := s.redis.ZRevRank(ctx, key, playerID).Result()
	if err == redis.Nil {
		return 0, 0, errors.New(errors.CodeNotFound,
			errors.WithMessagef("player has no score this week: %s", playerID))
	}
	if err != nil {
		return 0, 0, fmt.Errorf("get rank: %w", err)
	}

	sc, err := s.redis.ZScore(ctx, key, playerID).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("get score: %w", err)
	}

	return r + 1, int64(sc), nil
}

// UpdateLeaderboard records an accepted score, keeping each player's weekly
// best via ZADD GT.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreAccepted) error {
	sc := e.Score

	if err := s.redis.ZAddGT(ctx, s.boardKey(sc.Week), redis.Z{
		Score:  float64(sc.Score),
		Member: sc.PlayerID,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublish(ctx, sc)
}

// Reset deletes a week's sorted set. The archive job calls this after the
// week's records are exported.
func (s *Service) Reset(ctx context.Context, wk string) error {
	if err := s.redis.Del(ctx, s.boardKey(wk), s.timeKey(wk)).Err(); err != nil {
		return fmt.Errorf("reset leaderboard: %w", err)
	}
	return nil
}

// schedulePublish throttles leaderboard.updated events: a burst of accepted
// scores within the interval produces a single publication.
func (s *Service) schedulePublish(ctx context.Context, sc domain.ScoreRecord) error {
	ok, err := s.redis.SetNX(ctx, s.timeKey(sc.Week), sc.CreatedAt.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publish(ctx, sc.Week)
}

func (s *Service) publish(ctx context.Context, wk string) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{Week: wk})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: week=%s: %w", wk, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *l})
	return nil
}

func (s *Service) boardKey(wk string) string {
	return fmt.Sprintf("%s:%s:board", s.prefix, wk)
}

func (s *Service) timeKey(wk string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, wk)
}
