package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/pipehop/backend/internal/anticheat"
	"github.com/pipehop/backend/internal/api"
	"github.com/pipehop/backend/internal/archive"
	"github.com/pipehop/backend/internal/bot"
	"github.com/pipehop/backend/internal/event"
	"github.com/pipehop/backend/internal/leaderboard"
	"github.com/pipehop/backend/internal/score"
	"github.com/pipehop/backend/internal/session"
	"github.com/pipehop/backend/internal/storage"
	"github.com/pipehop/backend/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	SQLite struct {
		Path string
	}

	Telegram struct {
		// Token may be empty in development; the bot is then disabled.
		Token          string
		GameURL        string
		AnnounceChatID int64
		AdminIDs       []int64
	}

	Archive struct {
		Dir string
	}

	Game struct {
		// Zero values fall back to the tuned defaults. MaxScorePerSecond is
		// a decimal string, e.g. "1.2".
		MinGameDurationMs int64
		MaxScorePerSecond string
		MaxAbsoluteScore  int64
		TargetFPS         int64

		SessionRetentionMin int64
		SweepIntervalMin    int64
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis   redis.UniversalClient
		storage *storage.Store
		bot     *tgbotapi.BotAPI
	}

	service struct {
		sessions    *session.Store
		score       *score.Service
		leaderboard *leaderboard.Service
		bot         *bot.Service
		archive     *archive.Runner
	}

	http *http.Server

	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	var err error
	s.infra.storage, err = storage.Open(s.c.SQLite.Path)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}

	if s.c.Telegram.Token == "" {
		slog.Warn("server: telegram token not set, bot disabled")
		return nil
	}

	s.infra.bot, err = tgbotapi.NewBotAPI(s.c.Telegram.Token)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initService() error {
	rules, err := s.rules()
	if err != nil {
		return fmt.Errorf("game rules: %w", err)
	}

	s.service.sessions = session.NewStore(session.Config{
		Retention:     time.Duration(s.c.Game.SessionRetentionMin) * time.Minute,
		SweepInterval: time.Duration(s.c.Game.SweepIntervalMin) * time.Minute,
	})

	s.service.score = score.NewService(score.Config{
		EventBus: s.eb,
		Sessions: s.service.sessions,
		Storage:  s.infra.storage,
		Rules:    rules,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Names:    s.infra.storage,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Prefix,
	})

	s.service.archive = archive.NewRunner(archive.Config{
		Storage: s.infra.storage,
		Boards:  s.service.leaderboard,
		Dir:     s.c.Archive.Dir,
	})

	if s.infra.bot != nil {
		s.service.bot = bot.NewService(bot.Config{
			API:            s.infra.bot,
			EventBus:       s.eb,
			Leaderboard:    s.service.leaderboard,
			Moderation:     s.infra.storage,
			GameURL:        s.c.Telegram.GameURL,
			AdminIDs:       s.c.Telegram.AdminIDs,
			AnnounceChatID: s.c.Telegram.AnnounceChatID,
		})
	}

	return nil
}

func (s *Server) rules() (anticheat.Rules, error) {
	r := anticheat.DefaultRules()

	if v := s.c.Game.MinGameDurationMs; v > 0 {
		r.MinGameDuration = time.Duration(v) * time.Millisecond
	}
	if v := s.c.Game.MaxScorePerSecond; v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return anticheat.Rules{}, fmt.Errorf("parse max score per second %q: %w", v, err)
		}
		r.MaxScorePerSecond = d
	}
	if v := s.c.Game.MaxAbsoluteScore; v > 0 {
		r.MaxAbsoluteScore = v
	}
	if v := s.c.Game.TargetFPS; v > 0 {
		r.TargetFPS = v
	}

	return r, nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Engine:      e,
		Score:       s.service.score,
		Leaderboard: s.service.leaderboard,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	var eg errgroup.Group

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		s.service.sessions.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		s.service.archive.Run(ctx)
		return nil
	})

	if s.service.bot != nil {
		eg.Go(func() error {
			slog.InfoContext(ctx, "server: telegram bot polling")
			return s.service.bot.Run(ctx)
		})
	}

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.cancel != nil {
		s.cancel()
	}

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if err := s.infra.storage.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close storage failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
