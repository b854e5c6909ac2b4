// Package bot dispatches Telegram commands and posts leaderboard cards. It
// deliberately has no conversational state: every command is answered in one
// message.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pipehop/backend/internal/domain"
	"github.com/pipehop/backend/internal/errors"
	"github.com/pipehop/backend/internal/event"
	"github.com/pipehop/backend/internal/leaderboard"
	"github.com/pipehop/backend/internal/render"
	"github.com/pipehop/backend/internal/week"
)

const updateTimeout = 30 // seconds, long-poll

// Sender is the slice of the Telegram API the service uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Moderation is the manual ban switch backing /ban and /unban.
type Moderation interface {
	SetBanned(ctx context.Context, playerID string, banned bool) error
}

type Config struct {
	API         Sender
	EventBus    *event.Bus
	Leaderboard *leaderboard.Service
	Moderation  Moderation

	// GameURL is the web-app the /play button opens.
	GameURL string
	// AdminIDs may use moderation commands.
	AdminIDs []int64
	// AnnounceChatID receives new-leader announcements; zero disables them.
	AnnounceChatID int64

	Now func() time.Time
}

type Service struct {
	api         Sender
	leaderboard *leaderboard.Service
	moderation  Moderation

	gameURL        string
	admins         map[int64]bool
	announceChatID int64
	now            func() time.Time

	mu         sync.Mutex
	lastLeader string
}

func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}

	admins := make(map[int64]bool, len(c.AdminIDs))
	for _, id := range c.AdminIDs {
		admins[id] = true
	}

	s := &Service{
		api:            c.API,
		leaderboard:    c.Leaderboard,
		moderation:     c.Moderation,
		gameURL:        c.GameURL,
		admins:         admins,
		announceChatID: c.AnnounceChatID,
		now:            c.Now,
	}

	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return s.announceLeader(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return s
}

// Run long-polls Telegram until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = updateTimeout

	updates := s.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			s.api.StopReceivingUpdates()
			return nil

		case update, ok := <-updates:
			if !ok {
				return nil
			}
			s.handleUpdate(ctx, update)
		}
	}
}

func (s *Service) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}

	var err error
	switch msg.Command() {
	case "start", "play":
		err = s.handlePlay(msg)
	case "top":
		err = s.handleTop(ctx, msg)
	case "rank":
		err = s.handleRank(ctx, msg)
	case "ban":
		err = s.handleBan(ctx, msg, true)
	case "unban":
		err = s.handleBan(ctx, msg, false)
	default:
		err = s.reply(msg, "Unknown command. Try /play, /top or /rank.")
	}

	if err != nil {
		slog.ErrorContext(ctx, "bot: handle command failed",
			"command", msg.Command(),
			"chat", msg.Chat.ID,
			"error", err,
		)
	}
}

func (s *Service) handlePlay(msg *tgbotapi.Message) error {
	out := tgbotapi.NewMessage(msg.Chat.ID, "Ready to hop some pipes? Good luck!")
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Play PipeHop", s.gameURL),
		),
	)

	_, err := s.api.Send(out)
	return err
}

func (s *Service) handleTop(ctx context.Context, msg *tgbotapi.Message) error {
	wk := week.Key(s.now())

	l, err := s.leaderboard.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Week: wk})
	if errors.Convert(err).Code == errors.CodeNotFound {
		return s.reply(msg, "No scores yet this week. Be the first: /play")
	}
	if err != nil {
		return err
	}

	png, err := render.Card("Weekly Top "+wk, l.Entries)
	if err != nil {
		return err
	}

	photo := tgbotapi.NewPhoto(msg.Chat.ID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("pipehop-%s.png", wk),
		Bytes: png,
	})

	_, err = s.api.Send(photo)
	return err
}

func (s *Service) handleRank(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	wk := week.Key(s.now())
	playerID := strconv.FormatInt(msg.From.ID, 10)

	rank, sc, err := s.leaderboard.GetRank(ctx, wk, playerID)
	if errors.Convert(err).Code == errors.CodeNotFound {
		return s.reply(msg, "You have no score this week yet. /play to get on the board!")
	}
	if err != nil {
		return err
	}

	return s.reply(msg, fmt.Sprintf("You are #%d this week with a best of %d.", rank, sc))
}

func (s *Service) handleBan(ctx context.Context, msg *tgbotapi.Message, banned bool) error {
	if msg.From == nil || !s.admins[msg.From.ID] {
		return s.reply(msg, "You are not allowed to do that.")
	}

	playerID := strings.TrimSpace(msg.CommandArguments())
	if playerID == "" {
		return s.reply(msg, fmt.Sprintf("Usage: /%s <player id>", msg.Command()))
	}

	if err := s.moderation.SetBanned(ctx, playerID, banned); err != nil {
		if errors.Convert(err).Code == errors.CodeNotFound {
			return s.reply(msg, "Unknown player: "+playerID)
		}
		return err
	}

	action := "banned"
	if !banned {
		action = "unbanned"
	}
	return s.reply(msg, fmt.Sprintf("Player %s %s.", playerID, action))
}

// announceLeader posts to the announce chat when the weekly leader changes.
func (s *Service) announceLeader(_ context.Context, e domain.EventLeaderboardUpdated) error {
	if s.announceChatID == 0 || len(e.Leaderboard.Entries) == 0 {
		return nil
	}

	top := e.Leaderboard.Entries[0]

	s.mu.Lock()
	leader := e.Leaderboard.Week + ":" + top.PlayerID
	changed := leader != s.lastLeader
	s.lastLeader = leader
	s.mu.Unlock()

	if !changed {
		return nil
	}

	name := top.Username
	if name == "" {
		name = top.PlayerID
	}

	_, err := s.api.Send(tgbotapi.NewMessage(s.announceChatID,
		fmt.Sprintf("%s takes the lead this week with %d points!", name, top.Score)))
	return err
}

func (s *Service) reply(msg *tgbotapi.Message, text string) error {
	_, err := s.api.Send(tgbotapi.NewMessage(msg.Chat.ID, text))
	return err
}
