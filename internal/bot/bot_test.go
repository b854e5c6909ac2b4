package bot_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pipehop/backend/internal/bot"
	"github.com/pipehop/backend/internal/domain"
	"github.com/pipehop/backend/internal/errors"
	"github.com/pipehop/backend/internal/event"
	"github.com/pipehop/backend/internal/leaderboard"
)

var testTime = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) // 2026-W35

func TestService_PlayCommand(t *testing.T) {
	f := makeFixture(t)

	f.command("/play", 7)
	f.runUntilDrained(t)

	sent := f.sender.messages()
	require.Len(t, sent, 1)

	msg, ok := sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	require.Contains(t, msg.Text, "hop some pipes")

	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Equal(t, "https://game.example/pipehop", *markup.InlineKeyboard[0][0].URL)
}

func TestService_TopCommand(t *testing.T) {
	f := makeFixture(t)

	f.updateBoard(t, "p1", "alice", 42)

	f.command("/top", 7)
	f.runUntilDrained(t)

	sent := f.sender.messages()
	require.Len(t, sent, 1)

	photo, ok := sent[0].(tgbotapi.PhotoConfig)
	require.True(t, ok)

	file, ok := photo.File.(tgbotapi.FileBytes)
	require.True(t, ok)
	require.Equal(t, "pipehop-2026-W35.png", file.Name)
	require.NotEmpty(t, file.Bytes)
}

func TestService_TopCommand_EmptyBoard(t *testing.T) {
	f := makeFixture(t)

	f.command("/top", 7)
	f.runUntilDrained(t)

	sent := f.sender.messages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].(tgbotapi.MessageConfig).Text, "No scores yet")
}

func TestService_RankCommand(t *testing.T) {
	f := makeFixture(t)

	f.updateBoard(t, "7", "alice", 42)

	f.command("/rank", 7)
	f.runUntilDrained(t)

	sent := f.sender.messages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].(tgbotapi.MessageConfig).Text, "#1")
}

func TestService_BanCommand(t *testing.T) {
	tests := map[string]struct {
		command  string
		from     int64
		wantBans map[string]bool
		wantText string
	}{
		"admin bans a player": {
			command:  "/ban p1",
			from:     99,
			wantBans: map[string]bool{"p1": true},
			wantText: "banned",
		},
		"admin unbans a player": {
			command:  "/unban p1",
			from:     99,
			wantBans: map[string]bool{"p1": false},
			wantText: "unbanned",
		},
		"non-admin is refused": {
			command:  "/ban p1",
			from:     7,
			wantText: "not allowed",
		},
		"missing argument": {
			command:  "/ban",
			from:     99,
			wantText: "Usage",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t)
			f.moderation.players["p1"] = false

			f.command(tt.command, tt.from)
			f.runUntilDrained(t)

			sent := f.sender.messages()
			require.Len(t, sent, 1)
			require.Contains(t, sent[0].(tgbotapi.MessageConfig).Text, tt.wantText)

			if tt.wantBans != nil {
				for id, banned := range tt.wantBans {
					require.Equal(t, banned, f.moderation.players[id])
				}
			}
		})
	}
}

func TestService_AnnounceLeader(t *testing.T) {
	f := makeFixture(t)
	f.runUntilDrained(t) // no commands; the bot is only listening to events

	board := domain.Leaderboard{
		Week: "2026-W35",
		Entries: []domain.LeaderboardEntry{
			{Rank: 1, PlayerID: "p1", Username: "alice", Score: 42},
		},
	}

	f.bus.Publish(context.Background(), domain.EventLeaderboardUpdated{Leaderboard: board})
	// the same leader again must not re-announce
	f.bus.Publish(context.Background(), domain.EventLeaderboardUpdated{Leaderboard: board})

	board.Entries[0] = domain.LeaderboardEntry{Rank: 1, PlayerID: "p2", Username: "bob", Score: 50}
	f.bus.Publish(context.Background(), domain.EventLeaderboardUpdated{Leaderboard: board})

	f.bus.Stop()

	sent := f.sender.messages()
	require.Len(t, sent, 2)
	require.Contains(t, sent[0].(tgbotapi.MessageConfig).Text, "alice")
	require.Contains(t, sent[1].(tgbotapi.MessageConfig).Text, "bob")
}

type fixture struct {
	svc        *bot.Service
	bus        *event.Bus
	sender     *fakeSender
	moderation *fakeModeration
	board      *leaderboard.Service
	updates    chan tgbotapi.Update
}

func makeFixture(t *testing.T) *fixture {
	t.Helper()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})

	bus := event.NewBus()
	board := leaderboard.NewService(leaderboard.Config{
		EventBus: event.NewBus(), // isolated bus so board updates don't loop back
		Names:    stubNames{"p1": "alice", "p2": "bob", "7": "alice"},
		Redis:    rc,
		Prefix:   "pipehop",
	})

	f := &fixture{
		bus:        bus,
		sender:     &fakeSender{},
		moderation: &fakeModeration{players: make(map[string]bool)},
		board:      board,
		updates:    make(chan tgbotapi.Update, 16),
	}
	f.sender.updates = f.updates

	f.svc = bot.NewService(bot.Config{
		API:            f.sender,
		EventBus:       bus,
		Leaderboard:    board,
		Moderation:     f.moderation,
		GameURL:        "https://game.example/pipehop",
		AdminIDs:       []int64{99},
		AnnounceChatID: -100,
		Now:            func() time.Time { return testTime },
	})

	return f
}

func (f *fixture) command(text string, from int64) {
	length := len(text)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		length = i
	}

	f.updates <- tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: text,
			Entities: []tgbotapi.MessageEntity{
				{Type: "bot_command", Offset: 0, Length: length},
			},
			Chat: &tgbotapi.Chat{ID: 1},
			From: &tgbotapi.User{ID: from},
		},
	}
}

// runUntilDrained closes the update channel and runs the service until it
// has processed everything queued so far.
func (f *fixture) runUntilDrained(t *testing.T) {
	t.Helper()

	close(f.updates)
	require.NoError(t, f.svc.Run(context.Background()))
}

func (f *fixture) updateBoard(t *testing.T, playerID, _ string, score int64) {
	t.Helper()

	err := f.board.UpdateLeaderboard(context.Background(), domain.EventScoreAccepted{
		Score: domain.ScoreRecord{
			PlayerID:  playerID,
			Score:     score,
			Week:      "2026-W35",
			CreatedAt: testTime,
		},
	})
	require.NoError(t, err)
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	updates chan tgbotapi.Update
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, nil
}

func (s *fakeSender) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return s.updates
}

func (s *fakeSender) StopReceivingUpdates() {}

func (s *fakeSender) messages() []tgbotapi.Chattable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

type fakeModeration struct {
	players map[string]bool
}

func (m *fakeModeration) SetBanned(_ context.Context, playerID string, banned bool) error {
	if _, ok := m.players[playerID]; !ok {
		return errors.New(errors.CodeNotFound)
	}
	m.players[playerID] = banned
	return nil
}

type stubNames map[string]string

func (n stubNames) Usernames(_ context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if name, ok := n[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}
