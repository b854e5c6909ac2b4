package score_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipehop/backend/internal/anticheat"
	"github.com/pipehop/backend/internal/domain"
	"github.com/pipehop/backend/internal/errors"
	"github.com/pipehop/backend/internal/event"
	"github.com/pipehop/backend/internal/score"
	"github.com/pipehop/backend/internal/session"
)

func TestService_StartSession(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)

	resp, err := f.svc.StartSession(context.Background(), score.StartSessionRequest{
		PlayerID: "p1",
		Username: "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)
	require.Equal(t, f.start, resp.ServerTime)
	require.Equal(t, "alice", f.storage.players["p1"].Username)

	_, err = f.svc.StartSession(context.Background(), score.StartSessionRequest{})
	require.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
}

func TestService_StartSession_Banned(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	f.storage.players["p1"] = domain.Player{PlayerID: "p1", Banned: true}

	_, err := f.svc.StartSession(context.Background(), score.StartSessionRequest{PlayerID: "p1"})
	require.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)
}

func TestService_SubmitScore_HonestPlay(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	sessionID := f.startSession(t, "p1")

	f.advance(10 * time.Second)

	resp, err := f.svc.SubmitScore(context.Background(), score.SubmitScoreRequest{
		PlayerID:    "p1",
		SessionID:   sessionID,
		Score:       12,
		Level:       2,
		CoinsEarned: 3,
		FrameCount:  ptr(600),
		DurationMs:  ptr(10000),
	})
	require.NoError(t, err)
	require.True(t, resp.Verdict.Accepted)
	require.False(t, resp.Verdict.Flagged)
	require.NotNil(t, resp.Record)
	require.Equal(t, "2026-W35", resp.Record.Week)

	require.Len(t, f.storage.scores, 1)
	require.EqualValues(t, 12, f.storage.scores[0].Score)

	f.bus.Stop()
	require.Len(t, f.accepted(), 1)
}

func TestService_SubmitScore_ReplayAttack(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	sessionID := f.startSession(t, "p1")
	f.advance(10 * time.Second)

	req := score.SubmitScoreRequest{
		PlayerID:  "p1",
		SessionID: sessionID,
		Score:     10,
		Level:     2,
	}

	first, err := f.svc.SubmitScore(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Verdict.Accepted)

	second, err := f.svc.SubmitScore(context.Background(), req)
	require.NoError(t, err)
	require.False(t, second.Verdict.Accepted)
	require.Equal(t, []anticheat.Issue{anticheat.IssueSessionReused}, second.Verdict.Issues)

	require.Len(t, f.storage.scores, 1, "the replay must not persist")
}

func TestService_SubmitScore_HardRejectConsumesSession(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	sessionID := f.startSession(t, "p1")
	f.advance(500 * time.Millisecond)

	// impossible speed: rejected, and the session burns with it
	resp, err := f.svc.SubmitScore(context.Background(), score.SubmitScoreRequest{
		PlayerID:  "p1",
		SessionID: sessionID,
		Score:     50,
		Level:     1,
	})
	require.NoError(t, err)
	require.False(t, resp.Verdict.Accepted)
	require.True(t, resp.Verdict.Has(anticheat.IssueTooFast))
	require.True(t, resp.Verdict.Has(anticheat.IssueScoreExceedsTime))
	require.Empty(t, f.storage.scores)

	// a corrected retry on the same token is a reuse, not a second chance
	f.advance(10 * time.Second)
	retry, err := f.svc.SubmitScore(context.Background(), score.SubmitScoreRequest{
		PlayerID:  "p1",
		SessionID: sessionID,
		Score:     5,
		Level:     1,
	})
	require.NoError(t, err)
	require.False(t, retry.Verdict.Accepted)
	require.True(t, retry.Verdict.Has(anticheat.IssueSessionReused))
}

func TestService_SubmitScore_OwnershipMismatch(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	sessionID := f.startSession(t, "p1")
	f.advance(10 * time.Second)

	_, err := f.svc.SubmitScore(context.Background(), score.SubmitScoreRequest{
		PlayerID:  "p2",
		SessionID: sessionID,
		Score:     5,
		Level:     1,
	})
	require.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)
	require.Empty(t, f.storage.scores)

	// the mismatch must not burn the owner's session
	resp, err := f.svc.SubmitScore(context.Background(), score.SubmitScoreRequest{
		PlayerID:  "p1",
		SessionID: sessionID,
		Score:     5,
		Level:     1,
	})
	require.NoError(t, err)
	require.True(t, resp.Verdict.Accepted)
}

func TestService_SubmitScore_ForgedSession(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)

	resp, err := f.svc.SubmitScore(context.Background(), score.SubmitScoreRequest{
		PlayerID:  "p1",
		SessionID: "forged",
		Score:     5,
		Level:     1,
	})
	require.NoError(t, err)
	require.False(t, resp.Verdict.Accepted)
	require.Equal(t, []anticheat.Issue{anticheat.IssueInvalidSession}, resp.Verdict.Issues)
}

func TestService_SubmitScore_FlaggedButAccepted(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	sessionID := f.startSession(t, "p1")
	f.advance(15 * time.Second)

	// level ahead of score: a soft issue only
	resp, err := f.svc.SubmitScore(context.Background(), score.SubmitScoreRequest{
		PlayerID:  "p1",
		SessionID: sessionID,
		Score:     12,
		Level:     4,
	})
	require.NoError(t, err)
	require.True(t, resp.Verdict.Accepted)
	require.True(t, resp.Verdict.Flagged)

	require.Len(t, f.storage.scores, 1)
	require.True(t, f.storage.scores[0].Flagged)
	require.Equal(t, []string{"level_mismatch"}, f.storage.scores[0].Issues)

	f.bus.Stop()
	require.Len(t, f.flagged(), 1)
	require.True(t, f.flagged()[0].Accepted)
}

func TestService_SubmitScore_Banned(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	sessionID := f.startSession(t, "p1")
	f.storage.players["p1"] = domain.Player{PlayerID: "p1", Banned: true}
	f.advance(10 * time.Second)

	_, err := f.svc.SubmitScore(context.Background(), score.SubmitScoreRequest{
		PlayerID:  "p1",
		SessionID: sessionID,
		Score:     5,
		Level:     1,
	})
	require.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)
}

func TestService_SubmitScore_MalformedInput(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)

	tests := map[string]score.SubmitScoreRequest{
		"missing player":  {SessionID: "s", Score: 1, Level: 1},
		"missing session": {PlayerID: "p", Score: 1, Level: 1},
		"negative score":  {PlayerID: "p", SessionID: "s", Score: -1, Level: 1},
		"zero level":      {PlayerID: "p", SessionID: "s", Score: 1, Level: 0},
		"negative coins":  {PlayerID: "p", SessionID: "s", Score: 1, Level: 1, CoinsEarned: -1},
		"negative frames": {PlayerID: "p", SessionID: "s", Score: 1, Level: 1, FrameCount: ptr(-1)},
	}

	for name, req := range tests {
		req := req
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.SubmitScore(context.Background(), req)
			require.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
		})
	}
}

type fixture struct {
	svc     *score.Service
	bus     *event.Bus
	storage *stubStorage
	start   time.Time

	mu       sync.Mutex
	now      time.Time
	accepts  []domain.EventScoreAccepted
	flaggeds []domain.EventScoreFlagged
}

func makeFixture(t *testing.T) *fixture {
	t.Helper()

	start := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	f := &fixture{
		bus:     event.NewBus(),
		storage: newStubStorage(),
		start:   start,
		now:     start,
	}

	clock := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}

	f.bus.Subscribe(domain.EventNameScoreAccepted, func(ctx context.Context, e event.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.accepts = append(f.accepts, e.(domain.EventScoreAccepted))
		return nil
	})
	f.bus.Subscribe(domain.EventNameScoreFlagged, func(ctx context.Context, e event.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.flaggeds = append(f.flaggeds, e.(domain.EventScoreFlagged))
		return nil
	})

	f.svc = score.NewService(score.Config{
		EventBus: f.bus,
		Sessions: session.NewStore(session.Config{Now: clock}),
		Storage:  f.storage,
		Rules:    anticheat.DefaultRules(),
		Now:      clock,
	})

	return f
}

func (f *fixture) startSession(t *testing.T, playerID string) string {
	t.Helper()

	resp, err := f.svc.StartSession(context.Background(), score.StartSessionRequest{
		PlayerID: playerID,
	})
	require.NoError(t, err)
	return resp.SessionID
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) accepted() []domain.EventScoreAccepted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

func (f *fixture) flagged() []domain.EventScoreFlagged {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flaggeds
}

type stubStorage struct {
	mu      sync.Mutex
	players map[string]domain.Player
	scores  []domain.ScoreRecord
}

func newStubStorage() *stubStorage {
	return &stubStorage{players: make(map[string]domain.Player)}
}

func (s *stubStorage) UpsertPlayer(_ context.Context, playerID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		p = domain.Player{PlayerID: playerID}
	}
	if username != "" {
		p.Username = username
	}
	s.players[playerID] = p
	return nil
}

func (s *stubStorage) GetPlayer(_ context.Context, playerID string) (domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return domain.Player{}, errors.New(errors.CodeNotFound)
	}
	return p, nil
}

func (s *stubStorage) InsertScore(_ context.Context, rec domain.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, rec)
	return nil
}

func ptr(v int64) *int64 {
	return &v
}
