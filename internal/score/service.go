// Package score is the submission gateway: it glues the session store and the
// anti-cheat validator to the untrusted request and the persistence layer.
package score

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipehop/backend/internal/anticheat"
	"github.com/pipehop/backend/internal/domain"
	"github.com/pipehop/backend/internal/errors"
	"github.com/pipehop/backend/internal/event"
	"github.com/pipehop/backend/internal/session"
	"github.com/pipehop/backend/internal/telemetry"
	"github.com/pipehop/backend/internal/week"
)

// Storage is the persistence collaborator; only accepted scores reach it.
type Storage interface {
	UpsertPlayer(ctx context.Context, playerID, username string) error
	GetPlayer(ctx context.Context, playerID string) (domain.Player, error)
	InsertScore(ctx context.Context, rec domain.ScoreRecord) error
}

type Config struct {
	EventBus *event.Bus
	Sessions *session.Store
	Storage  Storage
	Rules    anticheat.Rules

	// Now is injectable for tests.
	Now func() time.Time
}

type Service struct {
	eb       *event.Bus
	sessions *session.Store
	storage  Storage
	rules    anticheat.Rules
	now      func() time.Time
}

func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Service{
		eb:       c.EventBus,
		sessions: c.Sessions,
		storage:  c.Storage,
		rules:    c.Rules,
		now:      c.Now,
	}
}

type StartSessionRequest struct {
	PlayerID string
	Username string
}

type StartSessionResponse struct {
	SessionID  string
	ServerTime time.Time
}

// StartSession authorizes one play attempt. Banned players get no session.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (*StartSessionResponse, error) {
	if req.PlayerID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("player id is required"))
	}

	if err := s.storage.UpsertPlayer(ctx, req.PlayerID, req.Username); err != nil {
		return nil, fmt.Errorf("register player: %w", err)
	}

	if err := s.checkBan(ctx, req.PlayerID); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Create(req.PlayerID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	telemetry.SessionsCreated.Inc()

	return &StartSessionResponse{
		SessionID:  sess.ID,
		ServerTime: sess.StartedAt,
	}, nil
}

type SubmitScoreRequest struct {
	PlayerID  string
	Username  string
	SessionID string

	Score       int64
	Level       int64
	CoinsEarned int64
	FrameCount  *int64
	DurationMs  *int64
}

type SubmitScoreResponse struct {
	Verdict anticheat.Verdict
	Record  *domain.ScoreRecord // nil when rejected
}

// SubmitScore resolves one play attempt. The session is consumed on any
// decisive outcome, accepted or hard-rejected, so a tamper-and-retry against
// the same token never gets a second verdict. Rejections surface to the
// caller as a verdict, not an error; the detailed issue list is only logged.
func (s *Service) SubmitScore(ctx context.Context, req SubmitScoreRequest) (*SubmitScoreResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if err := s.checkBan(ctx, req.PlayerID); err != nil {
		return nil, err
	}

	state, err := s.claimSession(req.SessionID, req.PlayerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	claim := anticheat.Claim{
		Score:       req.Score,
		Level:       req.Level,
		CoinsEarned: req.CoinsEarned,
		FrameCount:  req.FrameCount,
		DurationMs:  req.DurationMs,
	}

	v := s.rules.Validate(state, claim, now)
	s.observe(ctx, req, state, v, now)

	if !v.Accepted {
		return &SubmitScoreResponse{Verdict: v}, nil
	}

	rec, err := s.persist(ctx, req, v, now)
	if err != nil {
		return nil, err
	}

	return &SubmitScoreResponse{Verdict: v, Record: rec}, nil
}

// claimSession resolves the session atomically. An ownership mismatch is an
// error to the caller and leaves the session intact for its rightful owner;
// absence and reuse are regular validation outcomes.
func (s *Service) claimSession(sessionID, playerID string) (anticheat.SessionState, error) {
	sess, err := s.sessions.Claim(sessionID, playerID)
	switch {
	case err == nil:
		return anticheat.SessionState{Found: true, StartedAt: sess.StartedAt}, nil

	case stderrors.Is(err, session.ErrNotOwner):
		return anticheat.SessionState{}, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("session does not belong to player"))

	case stderrors.Is(err, session.ErrConsumed):
		state := anticheat.SessionState{Found: true, Consumed: true}
		if prev, ok := s.sessions.Get(sessionID); ok {
			state.StartedAt = prev.StartedAt
		}
		return state, nil

	default:
		return anticheat.SessionState{}, nil // not found: validator rejects it
	}
}

func (s *Service) persist(ctx context.Context, req SubmitScoreRequest, v anticheat.Verdict, now time.Time) (*domain.ScoreRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate score id: %w", err)
	}

	if err := s.storage.UpsertPlayer(ctx, req.PlayerID, req.Username); err != nil {
		return nil, fmt.Errorf("upsert player: %w", err)
	}

	rec := domain.ScoreRecord{
		ScoreID:     id.String(),
		PlayerID:    req.PlayerID,
		Score:       req.Score,
		Level:       req.Level,
		CoinsEarned: req.CoinsEarned,
		Flagged:     v.Flagged,
		Issues:      v.IssueStrings(),
		Week:        week.Key(now),
		CreatedAt:   now,
	}

	if err := s.storage.InsertScore(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert score: %w", err)
	}

	s.eb.Publish(ctx, domain.EventScoreAccepted{Score: rec})

	return &rec, nil
}

// observe logs and counts the outcome with enough context for later abuse
// investigation.
func (s *Service) observe(ctx context.Context, req SubmitScoreRequest, state anticheat.SessionState, v anticheat.Verdict, now time.Time) {
	verdict := "accepted"
	if !v.Accepted {
		verdict = "rejected"
	}
	telemetry.Submissions.WithLabelValues(verdict).Inc()
	for _, issue := range v.Issues {
		telemetry.ValidationIssues.WithLabelValues(string(issue)).Inc()
	}

	if !v.Flagged {
		return
	}

	var elapsed time.Duration
	if state.Found {
		elapsed = now.Sub(state.StartedAt)
	}

	slog.WarnContext(ctx, "score: flagged submission",
		"player", req.PlayerID,
		"score", req.Score,
		"level", req.Level,
		"issues", v.IssueStrings(),
		"elapsed", elapsed,
		"accepted", v.Accepted,
	)

	s.eb.Publish(ctx, domain.EventScoreFlagged{
		PlayerID: req.PlayerID,
		Score:    req.Score,
		Issues:   v.IssueStrings(),
		Accepted: v.Accepted,
	})
}

func (s *Service) checkBan(ctx context.Context, playerID string) error {
	p, err := s.storage.GetPlayer(ctx, playerID)
	if err != nil {
		if errors.Convert(err).Code == errors.CodeNotFound {
			return nil
		}
		return fmt.Errorf("get player: %w", err)
	}

	if p.Banned {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("player is banned: %s", playerID))
	}
	return nil
}

func validateRequest(req SubmitScoreRequest) error {
	switch {
	case req.PlayerID == "":
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("player id is required"))
	case req.SessionID == "":
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("session id is required"))
	case req.Score < 0:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("score must be non-negative"))
	case req.Level < 1:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("level must be positive"))
	case req.CoinsEarned < 0:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("coins earned must be non-negative"))
	case req.FrameCount != nil && *req.FrameCount < 0:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("frame count must be non-negative"))
	case req.DurationMs != nil && *req.DurationMs < 0:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("duration must be non-negative"))
	}
	return nil
}
