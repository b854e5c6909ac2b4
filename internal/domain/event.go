package domain

const (
	EventNameScoreAccepted      = "score.accepted"
	EventNameScoreFlagged       = "score.flagged"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventScoreAccepted fires after a validated score is persisted.
type EventScoreAccepted struct {
	Score ScoreRecord
}

func (EventScoreAccepted) Name() string { return EventNameScoreAccepted }

// EventScoreFlagged fires for every submission carrying at least one
// validation issue, whether or not the score was accepted.
type EventScoreFlagged struct {
	PlayerID string
	Score    int64
	Issues   []string
	Accepted bool
}

func (EventScoreFlagged) Name() string { return EventNameScoreFlagged }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
