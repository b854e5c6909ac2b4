package domain

import "time"

// Player is a Telegram user known to the game.
type Player struct {
	PlayerID  string
	Username  string
	Banned    bool
	CreatedAt time.Time
}

// ScoreRecord is one accepted game result, durably stored.
type ScoreRecord struct {
	ScoreID     string
	PlayerID    string
	Score       int64
	Level       int64
	CoinsEarned int64
	Flagged     bool
	Issues      []string
	Week        string
	CreatedAt   time.Time
}

// Leaderboard is the ranking for one ISO week.
// Entries are sorted by score in descending order.
type Leaderboard struct {
	Week    string
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	Rank     int64
	PlayerID string
	Username string
	Score    int64
}
