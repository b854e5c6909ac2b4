// Package storage persists players, score records and archive bookkeeping in
// SQLite. The database is the durable source of truth; the Redis leaderboard
// is a derived view that can always be rebuilt from here.
package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pipehop/backend/internal/domain"
	"github.com/pipehop/backend/internal/errors"
	"github.com/pipehop/backend/internal/storage/migrations"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies embedded
// migrations. Pass ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// every pooled connection would otherwise see its own empty memory db
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPlayer records a player, refreshing the username when the caller
// supplies a non-empty one.
func (s *Store) UpsertPlayer(ctx context.Context, playerID, username string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO players (player_id, username, created_at) VALUES (?, ?, ?)
ON CONFLICT (player_id) DO UPDATE SET username = excluded.username
WHERE excluded.username != ''`,
		playerID, username, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert player: %w", err)
	}
	return nil
}

func (s *Store) GetPlayer(ctx context.Context, playerID string) (domain.Player, error) {
	var (
		p         domain.Player
		banned    int64
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT player_id, username, banned, created_at FROM players WHERE player_id = ?`,
		playerID).Scan(&p.PlayerID, &p.Username, &banned, &createdAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Player{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("player not found: %s", playerID))
	}
	if err != nil {
		return domain.Player{}, fmt.Errorf("get player: %w", err)
	}

	p.Banned = banned != 0
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return p, nil
}

// SetBanned flips the ban flag. Banning is a manual moderation action; the
// score pipeline only reads the flag.
func (s *Store) SetBanned(ctx context.Context, playerID string, banned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE players SET banned = ? WHERE player_id = ?`, boolInt(banned), playerID)
	if err != nil {
		return fmt.Errorf("set banned: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set banned: rows affected: %w", err)
	}
	if n == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("player not found: %s", playerID))
	}
	return nil
}

func (s *Store) InsertScore(ctx context.Context, rec domain.ScoreRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scores (score_id, player_id, score, level, coins_earned, flagged, issues, week, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ScoreID,
		rec.PlayerID,
		rec.Score,
		rec.Level,
		rec.CoinsEarned,
		boolInt(rec.Flagged),
		strings.Join(rec.Issues, ","),
		rec.Week,
		rec.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

// TopScores returns each player's best score of the week, highest first.
func (s *Store) TopScores(ctx context.Context, week string, limit int64) ([]domain.LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT s.player_id, p.username, MAX(s.score) AS best
FROM scores s
JOIN players p ON p.player_id = s.player_id
WHERE s.week = ?
GROUP BY s.player_id
ORDER BY best DESC, s.player_id ASC
LIMIT ?`, week, limit)
	if err != nil {
		return nil, fmt.Errorf("top scores: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	rank := int64(1)
	for rows.Next() {
		e := domain.LeaderboardEntry{Rank: rank}
		if err := rows.Scan(&e.PlayerID, &e.Username, &e.Score); err != nil {
			return nil, fmt.Errorf("top scores: scan: %w", err)
		}
		entries = append(entries, e)
		rank++
	}

	return entries, rows.Err()
}

// PlayerBest returns the player's best score of the week, zero when the
// player has not played.
func (s *Store) PlayerBest(ctx context.Context, week, playerID string) (int64, error) {
	var best sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(score) FROM scores WHERE week = ? AND player_id = ?`,
		week, playerID).Scan(&best)
	if err != nil {
		return 0, fmt.Errorf("player best: %w", err)
	}
	return best.Int64, nil
}

// WeekScores returns every score record of the week in submission order, for
// the CSV archive.
func (s *Store) WeekScores(ctx context.Context, week string) ([]domain.ScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT score_id, player_id, score, level, coins_earned, flagged, issues, created_at
FROM scores
WHERE week = ?
ORDER BY created_at ASC`, week)
	if err != nil {
		return nil, fmt.Errorf("week scores: %w", err)
	}
	defer rows.Close()

	var recs []domain.ScoreRecord
	for rows.Next() {
		var (
			rec       domain.ScoreRecord
			flagged   int64
			issues    string
			createdAt int64
		)
		if err := rows.Scan(&rec.ScoreID, &rec.PlayerID, &rec.Score, &rec.Level,
			&rec.CoinsEarned, &flagged, &issues, &createdAt); err != nil {
			return nil, fmt.Errorf("week scores: scan: %w", err)
		}

		rec.Week = week
		rec.Flagged = flagged != 0
		if issues != "" {
			rec.Issues = strings.Split(issues, ",")
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// Usernames resolves display names for a set of players. Unknown ids are
// simply absent from the result.
func (s *Store) Usernames(ctx context.Context, playerIDs []string) (map[string]string, error) {
	if len(playerIDs) == 0 {
		return map[string]string{}, nil
	}

	placeholders := strings.Repeat("?,", len(playerIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(playerIDs))
	for _, id := range playerIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT player_id, username FROM players WHERE player_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("usernames: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string, len(playerIDs))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("usernames: scan: %w", err)
		}
		names[id] = name
	}

	return names, rows.Err()
}

func (s *Store) IsArchived(ctx context.Context, week string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM archives WHERE week = ?`, week).Scan(&found)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is archived: %w", err)
	}
	return true, nil
}

func (s *Store) MarkArchived(ctx context.Context, week, file string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO archives (week, file, archived_at) VALUES (?, ?, ?)`,
		week, file, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
