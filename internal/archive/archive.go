// Package archive exports each finished week's score records to CSV and then
// drops the stale Redis board. The SQLite archives table makes the job
// idempotent across restarts.
package archive

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pipehop/backend/internal/domain"
	"github.com/pipehop/backend/internal/week"
)

const defaultInterval = time.Hour

// Storage is the slice of the datastore the archiver needs.
type Storage interface {
	WeekScores(ctx context.Context, week string) ([]domain.ScoreRecord, error)
	IsArchived(ctx context.Context, week string) (bool, error)
	MarkArchived(ctx context.Context, week, file string) error
}

// Boards can drop a week's leaderboard once it is archived.
type Boards interface {
	Reset(ctx context.Context, week string) error
}

type Config struct {
	Storage  Storage
	Boards   Boards
	Dir      string
	Interval time.Duration

	// Now and NewTickerFunc are injectable for tests.
	Now           func() time.Time
	NewTickerFunc func(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Runner struct {
	storage  Storage
	boards   Boards
	dir      string
	interval time.Duration

	now       func() time.Time
	newTicker func(d time.Duration) Ticker
}

func NewRunner(c Config) *Runner {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewTickerFunc == nil {
		c.NewTickerFunc = newTicker
	}

	return &Runner{
		storage:   c.Storage,
		boards:    c.Boards,
		dir:       c.Dir,
		interval:  c.Interval,
		now:       c.Now,
		newTicker: c.NewTickerFunc,
	}
}

// Run archives once at start, then on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	t := r.newTicker(r.interval)
	defer t.Stop()

	r.archive(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			r.archive(ctx)
		}
	}
}

func (r *Runner) archive(ctx context.Context) {
	if err := r.ArchivePrevious(ctx); err != nil {
		slog.ErrorContext(ctx, "archive: archiving previous week failed", "error", err)
	}
}

// ArchivePrevious exports the week before the current one, exactly once. An
// already archived week is a no-op.
func (r *Runner) ArchivePrevious(ctx context.Context) error {
	wk := week.Previous(r.now())

	archived, err := r.storage.IsArchived(ctx, wk)
	if err != nil {
		return fmt.Errorf("check archive state: %w", err)
	}
	if archived {
		return nil
	}

	recs, err := r.storage.WeekScores(ctx, wk)
	if err != nil {
		return fmt.Errorf("load week scores: %w", err)
	}

	name := fmt.Sprintf("pipehop-%s.csv", wk)
	path := filepath.Join(r.dir, name)
	if err := writeCSV(path, recs); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	if err := r.storage.MarkArchived(ctx, wk, name); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}

	if err := r.boards.Reset(ctx, wk); err != nil {
		return fmt.Errorf("reset board: %w", err)
	}

	slog.InfoContext(ctx, "archive: week archived",
		"week", wk,
		"file", name,
		"records", len(recs),
	)
	return nil
}

func writeCSV(path string, recs []domain.ScoreRecord) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)

	header := []string{"score_id", "player_id", "score", "level", "coins_earned", "flagged", "issues", "created_at"}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, rec := range recs {
		row := []string{
			rec.ScoreID,
			rec.PlayerID,
			strconv.FormatInt(rec.Score, 10),
			strconv.FormatInt(rec.Level, 10),
			strconv.FormatInt(rec.CoinsEarned, 10),
			strconv.FormatBool(rec.Flagged),
			strings.Join(rec.Issues, ";"),
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

type realTicker struct {
	t *time.Ticker
}

func newTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }

func (r *realTicker) Stop() { r.t.Stop() }
