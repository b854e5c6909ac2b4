// Package anticheat decides whether a claimed game result is plausible given
// the session it was played under. Validation is pure: no clock reads, no
// store access, no mutation. The caller supplies the session state, the
// untrusted claim and the current time, and receives a verdict.
package anticheat

import (
	"time"

	"github.com/shopspring/decimal"
)

// Issue is a named validation finding.
type Issue string

const (
	IssueInvalidSession   Issue = "invalid_session"
	IssueSessionReused    Issue = "session_reused"
	IssueTooFast          Issue = "too_fast"
	IssueScoreExceedsTime Issue = "score_exceeds_time"
	IssueExceedsCap       Issue = "exceeds_cap"
	IssueLevelMismatch    Issue = "level_mismatch"
	IssueFrameMismatch    Issue = "frame_mismatch"
)

// Hard reports whether the issue alone forces rejection. Rate, duration and
// cap violations are strong low-false-positive tampering signals; level and
// frame mismatches can come from legitimate client variance (frame drops,
// compensated physics) and are only surfaced for review.
func (i Issue) Hard() bool {
	switch i {
	case IssueInvalidSession, IssueSessionReused, IssueTooFast, IssueScoreExceedsTime, IssueExceedsCap:
		return true
	}
	return false
}

// SessionState is what the validator needs to know about the session a claim
// was submitted against.
type SessionState struct {
	Found     bool
	Consumed  bool
	StartedAt time.Time
}

// Claim is the untrusted payload a client reports after a play attempt ends.
// FrameCount and DurationMs are optional; the frame sanity check runs only
// when both are present.
type Claim struct {
	Score       int64
	Level       int64
	CoinsEarned int64
	FrameCount  *int64
	DurationMs  *int64
}

// Verdict is the validation outcome. Accepted means no hard issue was found;
// Flagged means the issue set is non-empty, independent of acceptance.
type Verdict struct {
	Accepted bool
	Flagged  bool
	Issues   []Issue
}

// Has reports whether the verdict carries the given issue.
func (v Verdict) Has(issue Issue) bool {
	for _, i := range v.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

func (v Verdict) IssueStrings() []string {
	out := make([]string, 0, len(v.Issues))
	for _, i := range v.Issues {
		out = append(out, string(i))
	}
	return out
}

// Rules holds the tunable plausibility thresholds.
type Rules struct {
	// MinGameDuration is the shortest game that can legitimately end with a
	// submission; anything faster than the first pipe is a script.
	MinGameDuration time.Duration
	// MaxScorePerSecond is the fastest theoretical pipe-clear cadence.
	MaxScorePerSecond decimal.Decimal
	// MaxAbsoluteScore caps any single game, however long it ran.
	MaxAbsoluteScore int64
	// TargetFPS is the client's frame budget; reported frame counts outside
	// [0.3, 2.0] times the expected total are suspicious.
	TargetFPS int64
}

func DefaultRules() Rules {
	return Rules{
		MinGameDuration:   3 * time.Second,
		MaxScorePerSecond: decimal.RequireFromString("1.2"),
		MaxAbsoluteScore:  500,
		TargetFPS:         60,
	}
}

const (
	frameLowerRatio = 0.3
	frameUpperRatio = 2.0
)

// Validate evaluates every check and collects the full issue set; it does not
// short-circuit, so rejected attempts still log everything that was wrong
// with them. The one exception is an absent session: with no start time there
// is nothing to measure against, and the verdict is an immediate rejection.
func (r Rules) Validate(s SessionState, c Claim, now time.Time) Verdict {
	if !s.Found {
		return verdict([]Issue{IssueInvalidSession})
	}

	var issues []Issue

	if s.Consumed {
		issues = append(issues, IssueSessionReused)
	}

	elapsed := now.Sub(s.StartedAt)

	if elapsed < r.MinGameDuration {
		issues = append(issues, IssueTooFast)
	}

	if c.Score > r.maxScoreForElapsed(elapsed) {
		issues = append(issues, IssueScoreExceedsTime)
	}

	if c.Score > r.MaxAbsoluteScore {
		issues = append(issues, IssueExceedsCap)
	}

	// reaching a level implies a minimum score on the way there
	if c.Level > c.Score/10+2 {
		issues = append(issues, IssueLevelMismatch)
	}

	if c.FrameCount != nil && c.DurationMs != nil {
		expected := float64(*c.DurationMs) / 1000 * float64(r.TargetFPS)
		frames := float64(*c.FrameCount)
		if frames < frameLowerRatio*expected || frames > frameUpperRatio*expected {
			issues = append(issues, IssueFrameMismatch)
		}
	}

	return verdict(issues)
}

// maxScoreForElapsed is ceil(elapsedSeconds * MaxScorePerSecond), computed in
// decimal so boundary claims (2000ms * 1.2 = exactly 2.4) round predictably.
func (r Rules) maxScoreForElapsed(elapsed time.Duration) int64 {
	seconds := decimal.NewFromInt(elapsed.Milliseconds()).Div(decimal.NewFromInt(1000))
	return seconds.Mul(r.MaxScorePerSecond).Ceil().IntPart()
}

func verdict(issues []Issue) Verdict {
	v := Verdict{
		Accepted: true,
		Flagged:  len(issues) > 0,
		Issues:   issues,
	}

	for _, i := range issues {
		if i.Hard() {
			v.Accepted = false
			break
		}
	}

	return v
}
