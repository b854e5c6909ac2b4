package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submissions counts score submissions by final verdict.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipehop_score_submissions_total",
		Help: "Score submissions by verdict (accepted, rejected).",
	}, []string{"verdict"})

	// ValidationIssues counts individual validation findings, including the
	// soft ones that do not block acceptance.
	ValidationIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipehop_validation_issues_total",
		Help: "Validation issues observed on score submissions.",
	}, []string{"issue"})

	// SessionsCreated counts issued play sessions.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipehop_sessions_created_total",
		Help: "Play sessions issued.",
	})
)
