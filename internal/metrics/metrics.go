package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoundTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom", Name: "round_transitions_total", Help: "Quiz round state transitions",
	}, []string{"to"})
	AnswerSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom", Name: "answer_submissions_total", Help: "Answer submissions by outcome",
	}, []string{"result"})
	ScoreDeltas = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom", Name: "score_deltas_total", Help: "Applied score deltas by kind",
	}, []string{"kind"})
	ConcurrencyLoss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom", Name: "score_concurrency_loss_total", Help: "Absolute score writes that replaced an unseen value",
	})
	StudentsCalled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom", Name: "students_called_total", Help: "Students picked by the random caller",
	})
	LiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "classroom", Name: "ws_connections", Help: "Open websocket connections by role",
	}, []string{"role"})
	FeedDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom", Name: "feed_dropped_total", Help: "Changes dropped for slow subscribers",
	})
	GradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "classroom", Name: "grade_round_seconds", Help: "Time to grade one round",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		RoundTransitions, AnswerSubmissions, ScoreDeltas, ConcurrencyLoss,
		StudentsCalled, LiveConnections, FeedDropped, GradeDuration,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
