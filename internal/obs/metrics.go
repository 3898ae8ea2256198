package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "websockify_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "websockify_sessions_total", Help: "Sessions that reached the active state"})
	DialFailuresTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "websockify_dial_failures_total", Help: "TCP dials to the target that failed"})
	RateLimitedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "websockify_rate_limited_total", Help: "Upgrade requests rejected by the admission limiter"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "websockify_errors_total", Help: "Errors by type"}, []string{"type"})
	BytesRelayedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "websockify_bytes_relayed_total", Help: "Payload bytes relayed by direction"}, []string{"direction"})
	MessagesRelayedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "websockify_messages_relayed_total", Help: "Binary messages relayed by direction"}, []string{"direction"})
	CopierTerminationTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "websockify_copier_terminations_total", Help: "Copier exits by direction and reason"}, []string{"direction", "reason"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "websockify_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)
