package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aitoolbox", Name: "token_validations_total", Help: "Number of bearer token validations by result."},
		[]string{"result"},
	)
	UserSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aitoolbox", Name: "user_syncs_total", Help: "Number of user sync operations by outcome."},
		[]string{"outcome"},
	)
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aitoolbox", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aitoolbox", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
	AuditEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "aitoolbox", Name: "audit_events_dropped_total", Help: "Number of audit events dropped because the audit queue was full."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(TokenValidations)
	reg.MustRegister(UserSyncs)
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(AuditEventsDropped)
}
