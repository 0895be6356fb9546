package authcore

import "sync/atomic"

// MetricID identifies one counter in the in-process metrics system.
type MetricID uint16

const (
	// MetricLoginSuccess counts completed password logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential attempts.
	MetricLoginFailure
	// MetricLoginRateLimited counts logins rejected by the attempt budget.
	MetricLoginRateLimited
	// MetricMFARequired counts logins deferred to a second factor.
	MetricMFARequired
	// MetricMFASuccess counts verified challenges.
	MetricMFASuccess
	// MetricMFAFailure counts wrong codes.
	MetricMFAFailure
	// MetricMFALockout counts challenges locked by budget exhaustion.
	MetricMFALockout
	// MetricMFAReplay counts rejected TOTP replays.
	MetricMFAReplay
	// MetricRefreshSuccess counts successful rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refresh attempts.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts reuse (theft) signals.
	MetricRefreshReuseDetected
	// MetricTokenRevoked counts Validate rejections from the revocation set.
	MetricTokenRevoked
	// MetricLogout counts logouts.
	MetricLogout
	// MetricRevokeAll counts whole-user revocations.
	MetricRevokeAll
	// MetricOAuthLogin counts completed federation logins.
	MetricOAuthLogin
	// MetricOAuthStateMismatch counts rejected callback states.
	MetricOAuthStateMismatch
	// MetricRBACDenied counts authorization denials.
	MetricRBACDenied
	// MetricAccountCreated counts registrations.
	MetricAccountCreated
	// MetricBackupCodeUsed counts consumed backup codes.
	MetricBackupCodeUsed

	metricIDCount
)

// metricNames is indexed by MetricID and used by metrics/export bridges.
var metricNames = [metricIDCount]string{
	"authcore_login_success_total",
	"authcore_login_failure_total",
	"authcore_login_rate_limited_total",
	"authcore_mfa_required_total",
	"authcore_mfa_success_total",
	"authcore_mfa_failure_total",
	"authcore_mfa_lockout_total",
	"authcore_mfa_replay_total",
	"authcore_refresh_success_total",
	"authcore_refresh_failure_total",
	"authcore_refresh_reuse_detected_total",
	"authcore_token_revoked_total",
	"authcore_logout_total",
	"authcore_revoke_all_total",
	"authcore_oauth_login_total",
	"authcore_oauth_state_mismatch_total",
	"authcore_rbac_denied_total",
	"authcore_account_created_total",
	"authcore_backup_code_used_total",
}

// MetricName returns the export name for a counter, or "" for unknown ids.
func MetricName(id MetricID) string {
	if id >= metricIDCount {
		return ""
	}
	return metricNames[id]
}

// MetricIDs returns all defined counter ids in order.
func MetricIDs() []MetricID {
	out := make([]MetricID, metricIDCount)
	for i := range out {
		out[i] = MetricID(i)
	}
	return out
}

// Metrics holds lock-free counters. All operations are no-ops when the
// receiver is nil or metrics are disabled.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]atomic.Uint64
}

// NewMetrics creates a Metrics instance. When enabled is false, all
// operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Inc adds one to a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricIDCount)}
	if m == nil || !m.enabled {
		return snap
	}
	for i := range m.counters {
		snap.Counters[MetricID(i)] = m.counters[i].Load()
	}
	return snap
}
