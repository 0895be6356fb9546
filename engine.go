package authcore

import (
	"context"
	"time"

	internalaudit "github.com/inkpress/authcore/internal/audit"
	"github.com/inkpress/authcore/internal/rate"
	"github.com/inkpress/authcore/internal/stores"
	"github.com/inkpress/authcore/jwt"
	"github.com/inkpress/authcore/oauth"
	"github.com/inkpress/authcore/password"
	"github.com/inkpress/authcore/rbac"
	"github.com/inkpress/authcore/session"
)

// Engine composes the authentication and authorization core. All methods
// are safe for concurrent use after [Builder.Build].
type Engine struct {
	config       Config
	userProvider UserProvider
	notifier     Notifier
	hasher       *password.Hasher
	jwtManager   *jwt.Manager
	totp         *totpManager
	rbac         *rbac.Engine
	providers    map[string]*oauth.Client
	sessions     *session.Store
	challenges   *stores.ChallengeStore
	oauthStates  *stores.StateStore
	revocations  *stores.RevocationStore
	limiter      *rate.Limiter
	metrics      *Metrics
	audit        *internalaudit.Dispatcher
}

// Close flushes and stops the audit dispatcher. The engine must not be used
// afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// RBAC exposes the resolved role hierarchy for authorization checks done
// outside the engine (e.g. middleware).
func (e *Engine) RBAC() *rbac.Engine {
	return e.rbac
}

// AuditDropped reports audit events discarded under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) auditEmit(ctx context.Context, event AuditEvent) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.audit.Emit(ctx, event)
}

// Authorize evaluates whether the validated claims allow action on resource
// under rbacCtx. The decision is returned as-is for the caller to map to a
// uniform "forbidden"; denials are audited with the specific reason.
func (e *Engine) Authorize(ctx context.Context, claims *Claims, action rbac.Action, resource string, rbacCtx rbac.Context) rbac.Decision {
	if e == nil || claims == nil {
		return rbac.Decision{Reason: rbac.ReasonNoMatchingPermission}
	}
	if rbacCtx == nil {
		rbacCtx = rbac.Context{}
	}
	if _, ok := rbacCtx["subject_id"]; !ok {
		rbacCtx["subject_id"] = claims.UserID
	}

	decision := e.rbac.Check(claims.Roles, action, resource, rbacCtx)
	if !decision.Allow {
		e.metricInc(MetricRBACDenied)
		e.auditEmit(ctx, AuditEvent{
			EventType: internalaudit.EventRBACDenied,
			UserID:    claims.UserID,
			Metadata: map[string]string{
				"action":   string(action),
				"resource": resource,
				"reason":   decision.Reason,
			},
		})
	}
	return decision
}
