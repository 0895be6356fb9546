package authcore

import (
	"errors"
	"fmt"
	"net/http"

	internalaudit "github.com/inkpress/authcore/internal/audit"
	"github.com/inkpress/authcore/internal/rate"
	"github.com/inkpress/authcore/internal/stores"
	"github.com/inkpress/authcore/jwt"
	"github.com/inkpress/authcore/oauth"
	"github.com/inkpress/authcore/password"
	"github.com/inkpress/authcore/rbac"
	"github.com/inkpress/authcore/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. Construction is allocation-only; no I/O
// happens before the first Engine method call.
type Builder struct {
	config       Config
	redis        redis.UniversalClient
	userProvider UserProvider
	notifier     Notifier
	auditSink    AuditSink
	oauthHTTP    *http.Client
	built        bool
}

// New returns a Builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the configuration. The config is cloned; later
// mutations of cfg do not affect the engine.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing all shared mutable state.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider sets the user database integration.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithNotifier sets the SMS/email code dispatcher.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the audit event destination.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithOAuthHTTPClient overrides the HTTP client used for provider token and
// profile calls. Mostly for tests.
func (b *Builder) WithOAuthHTTPClient(c *http.Client) *Builder {
	b.oauthHTTP = c
	return b
}

// Build validates the configuration, resolves the role hierarchy, and wires
// the engine. Configuration errors, including a cyclic role hierarchy, are
// fatal here, never at request time.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider is required")
	}

	cfg := b.config
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rbacEngine, err := rbac.New(cfg.RBAC.Roles)
	if err != nil {
		return nil, err
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}

	providers := make(map[string]*oauth.Client, len(cfg.OAuth.Providers))
	for name, pc := range cfg.OAuth.Providers {
		var opts []oauth.Option
		if b.oauthHTTP != nil {
			opts = append(opts, oauth.WithHTTPClient(b.oauthHTTP))
		}
		providers[name] = oauth.NewClient(name, pc, opts...)
	}

	notifier := b.notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.New(b.redis, rate.Config{
			Prefix:           cfg.Refresh.RedisPrefix,
			MaxLoginAttempts: cfg.RateLimit.MaxLoginAttempts,
			LoginCooldown:    cfg.RateLimit.LoginCooldown,
			MaxRefreshPerMin: cfg.RateLimit.MaxRefreshPerMin,
		})
	}

	engine := &Engine{
		config:       cfg,
		userProvider: b.userProvider,
		notifier:     notifier,
		hasher:       hasher,
		jwtManager:   jwtManager,
		totp:         newTOTPManager(cfg.TOTP),
		rbac:         rbacEngine,
		providers:    providers,
		sessions:     session.New(b.redis, cfg.Refresh.RedisPrefix),
		challenges:   stores.NewChallengeStore(b.redis, cfg.Refresh.RedisPrefix),
		oauthStates:  stores.NewStateStore(b.redis, cfg.Refresh.RedisPrefix),
		revocations:  stores.NewRevocationStore(b.redis, cfg.Refresh.RedisPrefix),
		limiter:      limiter,
		metrics:      NewMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
	}

	b.built = true
	return engine, nil
}
